package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// DeliveryRecorder keeps an audit trail of tracking deliveries.
// Implementations return ErrUnavailable when storage is not configured.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, ev models.CommerceEvent, d tracking.Delivery) error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
}

// DeliveryRecord mirrors a row in the relay_deliveries table.
type DeliveryRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	EventID    string    `json:"event_id"`
	EventName  string    `json:"event_name"`
	ClientID   string    `json:"client_id"`
	ProjectID  string    `json:"pid"`
	Kind       string    `json:"kind"`
	Method     string    `json:"method"`
	Status     string    `json:"status"`
	StatusCode int32     `json:"status_code"`
	Goals      []string  `json:"goals"`
	Revenue    float64   `json:"revenue"`
	Error      string    `json:"error,omitempty"`
}

// Summary counts deliveries per kind and status.
type Summary struct {
	Kind    string  `json:"kind"`
	Status  string  `json:"status"`
	Count   uint64  `json:"count"`
	Revenue float64 `json:"revenue"`
}

const createDeliveries = `CREATE TABLE IF NOT EXISTS relay_deliveries (
       timestamp    DateTime,
       event_id     String,
       event_name   LowCardinality(String),
       client_id    String,
       pid          String,
       kind         LowCardinality(String),
       method       LowCardinality(String),
       status       LowCardinality(String),
       status_code  Int32,
       goals        Array(String),
       revenue      Float64,
       error        String
   ) ENGINE=MergeTree() ORDER BY (pid, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the deliveries table
// exists.
func InitClickHouse(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration, metrics observability.MetricsRegistry) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	a := &Analytics{DB: db, Metrics: metrics}
	if err := a.Migrate(context.Background()); err != nil {
		return nil, err
	}

	zap.L().Info("Connected to ClickHouse")
	return a, nil
}

// Migrate creates the deliveries table if it does not exist.
func (a *Analytics) Migrate(ctx context.Context) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if _, err := a.DB.ExecContext(ctx, createDeliveries); err != nil {
		return fmt.Errorf("clickhouse create table: %w", err)
	}
	return nil
}

// RecordDelivery inserts one row for d. Persist failures are counted and
// returned; they never affect the delivery itself.
func (a *Analytics) RecordDelivery(ctx context.Context, ev models.CommerceEvent, d tracking.Delivery) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	var errText string
	if d.Err != nil {
		errText = d.Err.Error()
	}
	goals := d.Goals
	if goals == nil {
		goals = []string{}
	}

	stmt := `INSERT INTO relay_deliveries (timestamp, event_id, event_name, client_id, pid, kind, method, status, status_code, goals, revenue, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, time.Now(), ev.ID, ev.Name, ev.ClientID, d.PID, d.Kind, d.Method, d.Status, int32(d.StatusCode), goals, d.Amount, errText); err != nil {
		if a.Metrics != nil {
			a.Metrics.IncrementDeliveryPersistErrors()
		}
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.String("kind", d.Kind))
		return fmt.Errorf("insert %s delivery: %w", d.Kind, err)
	}
	return nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}

// GetDeliveriesByEvent returns the deliveries made for one event, oldest
// first.
func (a *Analytics) GetDeliveriesByEvent(ctx context.Context, eventID string) ([]DeliveryRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	// goals come back as JSON text so the row stays within database/sql's
	// standard value types
	query := `SELECT timestamp, event_id, event_name, client_id, pid, kind, method, status, status_code, toJSONString(goals) AS goals, revenue, error FROM relay_deliveries WHERE event_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			r     DeliveryRecord
			goals string
		)
		if err := rows.Scan(&r.Timestamp, &r.EventID, &r.EventName, &r.ClientID, &r.ProjectID, &r.Kind, &r.Method, &r.Status, &r.StatusCode, &goals, &r.Revenue, &r.Error); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if err := json.Unmarshal([]byte(goals), &r.Goals); err != nil {
			return nil, fmt.Errorf("decode goals of %s: %w", r.EventID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Summarize counts deliveries for a project since the given time. An empty
// pid covers all projects.
func (a *Analytics) Summarize(ctx context.Context, pid string, since time.Time) ([]Summary, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT kind, status, count() AS n, sum(revenue) AS revenue FROM relay_deliveries WHERE timestamp >= ? AND (? = '' OR pid = ?) GROUP BY kind, status ORDER BY kind, status`
	rows, err := a.DB.QueryContext(ctx, query, since, pid, pid)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Kind, &s.Status, &s.Count, &s.Revenue); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
