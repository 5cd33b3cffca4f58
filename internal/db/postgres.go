package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/models"
)

// Postgres holds project goal overrides.
type Postgres struct {
	DB *sql.DB
}

// Pool sizes a database/sql connection pool.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (p Pool) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.MaxOpen)
	db.SetMaxIdleConns(p.MaxIdle)
	db.SetConnMaxLifetime(p.MaxLifetime)
	db.SetConnMaxIdleTime(p.MaxIdleTime)
}

const projectGoalsDDL = `CREATE TABLE IF NOT EXISTS project_goals (
    pid TEXT PRIMARY KEY,
    goal_mode TEXT,
    purchase_goal_id TEXT,
    add_to_cart_goal_id TEXT,
    checkout_started_goal_id TEXT,
    subscription_goal_id TEXT,
    non_subscription_goal_id TEXT,
    first_sale_goal_id TEXT,
    upsell_goal_id TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InitPostgres opens an otelsql-instrumented pool, checks connectivity and
// creates the project_goals table when missing.
func InitPostgres(ctx context.Context, dsn string, pool Pool) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(attribute.String("db.system", "postgresql")))
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	pool.apply(conn)

	p := &Postgres{DB: conn}
	if err := conn.PingContext(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := p.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	zap.L().Info("Connected to Postgres",
		zap.Int("max_open_conns", pool.MaxOpen),
		zap.Int("max_idle_conns", pool.MaxIdle),
		zap.Duration("conn_max_lifetime", pool.MaxLifetime))
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p == nil || p.DB == nil {
		return
	}
	if err := p.DB.Close(); err != nil {
		zap.L().Error("postgres close", zap.Error(err))
	}
}

// Migrate creates the project_goals table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, projectGoalsDDL); err != nil {
		return fmt.Errorf("create project_goals: %w", err)
	}
	return nil
}

// LoadProjectGoals retrieves every per-project goal override.
func (p *Postgres) LoadProjectGoals(ctx context.Context) ([]models.ProjectGoals, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT pid, goal_mode, purchase_goal_id, add_to_cart_goal_id, checkout_started_goal_id, subscription_goal_id, non_subscription_goal_id, first_sale_goal_id, upsell_goal_id FROM project_goals`)
	if err != nil {
		return nil, fmt.Errorf("query project goals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ProjectGoals
	for rows.Next() {
		var g models.ProjectGoals
		var mode, purchase, cart, started, sub, nonSub, first, upsell sql.NullString
		if err := rows.Scan(&g.ProjectID, &mode, &purchase, &cart, &started, &sub, &nonSub, &first, &upsell); err != nil {
			return nil, fmt.Errorf("scan project goals: %w", err)
		}
		g.GoalMode = mode.String
		g.Purchase = purchase.String
		g.AddToCart = cart.String
		g.CheckoutStarted = started.String
		g.Subscription = sub.String
		g.NonSubscription = nonSub.String
		g.FirstSale = first.String
		g.Upsell = upsell.String
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project goals: %w", err)
	}
	return out, nil
}

// UpsertProjectGoals inserts or replaces the override row for g.ProjectID.
func (p *Postgres) UpsertProjectGoals(ctx context.Context, g models.ProjectGoals) error {
	if g.ProjectID == "" {
		return models.ErrEmptyProjectID
	}
	_, err := p.DB.ExecContext(ctx, `INSERT INTO project_goals (pid, goal_mode, purchase_goal_id, add_to_cart_goal_id, checkout_started_goal_id, subscription_goal_id, non_subscription_goal_id, first_sale_goal_id, upsell_goal_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (pid) DO UPDATE SET goal_mode=EXCLUDED.goal_mode, purchase_goal_id=EXCLUDED.purchase_goal_id, add_to_cart_goal_id=EXCLUDED.add_to_cart_goal_id, checkout_started_goal_id=EXCLUDED.checkout_started_goal_id, subscription_goal_id=EXCLUDED.subscription_goal_id, non_subscription_goal_id=EXCLUDED.non_subscription_goal_id, first_sale_goal_id=EXCLUDED.first_sale_goal_id, upsell_goal_id=EXCLUDED.upsell_goal_id, updated_at=NOW()`,
		g.ProjectID, nullable(g.GoalMode), nullable(g.Purchase), nullable(g.AddToCart), nullable(g.CheckoutStarted),
		nullable(g.Subscription), nullable(g.NonSubscription), nullable(g.FirstSale), nullable(g.Upsell))
	if err != nil {
		return fmt.Errorf("upsert project goals %s: %w", g.ProjectID, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
