package analytics

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

// arrayConverter lets string slices through to the mock like the
// ClickHouse driver does for Array(String) columns.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMockAnalytics(t *testing.T, metrics observability.MetricsRegistry) (*Analytics, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &Analytics{DB: conn, Metrics: metrics}, mock
}

var completed = models.CommerceEvent{ID: "evt-1", Name: models.EventCheckoutCompleted, ClientID: "shop-1"}

func TestRecordDelivery(t *testing.T) {
	a, mock := newMockAnalytics(t, observability.NewNoOpRegistry())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_deliveries")).
		WithArgs(sqlmock.AnyArg(), "evt-1", models.EventCheckoutCompleted, "shop-1", "200",
			tracking.KindTransaction, tracking.MethodRequest, tracking.StatusSent, int32(200),
			[]string{"p", "n"}, 80.0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := a.RecordDelivery(context.Background(), completed, tracking.Delivery{
		Kind: tracking.KindTransaction, Method: tracking.MethodRequest, Status: tracking.StatusSent,
		StatusCode: 200, PID: "200", Goals: []string{"p", "n"}, Amount: 80,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeliveryFailureIsCounted(t *testing.T) {
	metrics := observability.NewMockMetricsRegistry()
	a, mock := newMockAnalytics(t, metrics)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_deliveries")).
		WithArgs(sqlmock.AnyArg(), "evt-1", models.EventCheckoutCompleted, "shop-1", "",
			tracking.KindGoal, "", tracking.StatusFailed, int32(0), []string{}, 0.0, "boom").
		WillReturnError(errors.New("connection reset"))

	err := a.RecordDelivery(context.Background(), completed, tracking.Delivery{
		Kind: tracking.KindGoal, Status: tracking.StatusFailed, Err: errors.New("boom"),
	})
	assert.Error(t, err)
	assert.Equal(t, 1, metrics.Count("persist_errors"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnavailable(t *testing.T) {
	var a *Analytics
	assert.ErrorIs(t, a.RecordDelivery(context.Background(), completed, tracking.Delivery{}), ErrUnavailable)
	_, err := (&Analytics{}).GetDeliveriesByEvent(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = (&Analytics{}).Summarize(context.Background(), "", time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)
	a.Close()
}

func TestGetDeliveriesByEvent(t *testing.T) {
	a, mock := newMockAnalytics(t, nil)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"timestamp", "event_id", "event_name", "client_id", "pid", "kind", "method", "status", "status_code", "goals", "revenue", "error"}).
		AddRow(ts, "evt-1", "checkout_completed", "shop-1", "200", "goal", "beacon", "queued", int64(0), `["p"]`, 0.0, "").
		AddRow(ts, "evt-1", "checkout_completed", "shop-1", "200", "transaction", "request", "sent", int64(200), `["p","n"]`, 80.0, "")
	mock.ExpectQuery(regexp.QuoteMeta("toJSONString(goals) AS goals")).
		WithArgs("evt-1").
		WillReturnRows(rows)

	got, err := a.GetDeliveriesByEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "beacon", got[0].Method)
	assert.Equal(t, []string{"p"}, got[0].Goals)
	assert.Equal(t, []string{"p", "n"}, got[1].Goals)
	assert.Equal(t, int32(200), got[1].StatusCode)
	assert.InDelta(t, 80.0, got[1].Revenue, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDeliveriesByEventBadGoals(t *testing.T) {
	a, mock := newMockAnalytics(t, nil)
	rows := sqlmock.NewRows([]string{"timestamp", "event_id", "event_name", "client_id", "pid", "kind", "method", "status", "status_code", "goals", "revenue", "error"}).
		AddRow(time.Now(), "evt-2", "checkout_completed", "shop-1", "200", "goal", "beacon", "queued", int64(0), `['p']`, 0.0, "")
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_deliveries WHERE event_id=?")).
		WithArgs("evt-2").
		WillReturnRows(rows)

	_, err := a.GetDeliveriesByEvent(context.Background(), "evt-2")
	assert.ErrorContains(t, err, "decode goals")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummarize(t *testing.T) {
	a, mock := newMockAnalytics(t, nil)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"kind", "status", "n", "revenue"}).
		AddRow("goal", "queued", uint64(12), 0.0).
		AddRow("transaction", "sent", uint64(3), 240.5)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, status, count() AS n")).
		WithArgs(since, "200", "200").
		WillReturnRows(rows)

	got, err := a.Summarize(context.Background(), "200", since)
	require.NoError(t, err)
	assert.Equal(t, []Summary{
		{Kind: "goal", Status: "queued", Count: 12},
		{Kind: "transaction", Status: "sent", Count: 3, Revenue: 240.5},
	}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMockAnalyticsRecords(t *testing.T) {
	m := NewMockAnalytics()
	require.NoError(t, m.RecordDelivery(context.Background(), completed, tracking.Delivery{Kind: tracking.KindGoal}))
	assert.Len(t, m.Recorded(), 1)

	m.Err = ErrUnavailable
	assert.ErrorIs(t, m.RecordDelivery(context.Background(), completed, tracking.Delivery{}), ErrUnavailable)
}
