package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/convertrelay/internal/models"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &Postgres{DB: conn}, mock
}

func TestLoadProjectGoals(t *testing.T) {
	pg, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{"pid", "goal_mode", "purchase_goal_id", "add_to_cart_goal_id", "checkout_started_goal_id",
		"subscription_goal_id", "non_subscription_goal_id", "first_sale_goal_id", "upsell_goal_id"}).
		AddRow("100", "subscription", "p1", nil, nil, "s1", "n1", nil, nil).
		AddRow("200", nil, nil, "c2", nil, nil, nil, nil, nil)
	mock.ExpectQuery("SELECT pid, goal_mode").WillReturnRows(rows)

	goals, err := pg.LoadProjectGoals(context.Background())
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, models.ProjectGoals{ProjectID: "100", GoalMode: "subscription", Purchase: "p1", Subscription: "s1", NonSubscription: "n1"}, goals[0])
	assert.Equal(t, "c2", goals[1].AddToCart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadProjectGoalsQueryError(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT pid").WillReturnError(errors.New("boom"))

	_, err := pg.LoadProjectGoals(context.Background())
	assert.ErrorContains(t, err, "query project goals")
}

func TestUpsertProjectGoals(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO project_goals").
		WithArgs("100", nil, "p1", nil, nil, nil, nil, "f1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pg.UpsertProjectGoals(context.Background(), models.ProjectGoals{ProjectID: "100", Purchase: "p1", FirstSale: "f1", Upsell: "u1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, pg.UpsertProjectGoals(context.Background(), models.ProjectGoals{}), models.ErrEmptyProjectID)
}

func TestLoadGoalsIntoCatalog(t *testing.T) {
	pg, mock := newMockPostgres(t)
	rows := sqlmock.NewRows([]string{"pid", "goal_mode", "purchase_goal_id", "add_to_cart_goal_id", "checkout_started_goal_id",
		"subscription_goal_id", "non_subscription_goal_id", "first_sale_goal_id", "upsell_goal_id"}).
		AddRow("100", nil, "override", nil, nil, nil, nil, nil, nil)
	mock.ExpectQuery("SELECT pid").WillReturnRows(rows)

	catalog := models.NewInMemoryGoalCatalog(models.ProjectGoals{Purchase: "default", AddToCart: "cart"})
	n, err := LoadGoals(context.Background(), pg, catalog)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g := catalog.Resolve("100")
	assert.Equal(t, "override", g.Purchase)
	assert.Equal(t, "cart", g.AddToCart)
	assert.Equal(t, "default", catalog.Resolve("999").Purchase)
}

func TestMigrateCreatesProjectGoals(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS project_goals").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, pg.Migrate(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS project_goals").WillReturnError(errors.New("permission denied"))
	assert.ErrorContains(t, pg.Migrate(context.Background()), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}
