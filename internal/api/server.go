package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/logic/ratelimit"
	"github.com/patrickwarner/convertrelay/internal/middleware"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/relay"
)

// ErrGoalsUnavailable is returned by Reload when no goal source is
// configured.
var ErrGoalsUnavailable = errors.New("project goal storage unavailable")

// GoalStore persists per-project goal overrides. *db.Postgres implements it.
type GoalStore interface {
	db.GoalSource
	UpsertProjectGoals(ctx context.Context, g models.ProjectGoals) error
}

// UpdatePublisher fans goal changes out to other relay instances.
// *db.RedisStore implements it.
type UpdatePublisher interface {
	PublishGoalUpdate(ctx context.Context, payload []byte) error
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Store     db.KeyValueStore
	Goals     models.GoalCatalog
	GoalStore GoalStore
	Updates   UpdatePublisher
	Bus       *relay.Bus
	Limiter   *ratelimit.ClientLimiter
	Metrics   observability.MetricsRegistry
	Config    config.Config
	reloadMu  sync.Mutex
}

// NewServer constructs a Server. goalStore and updates may be nil.
func NewServer(logger *zap.Logger, store db.KeyValueStore, goals models.GoalCatalog, goalStore GoalStore, updates UpdatePublisher, bus *relay.Bus, limiter *ratelimit.ClientLimiter, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	return &Server{
		Logger:    logger,
		Store:     store,
		Goals:     goals,
		GoalStore: goalStore,
		Updates:   updates,
		Bus:       bus,
		Limiter:   limiter,
		Metrics:   metrics,
		Config:    cfg,
	}
}

// Router returns the HTTP routes wrapped in tracing and trace-aware logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.HandleFunc("/events", s.EventHandler).Methods("POST")
	r.HandleFunc("/attributes", s.AttributesHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.HandleFunc("/projects/{pid}/goals", s.GetGoalsHandler).Methods("GET")
	r.HandleFunc("/projects/{pid}/goals", s.PutGoalsHandler).Methods("PUT")
	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, "convertrelay")
}

// GoalUpdate is the message published when project goals change.
type GoalUpdate struct {
	ProjectID string `json:"pid"`
	Action    string `json:"action"`
}

func (s *Server) notifyUpdate(ctx context.Context, pid, action string) {
	if s.Updates == nil {
		s.Logger.Debug("no update channel, skipping goal update notification")
		return
	}
	payload, err := json.Marshal(GoalUpdate{ProjectID: pid, Action: action})
	if err != nil {
		s.Logger.Error("failed to marshal goal update", zap.Error(err))
		return
	}
	if err := s.Updates.PublishGoalUpdate(context.WithoutCancel(ctx), payload); err != nil {
		s.Logger.Error("failed to publish goal update", zap.Error(err))
	}
}

// Reload replaces the project goal overrides with the rows in the goal
// store.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.GoalStore == nil {
		return ErrGoalsUnavailable
	}
	n, err := db.LoadGoals(ctx, s.GoalStore, s.Goals)
	if err != nil {
		s.Metrics.IncrementGoalReloads("failure")
		return fmt.Errorf("reload project goals: %w", err)
	}
	s.Metrics.IncrementGoalReloads("success")
	s.Logger.Debug("project goals reloaded", zap.Int("projects", n))
	return nil
}

// helper function to write JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
