package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// ReloadHandler reloads project goal overrides from Postgres and tells the
// other relay instances to do the same.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	s.notifyUpdate(r.Context(), "", "reload")

	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}

// GetGoalsHandler handles GET /projects/{pid}/goals and returns the goal ids
// the relay currently reports for the project.
func (s *Server) GetGoalsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "project_goals"
	const method = "GET"

	pid := mux.Vars(r)["pid"]
	writeJSON(w, http.StatusOK, s.Goals.Resolve(pid))

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

// PutGoalsHandler handles PUT /projects/{pid}/goals. The override is saved
// to Postgres, the catalog is reloaded and peers are notified.
func (s *Server) PutGoalsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "project_goals"
	const method = "PUT"

	fail := func(status int, code, msg string) {
		s.Metrics.IncrementRequests(endpoint, method, code)
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, status)
	}

	if s.GoalStore == nil {
		fail(http.StatusServiceUnavailable, "503", "goal storage unavailable")
		return
	}

	var g models.ProjectGoals
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		fail(http.StatusBadRequest, "400", "invalid JSON")
		return
	}
	g.ProjectID = mux.Vars(r)["pid"]
	if g.ProjectID == "" {
		fail(http.StatusBadRequest, "400", "pid required")
		return
	}
	switch g.GoalMode {
	case "", config.GoalModeSingle, config.GoalModeSubscription, config.GoalModeFirstSale:
	default:
		fail(http.StatusBadRequest, "400", "unknown goal_mode")
		return
	}

	if err := s.GoalStore.UpsertProjectGoals(r.Context(), g); err != nil {
		s.Logger.Error("upsert project goals", zap.String("pid", g.ProjectID), zap.Error(err))
		fail(http.StatusInternalServerError, "500", "save failed")
		return
	}
	if err := s.Reload(r.Context()); err != nil {
		s.Logger.Error("reload after upsert", zap.Error(err))
		fail(http.StatusInternalServerError, "500", "reload failed")
		return
	}
	s.notifyUpdate(r.Context(), g.ProjectID, "upsert")

	writeJSON(w, http.StatusOK, s.Goals.Resolve(g.ProjectID))
	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
