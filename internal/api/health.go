package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler responds with a status check. When the visitor store can be
// pinged and the ping fails the relay reports itself unavailable.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	status := http.StatusOK
	body := map[string]interface{}{"status": "ok", "projects": s.Goals.Len()}
	if p, ok := s.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.Logger.Warn("store ping failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
	}
	writeJSON(w, status, body)

	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
