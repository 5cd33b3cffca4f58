package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/attribution"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/middleware"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// AttributesRequest is the body of POST /attributes. Attributes may be the
// record object itself or its JSON text.
type AttributesRequest struct {
	ClientID   string          `json:"clientId"`
	Attributes json.RawMessage `json:"attributes"`
}

// AttributesHandler handles POST /attributes, which the storefront snippet
// uses to save a visitor's attribution record before any event fires.
func (s *Server) AttributesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "attributes"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	fail := func(status int, msg string) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, status)
	}

	if s.Store == nil {
		logger.Error("attribute store unavailable")
		fail(http.StatusInternalServerError, "store unavailable")
		return
	}

	var req AttributesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&req); err != nil {
		fail(http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ClientID == "" {
		fail(http.StatusBadRequest, "clientId required")
		return
	}

	text := string(req.Attributes)
	var quoted string
	if err := json.Unmarshal(req.Attributes, &quoted); err == nil {
		text = quoted
	}
	rec, compact, err := attribution.Decode(text)
	if err != nil {
		logger.Warn("invalid attribution record", zap.String("client_id", req.ClientID), zap.Error(err))
		fail(http.StatusBadRequest, "invalid attributes")
		return
	}

	key := db.ClientKey(req.ClientID, models.AttributionKey)
	if err := s.Store.Set(r.Context(), key, compact, s.Config.AttributesTTL); err != nil {
		logger.Error("store attributes", zap.String("client_id", req.ClientID), zap.Error(err))
		fail(http.StatusInternalServerError, "store failed")
		return
	}
	logger.Debug("attributes stored",
		zap.String("client_id", req.ClientID),
		zap.String("pid", rec.ProjectID()),
		zap.Duration("ttl", s.Config.AttributesTTL))

	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}
