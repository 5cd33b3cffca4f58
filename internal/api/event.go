package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/middleware"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/relay"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

// maxEventBytes caps forwarded event envelopes.
const maxEventBytes = 1 << 20

// DeliveryResponse describes one tracking dispatch in an event response.
type DeliveryResponse struct {
	Kind       string   `json:"kind"`
	Method     string   `json:"method"`
	Status     string   `json:"status"`
	StatusCode int      `json:"status_code,omitempty"`
	URL        string   `json:"url,omitempty"`
	Goals      []string `json:"goals,omitempty"`
	Amount     float64  `json:"amount,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// OutcomeResponse describes how one pipeline handled the event.
type OutcomeResponse struct {
	Stage      string             `json:"stage"`
	Status     string             `json:"status"`
	Error      string             `json:"error,omitempty"`
	Deliveries []DeliveryResponse `json:"deliveries,omitempty"`
}

// EventResponse is returned by POST /events.
type EventResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Outcomes []OutcomeResponse `json:"outcomes"`
}

func newEventResponse(ev models.CommerceEvent, outcomes []relay.Outcome) EventResponse {
	resp := EventResponse{ID: ev.ID, Name: ev.Name, Outcomes: make([]OutcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		or := OutcomeResponse{Stage: o.Stage, Status: o.Status, Error: errString(o.Err)}
		for _, d := range o.Deliveries {
			or.Deliveries = append(or.Deliveries, newDeliveryResponse(d))
		}
		resp.Outcomes = append(resp.Outcomes, or)
	}
	return resp
}

func newDeliveryResponse(d tracking.Delivery) DeliveryResponse {
	return DeliveryResponse{
		Kind:       d.Kind,
		Method:     d.Method,
		Status:     d.Status,
		StatusCode: d.StatusCode,
		URL:        d.URL,
		Goals:      d.Goals,
		Amount:     d.Amount,
		Error:      errString(d.Err),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// EventHandler handles POST /events. The pixel forwards each lifecycle event
// here; the event is run through every pipeline subscribed to its name and
// the outcomes are returned.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "events"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	fail := func(status int, msg string) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
		http.Error(w, msg, status)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		logger.Warn("read event body", zap.Error(err))
		fail(http.StatusRequestEntityTooLarge, "event too large")
		return
	}
	ev, err := models.ParseCommerceEvent(body)
	if err != nil {
		logger.Warn("invalid event", zap.Error(err))
		fail(http.StatusBadRequest, "invalid event")
		return
	}
	if ev.ClientID == "" {
		logger.Warn("event without client id", zap.String("event", ev.Name))
		fail(http.StatusBadRequest, "clientId required")
		return
	}
	if !s.Bus.Subscribed(ev.Name) {
		logger.Warn("unsupported event", zap.String("event", ev.Name))
		fail(http.StatusBadRequest, "unsupported event")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if s.Limiter != nil && !s.Limiter.Allow(ev.ClientID) {
		logger.Debug("client rate limited", zap.String("client_id", ev.ClientID))
		fail(http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	outcomes, err := s.Bus.Publish(r.Context(), ev)
	if err != nil {
		if errors.Is(err, relay.ErrUnsupportedEvent) {
			fail(http.StatusBadRequest, "unsupported event")
			return
		}
		logger.Error("publish event", zap.String("event_id", ev.ID), zap.Error(err))
		fail(http.StatusInternalServerError, "event processing failed")
		return
	}

	writeJSON(w, http.StatusAccepted, newEventResponse(ev, outcomes))
	s.Metrics.IncrementRequests(endpoint, method, "202")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
