package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithTraceLoggerRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	h := WithTraceLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromRequest(r, zap.NewNop()).Info("handled")
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "req-1", rr.Header().Get(RequestIDHeader))
	entries := logs.FilterMessage("handled").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))
}

func TestLoggerFromContextFallback(t *testing.T) {
	fallback := zap.NewNop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, fallback, LoggerFromRequest(req, fallback))
}
