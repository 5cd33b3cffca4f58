package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/observability"
)

// ErrTransport wraps network failures and non-2xx responses from the
// tracking endpoint.
var ErrTransport = errors.New("tracking transport failure")

// Transport performs an awaited POST of a JSON body. keepAlive asks the
// transport to finish the request even if the caller goes away.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, keepAlive bool) (int, error)
}

// Beaconer is the optional fire-and-forget capability of a Transport.
// Beacon returns false when the body could not be queued.
type Beaconer interface {
	Beacon(kind, url string, body []byte) bool
}

// HTTPTransport posts tracking bodies with an instrumented http.Client.
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport creates a transport. A zero timeout leaves requests
// unbounded, as with http.DefaultClient.
func NewHTTPTransport(timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// NewHTTPTransportWithClient wraps client, which must carry its own
// instrumentation.
func NewHTTPTransportWithClient(client *http.Client, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{client: client, logger: logger}
}

// Post sends body and returns the response status code. Any status outside
// 2xx is reported as ErrTransport.
func (t *HTTPTransport) Post(ctx context.Context, url string, body []byte, keepAlive bool) (int, error) {
	if keepAlive {
		ctx = context.WithoutCancel(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && t.logger != nil {
			t.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%w: http %d: %s", ErrTransport, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

type beacon struct {
	kind string
	url  string
	body []byte
}

// BeaconQueue adds fire-and-forget delivery on top of a Transport. Queued
// bodies are posted by a fixed set of workers; a full queue rejects the
// beacon so the caller can fall back to an awaited request.
type BeaconQueue struct {
	Transport

	jobs    chan beacon
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewBeaconQueue starts workers goroutines draining a queue of size entries.
func NewBeaconQueue(t Transport, workers, size int, logger *zap.Logger, metrics observability.MetricsRegistry) *BeaconQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	q := &BeaconQueue{
		Transport: t,
		jobs:      make(chan beacon, size),
		logger:    logger,
		metrics:   metrics,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

// Beacon queues body without waiting for it to be sent.
func (q *BeaconQueue) Beacon(kind, url string, body []byte) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- beacon{kind: kind, url: url, body: body}:
		return true
	default:
		return false
	}
}

func (q *BeaconQueue) run() {
	defer q.wg.Done()
	for b := range q.jobs {
		start := time.Now()
		status := StatusSent
		if _, err := q.Post(context.Background(), b.url, b.body, true); err != nil {
			status = StatusFailed
			q.logger.Error("beacon delivery failed",
				zap.String("kind", b.kind),
				zap.String("url", b.url),
				zap.Error(err))
		}
		q.metrics.RecordDeliveryLatency(b.kind, time.Since(start))
		q.metrics.IncrementDeliveries(b.kind, status)
	}
}

// Close stops accepting beacons and waits for queued ones to be sent.
func (q *BeaconQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Capture is one body recorded by a CaptureTransport.
type Capture struct {
	URL  string
	Body []byte
}

// CaptureTransport records bodies instead of sending them. It backs dry runs.
type CaptureTransport struct {
	mu       sync.Mutex
	captures []Capture
}

// Post records body and reports success.
func (c *CaptureTransport) Post(_ context.Context, url string, body []byte, _ bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures = append(c.captures, Capture{URL: url, Body: append([]byte(nil), body...)})
	return http.StatusOK, nil
}

// Captures returns the recorded bodies in send order.
func (c *CaptureTransport) Captures() []Capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capture(nil), c.captures...)
}
