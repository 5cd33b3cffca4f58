// Package tracking builds goal hit and transaction bodies and delivers them
// to the per-project tracking endpoint. Delivery is at most once: nothing is
// retried and failures are returned as a Delivery value, never as a panic or
// an error the caller must handle.
package tracking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
)

// Delivery kinds.
const (
	KindGoal        = "goal"
	KindTransaction = "transaction"
)

// Delivery methods.
const (
	MethodBeacon  = "beacon"
	MethodRequest = "request"
)

// Delivery statuses. Queued beacons are sent later by the BeaconQueue.
const (
	StatusQueued  = "queued"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ErrNoGoals is reported when there is no goal id to send.
var ErrNoGoals = errors.New("no goal ids configured")

// Delivery is the outcome of one dispatch.
type Delivery struct {
	Kind       string
	Method     string
	Status     string
	StatusCode int
	URL        string
	PID        string
	Goals      []string
	// Amount is the reported revenue of a transaction.
	Amount float64
	Body   []byte
	Err    error
}

// OK reports whether the body was sent or handed to the beacon queue.
func (d Delivery) OK() bool {
	return d.Status == StatusSent || d.Status == StatusQueued
}

// Options configure a Client.
type Options struct {
	// Domain is the provider domain of the tracking host.
	Domain string
	// Source is reported as the "s" field.
	Source string
}

// Client dispatches tracking events. If the transport also implements
// Beaconer, goal hits are sent fire-and-forget.
type Client struct {
	opts      Options
	transport Transport
	beacons   Beaconer
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
}

// NewClient creates a tracking client.
//
// Example usage:
//
//	client := tracking.NewClient(tracking.Options{Domain: "example-analytics.io", Source: "shop"},
//	    tracking.NewHTTPTransport(5*time.Second, logger), logger, metrics)
//	d := client.SendGoal(ctx, rec, []string{"add_to_cart"})
//	if !d.OK() {
//	    // d.Err says why; nothing is retried
//	}
//
// A nil metrics registry is replaced with a no-op one.
func NewClient(opts Options, transport Transport, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	c := &Client{opts: opts, transport: transport, logger: logger, metrics: metrics}
	if b, ok := transport.(Beaconer); ok {
		c.beacons = b
	}
	return c
}

// SendGoal reports a goal hit. A beacon is preferred; when none is available
// or the queue is full the body is posted with the keep-alive hint.
func (c *Client) SendGoal(ctx context.Context, rec models.AttributionRecord, goals []string) Delivery {
	d := Delivery{Kind: KindGoal, PID: rec.ProjectID(), Goals: goals}
	if len(goals) == 0 {
		return c.skip(d)
	}
	body, err := Encode(BuildGoal(rec, c.opts.Source, goals))
	if err != nil {
		return c.fail(d, err)
	}
	d.Body = body
	if d.URL, err = Endpoint(c.opts.Domain, d.PID); err != nil {
		return c.fail(d, err)
	}

	if c.beacons != nil && c.beacons.Beacon(KindGoal, d.URL, body) {
		d.Method = MethodBeacon
		d.Status = StatusQueued
		c.logger.Debug("goal hit queued", zap.String("pid", d.PID), zap.Strings("goals", goals))
		return d
	}
	return c.post(ctx, d, true)
}

// SendTransaction reports a transaction for a completed checkout. It always
// waits for the response so the outcome is known.
func (c *Client) SendTransaction(ctx context.Context, rec models.AttributionRecord, checkout jsontree.Node, amount float64, goals []string) Delivery {
	d := Delivery{Kind: KindTransaction, Method: MethodRequest, PID: rec.ProjectID(), Goals: goals, Amount: amount}
	if len(goals) == 0 {
		return c.skip(d)
	}
	ev, err := BuildTransaction(rec, c.opts.Source, checkout, amount, goals)
	if err != nil {
		return c.fail(d, err)
	}
	body, err := Encode(ev)
	if err != nil {
		return c.fail(d, err)
	}
	d.Body = body
	if d.URL, err = Endpoint(c.opts.Domain, d.PID); err != nil {
		return c.fail(d, err)
	}
	return c.post(ctx, d, false)
}

func (c *Client) post(ctx context.Context, d Delivery, keepAlive bool) Delivery {
	start := time.Now()
	d.Method = MethodRequest
	d.Status = StatusSent
	defer func() {
		c.metrics.RecordDeliveryLatency(d.Kind, time.Since(start))
		c.metrics.IncrementDeliveries(d.Kind, d.Status)
	}()

	code, err := c.transport.Post(ctx, d.URL, d.Body, keepAlive)
	d.StatusCode = code
	if err != nil {
		d.Status = StatusFailed
		d.Err = err
		c.logger.Error("tracking delivery failed",
			zap.String("kind", d.Kind),
			zap.String("url", d.URL),
			zap.Int("status_code", code),
			zap.Error(err))
		return d
	}
	c.logger.Debug("tracking delivery sent",
		zap.String("kind", d.Kind),
		zap.String("pid", d.PID),
		zap.Strings("goals", d.Goals),
		zap.Int("status_code", code))
	return d
}

func (c *Client) fail(d Delivery, err error) Delivery {
	d.Status = StatusFailed
	d.Err = err
	c.metrics.IncrementDeliveries(d.Kind, d.Status)
	c.logger.Error("tracking event not built", zap.String("kind", d.Kind), zap.Error(err))
	return d
}

func (c *Client) skip(d Delivery) Delivery {
	d.Status = StatusSkipped
	d.Err = ErrNoGoals
	c.metrics.IncrementDeliveries(d.Kind, d.Status)
	c.logger.Debug("no goal ids, nothing to send", zap.String("kind", d.Kind), zap.String("pid", d.PID))
	return d
}
