// Package relay routes storefront lifecycle events through attribution,
// filtering, classification and amount normalization, and dispatches the
// resulting goal hits and transactions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/analytics"
	"github.com/patrickwarner/convertrelay/internal/attribution"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/logic"
	"github.com/patrickwarner/convertrelay/internal/logic/filters"
	"github.com/patrickwarner/convertrelay/internal/middleware"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

// ErrDispatchPanic marks a delivery whose dispatch panicked.
var ErrDispatchPanic = errors.New("dispatch panicked")

// Dispatcher delivers tracking events. *tracking.Client implements it.
type Dispatcher interface {
	SendGoal(ctx context.Context, rec models.AttributionRecord, goals []string) tracking.Delivery
	SendTransaction(ctx context.Context, rec models.AttributionRecord, checkout jsontree.Node, amount float64, goals []string) tracking.Delivery
}

// Deps are the collaborators of a Pipeline. Rates, Recorder and Sampler are
// optional.
type Deps struct {
	Resolver   *attribution.Resolver      // visitor attribution lookup
	Catalog    models.GoalCatalog         // per-project goal ids
	Store      db.KeyValueStore           // first-sale and revenue keys
	Dispatcher Dispatcher                 // sends goal hits and transactions
	Rates      logic.RateProvider         // optional currency rates
	Recorder   analytics.DeliveryRecorder // optional delivery log
	Logger     *zap.Logger
	Metrics    observability.MetricsRegistry
	// Sampler thins the per-event "reported" info log.
	Sampler *observability.LogSampler
}

// Pipeline holds the per-event handlers. Handlers share no in-memory state;
// the only state shared across events is the visitor store.
type Pipeline struct {
	settings Settings
	deps     Deps
	tracer   trace.Tracer
}

// NewPipeline creates a pipeline.
func NewPipeline(settings Settings, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoOpRegistry()
	}
	if deps.Sampler == nil {
		deps.Sampler = observability.NewLogSampler(observability.GetSamplingRate())
	}
	return &Pipeline{settings: settings, deps: deps, tracer: observability.Tracer("relay")}
}

// Register subscribes the pipeline's handlers on bus.
func (p *Pipeline) Register(bus *Bus) error {
	for name, h := range map[string]Handler{
		models.EventProductAddedToCart: p.HandleAddToCart,
		models.EventCheckoutStarted:    p.HandleCheckoutStarted,
		models.EventCheckoutCompleted:  p.HandleCheckoutCompleted,
	} {
		if err := bus.Subscribe(name, h); err != nil {
			return err
		}
	}
	return nil
}

// HandleAddToCart sends the add-to-cart goal hit.
func (p *Pipeline) HandleAddToCart(ctx context.Context, ev models.CommerceEvent) Outcome {
	ctx, span := p.start(ctx, ev)
	defer span.End()

	res, out, ok := p.resolve(ctx, ev)
	if !ok {
		return p.finish(span, out)
	}
	if out, ok := p.filter(ctx, ev); !ok {
		return p.finish(span, out)
	}
	goals := p.deps.Catalog.Resolve(res.Record.ProjectID())
	d := p.deps.Dispatcher.SendGoal(ctx, res.Record, ids(goals.AddToCart))
	return p.finish(span, p.dispatched(ctx, ev, d))
}

// HandleCheckoutStarted sends the checkout-started goal hit. It is not
// filtered.
func (p *Pipeline) HandleCheckoutStarted(ctx context.Context, ev models.CommerceEvent) Outcome {
	ctx, span := p.start(ctx, ev)
	defer span.End()

	res, out, ok := p.resolve(ctx, ev)
	if !ok {
		return p.finish(span, out)
	}
	goals := p.deps.Catalog.Resolve(res.Record.ProjectID())
	d := p.deps.Dispatcher.SendGoal(ctx, res.Record, ids(goals.CheckoutStarted))
	return p.finish(span, p.dispatched(ctx, ev, d))
}

// HandleCheckoutCompleted classifies the order, then sends the goal hit and
// the transaction. The two dispatches run concurrently and neither affects
// the other.
func (p *Pipeline) HandleCheckoutCompleted(ctx context.Context, ev models.CommerceEvent) Outcome {
	ctx, span := p.start(ctx, ev)
	defer span.End()
	logger := middleware.LoggerFromContext(ctx, p.deps.Logger).With(zap.String("event_id", ev.ID))

	res, out, ok := p.resolve(ctx, ev)
	if !ok {
		return p.finish(span, out)
	}
	if out, ok := p.filter(ctx, ev); !ok {
		return p.finish(span, out)
	}

	goals := p.deps.Catalog.Resolve(res.Record.ProjectID())
	sel, err := filters.SelectorFor(goals.GoalMode, p.deps.Store).Select(ctx, ev, goals)
	if err != nil {
		logger.Error("goal selection failed", zap.String("goal_mode", goals.GoalMode), zap.Error(err))
		return p.finish(span, p.outcome(ev, StageClassify, StatusFailed, err))
	}

	checkout := ev.Checkout()
	var (
		wg       sync.WaitGroup
		goalHit  tracking.Delivery
		txn      *tracking.Delivery
		amtErr   error
		amtStage = StageDispatch
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				goalHit = p.panicked(logger, tracking.KindGoal, res.Record, r)
			}
		}()
		goalHit = p.deps.Dispatcher.SendGoal(ctx, res.Record, sel.GoalHit)
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d := p.panicked(logger, tracking.KindTransaction, res.Record, r)
				txn, amtErr, amtStage = &d, nil, StageDispatch
			}
		}()
		amt, err := logic.NormalizeAmount(checkout, res.Record, p.deps.Rates)
		if err != nil {
			amtErr = err
			amtStage = StageNormalize
			return
		}
		d := p.deps.Dispatcher.SendTransaction(ctx, res.Record, checkout, amt.Value, sel.Transaction)
		if sel.Upsell && d.Status == tracking.StatusSent {
			p.addUpsell(ctx, ev, amt.Value)
		}
		txn = &d
	}()
	wg.Wait()

	out = p.outcome(ev, StageDispatch, StatusReported, nil)
	out.Deliveries = append(out.Deliveries, goalHit)
	if txn != nil {
		out.Deliveries = append(out.Deliveries, *txn)
	}
	p.record(ctx, ev, out.Deliveries)

	switch {
	case errors.Is(amtErr, logic.ErrDropped):
		logger.Debug("transaction outside order value window", zap.Error(amtErr))
		out.Stage, out.Status, out.Err = amtStage, StatusDropped, amtErr
	case amtErr != nil:
		logger.Error("transaction amount malformed", zap.Error(amtErr))
		out.Stage, out.Status, out.Err = amtStage, StatusMalformed, amtErr
	}
	if failed := firstFailure(out.Deliveries); failed != nil {
		out.Status, out.Err = StatusFailed, failed
	}
	return p.finish(span, out)
}

// panicked turns a panic in a dispatch goroutine into a failed delivery.
// Recovery has to happen in the goroutine itself; the bus only guards the
// handler's own stack.
func (p *Pipeline) panicked(logger *zap.Logger, kind string, rec models.AttributionRecord, r any) tracking.Delivery {
	logger.Error("dispatch panicked", zap.String("kind", kind), zap.Any("panic", r), zap.Stack("stack"))
	p.deps.Metrics.IncrementDeliveries(kind, tracking.StatusFailed)
	return tracking.Delivery{
		Kind:   kind,
		Status: tracking.StatusFailed,
		PID:    rec.ProjectID(),
		Err:    fmt.Errorf("%w: %v", ErrDispatchPanic, r),
	}
}

// resolve returns ok=false with the terminal outcome when there is nothing
// to report.
func (p *Pipeline) resolve(ctx context.Context, ev models.CommerceEvent) (attribution.Resolution, Outcome, bool) {
	logger := middleware.LoggerFromContext(ctx, p.deps.Logger)
	res, err := p.deps.Resolver.Lookup(ctx, ev)
	if err != nil {
		logger.Info("no attribution record, skipping event",
			zap.String("event", ev.Name),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return res, p.outcome(ev, StageResolve, StatusNotFound, err), false
	}
	if p.settings.Debug {
		logger.Debug("attribution resolved",
			zap.String("event_id", ev.ID),
			zap.String("source", res.Source),
			zap.String("record", res.Raw))
	}
	if err := res.Record.Validate(); err != nil {
		logger.Error("attribution record unusable",
			zap.String("event", ev.Name),
			zap.String("event_id", ev.ID),
			zap.String("source", res.Source),
			zap.Error(err))
		return res, p.outcome(ev, StageValidate, StatusMalformed, err), false
	}
	return res, Outcome{}, true
}

func (p *Pipeline) filter(ctx context.Context, ev models.CommerceEvent) (Outcome, bool) {
	if !p.settings.EnablePropertyFiltering {
		return Outcome{}, true
	}
	ok, failures := filters.EvaluateWithTrace(ev.Tree(), p.settings.Criteria)
	if ok {
		return Outcome{}, true
	}
	middleware.LoggerFromContext(ctx, p.deps.Logger).Debug("event filtered out",
		zap.String("event", ev.Name),
		zap.String("event_id", ev.ID),
		zap.Any("failures", failures))
	return p.outcome(ev, StageFilter, StatusFiltered, nil), false
}

func (p *Pipeline) dispatched(ctx context.Context, ev models.CommerceEvent, d tracking.Delivery) Outcome {
	out := p.outcome(ev, StageDispatch, StatusReported, nil)
	out.Deliveries = []tracking.Delivery{d}
	p.record(ctx, ev, out.Deliveries)
	if d.Status == tracking.StatusFailed {
		out.Status, out.Err = StatusFailed, d.Err
	}
	return out
}

func (p *Pipeline) addUpsell(ctx context.Context, ev models.CommerceEvent, amount float64) {
	total, err := p.deps.Store.IncrByFloat(ctx, db.ClientKey(ev.ClientID, db.KeyUpsellTotal), amount)
	logger := middleware.LoggerFromContext(ctx, p.deps.Logger)
	if err != nil {
		logger.Error("upsell total not updated", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	logger.Debug("upsell total updated", zap.String("client_id", ev.ClientID), zap.Float64("total", total))
}

// record audits deliveries when a recorder is configured.
func (p *Pipeline) record(ctx context.Context, ev models.CommerceEvent, deliveries []tracking.Delivery) {
	for _, d := range deliveries {
		if p.settings.Debug && d.Body != nil {
			middleware.LoggerFromContext(ctx, p.deps.Logger).Debug("tracking body",
				zap.String("kind", d.Kind), zap.ByteString("body", d.Body))
		}
		if p.deps.Recorder == nil {
			continue
		}
		if err := p.deps.Recorder.RecordDelivery(ctx, ev, d); err != nil && !errors.Is(err, analytics.ErrUnavailable) {
			middleware.LoggerFromContext(ctx, p.deps.Logger).Warn("delivery audit failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) outcome(ev models.CommerceEvent, stage, status string, err error) Outcome {
	return Outcome{Event: ev.Name, EventID: ev.ID, Stage: stage, Status: status, Err: err}
}

func (p *Pipeline) start(ctx context.Context, ev models.CommerceEvent) (context.Context, trace.Span) {
	p.deps.Metrics.IncrementEventsReceived(ev.Name)
	return p.tracer.Start(ctx, "relay."+ev.Name, trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.client_id", ev.ClientID),
	))
}

func (p *Pipeline) finish(span trace.Span, out Outcome) Outcome {
	span.SetAttributes(
		attribute.String("relay.stage", out.Stage),
		attribute.String("relay.status", out.Status),
		attribute.Int("relay.deliveries", len(out.Deliveries)),
	)
	if out.Status == StatusFailed || out.Status == StatusMalformed {
		span.SetStatus(codes.Error, errString(out.Err))
	}
	p.deps.Metrics.IncrementOutcomes(out.Event, out.Status)
	if out.Status == StatusReported && p.deps.Sampler.Sample() {
		p.deps.Logger.Info("event reported",
			zap.String("event", out.Event),
			zap.String("event_id", out.EventID),
			zap.Int("deliveries", len(out.Deliveries)))
	}
	return out
}

func firstFailure(ds []tracking.Delivery) error {
	for _, d := range ds {
		if d.Status == tracking.StatusFailed {
			return d.Err
		}
	}
	return nil
}

func ids(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
