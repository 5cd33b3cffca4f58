package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/convertrelay/internal/analytics"
	"github.com/patrickwarner/convertrelay/internal/attribution"
	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/logic"
	"github.com/patrickwarner/convertrelay/internal/logic/filters"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/relay"
	"github.com/patrickwarner/convertrelay/internal/tracking"
)

type EvaluateEventInput struct {
	Event json.RawMessage `json:"event"`
	// Attributes replaces the stored record for this run.
	Attributes string `json:"attributes,omitempty"`
	// FilterCriteria replaces the configured criteria and turns filtering on.
	FilterCriteria string `json:"filter_criteria,omitempty"`
	GoalMode       string `json:"goal_mode,omitempty"`
}

type PreviewDelivery struct {
	Kind   string   `json:"kind"`
	URL    string   `json:"url,omitempty"`
	Goals  []string `json:"goals,omitempty"`
	Amount float64  `json:"amount,omitempty"`
	Body   string   `json:"body,omitempty"`
	Status string   `json:"status"`
	Error  string   `json:"error,omitempty"`
}

type EvaluateEventOutput struct {
	EventID    string            `json:"event_id"`
	Source     string            `json:"attribution_source,omitempty"`
	Stage      string            `json:"stage"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Failures   map[string]string `json:"filter_failures,omitempty"`
	Deliveries []PreviewDelivery `json:"deliveries"`
}

type GetAttributionInput struct {
	ClientID string `json:"client_id"`
}

type GetAttributionOutput struct {
	Found          bool    `json:"found"`
	Record         string  `json:"record,omitempty"`
	ProjectID      string  `json:"pid,omitempty"`
	FirstSaleSeen  bool    `json:"first_sale_reported"`
	UpsellTotal    string  `json:"upsell_total,omitempty"`
	ConversionRate float64 `json:"conversion_rate,omitempty"`
}

type GetProjectGoalsInput struct {
	ProjectID string `json:"pid"`
}

type DeliverySummaryInput struct {
	ProjectID  string `json:"pid,omitempty"`
	SinceHours int    `json:"since_hours,omitempty"`
}

type DeliverySummaryOutput struct {
	Since   time.Time           `json:"since"`
	Summary []analytics.Summary `json:"summary"`
}

// Summarizer reports delivery counts. *analytics.Analytics implements it.
type Summarizer interface {
	Summarize(ctx context.Context, pid string, since time.Time) ([]analytics.Summary, error)
}

// RelayInspector answers questions about how the relay would treat an event
// without sending anything or changing visitor state.
type RelayInspector struct {
	store     db.KeyValueStore
	catalog   models.GoalCatalog
	summaries Summarizer
	rates     logic.RateProvider
	cfg       config.Config
	logger    *zap.Logger
}

// EvaluateEvent runs the event through a relay pipeline wired to a snapshot
// of the visitor's state and a capturing transport.
func (s *RelayInspector) EvaluateEvent(ctx context.Context, req *mcp.CallToolRequest, input EvaluateEventInput) (*mcp.CallToolResult, EvaluateEventOutput, error) {
	ev, err := models.ParseCommerceEvent(input.Event)
	if err != nil {
		return nil, EvaluateEventOutput{}, err
	}
	if ev.ID == "" {
		ev.ID = "dry-run"
	}

	settings, err := relay.SettingsFromConfig(s.cfg)
	if err != nil {
		return nil, EvaluateEventOutput{}, err
	}
	if input.FilterCriteria != "" {
		criteria, err := filters.ParseCriteria(input.FilterCriteria)
		if err != nil {
			return nil, EvaluateEventOutput{}, fmt.Errorf("filter_criteria: %w", err)
		}
		settings.Criteria = criteria
		settings.EnablePropertyFiltering = true
	}

	snapshot, err := s.snapshot(ctx, ev.ClientID, input.Attributes)
	if err != nil {
		return nil, EvaluateEventOutput{}, err
	}
	catalog := s.catalog
	if input.GoalMode != "" {
		catalog = modeOverride{GoalCatalog: s.catalog, mode: input.GoalMode}
	}

	capture := &tracking.CaptureTransport{}
	resolver := attribution.NewResolver(s.logger, attribution.DefaultSources(attribution.StoreSource{Store: snapshot})...)
	pipeline := relay.NewPipeline(settings, relay.Deps{
		Resolver:   resolver,
		Catalog:    catalog,
		Store:      snapshot,
		Dispatcher: tracking.NewClient(tracking.Options{Domain: s.cfg.MetricsDomain, Source: s.cfg.TrackingSource}, capture, s.logger, nil),
		Rates:      s.rates,
		Logger:     s.logger,
	})
	bus := relay.NewBus(s.logger)
	if err := pipeline.Register(bus); err != nil {
		return nil, EvaluateEventOutput{}, err
	}
	outcomes, err := bus.Publish(ctx, ev)
	if err != nil {
		return nil, EvaluateEventOutput{}, err
	}

	out := EvaluateEventOutput{EventID: ev.ID, Deliveries: []PreviewDelivery{}}
	if res, err := resolver.Lookup(ctx, ev); err == nil {
		out.Source = res.Source
	}
	for _, o := range outcomes {
		out.Stage, out.Status = o.Stage, o.Status
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		for _, d := range o.Deliveries {
			pd := PreviewDelivery{Kind: d.Kind, URL: d.URL, Goals: d.Goals, Amount: d.Amount, Body: string(d.Body), Status: d.Status}
			if d.Err != nil {
				pd.Error = d.Err.Error()
			}
			out.Deliveries = append(out.Deliveries, pd)
		}
	}
	if out.Status == relay.StatusFiltered {
		_, out.Failures = filters.EvaluateWithTrace(ev.Tree(), settings.Criteria)
	}
	return nil, out, nil
}

// snapshot copies the visitor keys the pipeline reads or writes into a
// private memory store.
func (s *RelayInspector) snapshot(ctx context.Context, clientID, attributes string) (*db.MemoryStore, error) {
	mem := db.NewMemoryStore()
	keys := []string{models.AttributionKey, db.KeyFirstSaleReported, db.KeyUpsellTotal}
	if s.store != nil {
		for _, k := range keys {
			v, ok, err := s.store.Get(ctx, db.ClientKey(clientID, k))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", k, err)
			}
			if ok {
				if err := mem.Set(ctx, db.ClientKey(clientID, k), v, 0); err != nil {
					return nil, err
				}
			}
		}
	}
	if attributes != "" {
		if err := mem.Set(ctx, db.ClientKey(clientID, models.AttributionKey), attributes, 0); err != nil {
			return nil, err
		}
	}
	return mem, nil
}

// GetAttribution returns the stored record and first-sale state of a client.
func (s *RelayInspector) GetAttribution(ctx context.Context, req *mcp.CallToolRequest, input GetAttributionInput) (*mcp.CallToolResult, GetAttributionOutput, error) {
	if s.store == nil {
		return nil, GetAttributionOutput{}, db.ErrNilStore
	}
	if input.ClientID == "" {
		return nil, GetAttributionOutput{}, fmt.Errorf("client_id required")
	}
	var out GetAttributionOutput
	raw, ok, err := s.store.Get(ctx, db.ClientKey(input.ClientID, models.AttributionKey))
	if err != nil {
		return nil, out, err
	}
	if ok {
		out.Found, out.Record = true, raw
		if rec, _, err := attribution.Decode(raw); err == nil {
			out.ProjectID = rec.ProjectID()
			out.ConversionRate = rec.ConversionRate
		}
	}
	if _, seen, err := s.store.Get(ctx, db.ClientKey(input.ClientID, db.KeyFirstSaleReported)); err == nil {
		out.FirstSaleSeen = seen
	}
	if total, ok, err := s.store.Get(ctx, db.ClientKey(input.ClientID, db.KeyUpsellTotal)); err == nil && ok {
		out.UpsellTotal = total
	}
	return nil, out, nil
}

// GetProjectGoals returns the goal ids reported for a project.
func (s *RelayInspector) GetProjectGoals(ctx context.Context, req *mcp.CallToolRequest, input GetProjectGoalsInput) (*mcp.CallToolResult, models.ProjectGoals, error) {
	if input.ProjectID == "" {
		return nil, models.ProjectGoals{}, fmt.Errorf("pid required")
	}
	return nil, s.catalog.Resolve(input.ProjectID), nil
}

// DeliverySummary counts recorded deliveries by kind and status.
func (s *RelayInspector) DeliverySummary(ctx context.Context, req *mcp.CallToolRequest, input DeliverySummaryInput) (*mcp.CallToolResult, DeliverySummaryOutput, error) {
	if s.summaries == nil {
		return nil, DeliverySummaryOutput{}, analytics.ErrUnavailable
	}
	hours := input.SinceHours
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.summaries.Summarize(ctx, input.ProjectID, since)
	if err != nil {
		return nil, DeliverySummaryOutput{}, err
	}
	if rows == nil {
		rows = []analytics.Summary{}
	}
	return nil, DeliverySummaryOutput{Since: since, Summary: rows}, nil
}

// modeOverride forces a goal mode on every project.
type modeOverride struct {
	models.GoalCatalog
	mode string
}

func (m modeOverride) Resolve(pid string) models.ProjectGoals {
	g := m.GoalCatalog.Resolve(pid)
	g.GoalMode = m.mode
	return g
}
