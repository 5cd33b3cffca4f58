package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
	"github.com/patrickwarner/convertrelay/internal/models"
)

// ErrMalformedCheckout is returned when a checkout lacks the order id or
// line items a transaction needs.
var ErrMalformedCheckout = errors.New("malformed checkout")

// ErrInvalidEndpoint is returned when a project id would move the tracking
// URL off the metrics domain.
var ErrInvalidEndpoint = errors.New("invalid tracking endpoint")

// Endpoint returns the tracking URL for a project,
// https://{pid}.metrics.{domain}/track. The parsed host must be exactly
// pid.metrics.domain with pid a single label.
func Endpoint(domain, pid string) (string, error) {
	host := pid + ".metrics." + domain
	raw := "https://" + host + "/track"
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if pid == "" || strings.ContainsAny(pid, "./:@?#[]%\\") || u.Host != host || u.Path != "/track" ||
		!strings.HasSuffix(u.Hostname(), ".metrics."+domain) {
		return "", fmt.Errorf("%w: pid %q", ErrInvalidEndpoint, pid)
	}
	return u.String(), nil
}

// BuildGoal returns the goal hit body for rec.
func BuildGoal(rec models.AttributionRecord, source string, goals []string) models.OutboundEvent {
	return models.OutboundEvent{
		CID:    rec.CID,
		PID:    rec.PID,
		Seg:    rec.DefaultSegments,
		Source: source,
		VID:    rec.VID,
		Events: []models.TrackedEvent{{
			Evt:   models.EvtHitGoal,
			Goals: goalList(goals),
			Exps:  rec.Exps,
			Vars:  rec.Vars,
		}},
	}
}

// BuildTransaction returns the transaction body for a completed checkout.
// The transaction id is checkout.order.id as sent by the storefront and the
// product count is the number of line items.
func BuildTransaction(rec models.AttributionRecord, source string, checkout jsontree.Node, amount float64, goals []string) (models.OutboundEvent, error) {
	order := jsontree.Lookup(checkout, "order.id")
	if !order.Exists() || order.Kind() == jsontree.Null {
		return models.OutboundEvent{}, fmt.Errorf("%w: order.id missing", ErrMalformedCheckout)
	}
	items := checkout.Child("lineItems")
	if items.Kind() != jsontree.List {
		return models.OutboundEvent{}, fmt.Errorf("%w: lineItems is %s", ErrMalformedCheckout, items.Kind())
	}
	count := items.Len()

	ev := BuildGoal(rec, source, goals)
	ev.TID = json.RawMessage(order.Raw())
	ev.Events[0].Evt = models.EvtTransaction
	ev.Events[0].Revenue = &amount
	ev.Events[0].ProductCount = &count
	return ev, nil
}

// Encode serializes ev. The output is checked for validity and encoded a
// second time if the first pass does not parse.
func Encode(ev models.OutboundEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal tracking event: %w", err)
	}
	if jsontree.IsValidJSONBytes(body) {
		return body, nil
	}
	body, err = json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal tracking event: %w", err)
	}
	if !jsontree.IsValidJSONBytes(body) {
		return nil, errors.New("tracking event does not encode to valid JSON")
	}
	return body, nil
}

// goalList never returns nil so an empty selection encodes as [].
func goalList(goals []string) []string {
	out := make([]string, len(goals))
	copy(out, goals)
	return out
}
