package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
)

// Lifecycle event names delivered by the storefront pixel.
const (
	EventProductAddedToCart = "product_added_to_cart"
	EventCheckoutStarted    = "checkout_started"
	EventCheckoutCompleted  = "checkout_completed"
)

// ErrInvalidEvent is returned for event envelopes that are not valid JSON objects.
var ErrInvalidEvent = errors.New("invalid event")

// SupportedEvents lists the lifecycle events the relay subscribes to.
var SupportedEvents = []string{EventProductAddedToCart, EventCheckoutStarted, EventCheckoutCompleted}

// CommerceEvent is the envelope the pixel forwards for each lifecycle event.
// Data is the host's event payload and is only read selectively.
type CommerceEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ClientID  string `json:"clientId"`
	Timestamp string `json:"timestamp,omitempty"`
	// Cookie is the storefront Cookie header captured by the pixel.
	Cookie string          `json:"cookie,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`

	raw []byte
}

// ParseCommerceEvent decodes a forwarded event and keeps its original bytes so
// that criteria are evaluated against the document exactly as received.
func ParseCommerceEvent(raw []byte) (CommerceEvent, error) {
	if !jsontree.IsValidJSONBytes(raw) {
		return CommerceEvent{}, fmt.Errorf("%w: not valid JSON", ErrInvalidEvent)
	}
	var ev CommerceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return CommerceEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev.raw = append([]byte(nil), raw...)
	return ev, nil
}

// Tree returns the whole event as a JSON tree.
func (e CommerceEvent) Tree() jsontree.Node {
	raw := e.raw
	if raw == nil {
		b, err := json.Marshal(e)
		if err != nil {
			return jsontree.Node{}
		}
		raw = b
	}
	n, _ := jsontree.Parse(raw)
	return n
}

// Checkout returns data.checkout, or Undefined for events that carry none.
func (e CommerceEvent) Checkout() jsontree.Node {
	return jsontree.Lookup(e.Tree(), "data.checkout")
}
