package models

import "encoding/json"

// Tracking event kinds.
const (
	EvtHitGoal     = "hitGoal"
	EvtTransaction = "tr"
)

// OutboundEvent is the body POSTed to the tracking endpoint. Field order is
// fixed by the struct so identical inputs serialize to identical bytes.
type OutboundEvent struct {
	CID    json.RawMessage `json:"cid,omitempty"`
	PID    json.RawMessage `json:"pid,omitempty"`
	Seg    json.RawMessage `json:"seg,omitempty"`
	Source string          `json:"s"`
	VID    json.RawMessage `json:"vid,omitempty"`
	// TID is the order id; only transactions carry it.
	TID    json.RawMessage `json:"tid,omitempty"`
	Events []TrackedEvent  `json:"ev"`
}

// TrackedEvent is a single entry of OutboundEvent.Events.
type TrackedEvent struct {
	Evt   string          `json:"evt"`
	Goals []string        `json:"goals"`
	Exps  json.RawMessage `json:"exps,omitempty"`
	Vars  json.RawMessage `json:"vars,omitempty"`
	// Revenue and ProductCount are set for transactions only.
	Revenue      *float64 `json:"r,omitempty"`
	ProductCount *int     `json:"prc,omitempty"`
}
