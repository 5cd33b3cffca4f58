package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
)

// AttributionKey is the storage key, cookie name and event attribute under
// which the attribution record is kept.
const AttributionKey = "convert_attributes"

// ErrMalformedRecord is returned when an attribution string is not a usable
// JSON object.
var ErrMalformedRecord = errors.New("malformed attribution record")

// projectIDPattern is a single DNS label; the pid becomes the first label of
// the tracking host.
var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// AttributionRecord links a visitor to their experiment assignments. It is
// produced upstream by the storefront snippet and only read here.
//
// Identity, segment and assignment fields are kept as raw JSON so they are
// relayed to the tracking endpoint exactly as they were stored. A field that
// is absent from the record stays nil and is omitted from outbound payloads.
type AttributionRecord struct {
	CID json.RawMessage `json:"cid,omitempty"` // account id
	PID json.RawMessage `json:"pid,omitempty"` // project id, also the tracking host prefix
	VID json.RawMessage `json:"vid,omitempty"` // visitor id
	// DefaultSegments carries browser, device, source, campaign, country,
	// custom segments and the new-visitor flag.
	DefaultSegments json.RawMessage `json:"defaultSegments,omitempty"`
	// Exps and Vars are index aligned: Exps[i] ran variation Vars[i].
	Exps json.RawMessage `json:"exps,omitempty"`
	Vars json.RawMessage `json:"vars,omitempty"`

	// ConversionRate multiplies presented amounts into the base currency.
	// Zero means the record did not carry a usable rate.
	ConversionRate float64 `json:"-"`
	// MinOrderValue and MaxOrderValue bound reportable transaction amounts.
	// A nil bound leaves that side of the window open.
	MinOrderValue *float64 `json:"-"`
	MaxOrderValue *float64 `json:"-"`

	Currency        string `json:"-"`
	DefaultCurrency string `json:"-"`
}

// ParseAttributionRecord decodes s. The record must be a JSON object with at
// least one member; "{}" is reported as ErrMalformedRecord.
func ParseAttributionRecord(s string) (AttributionRecord, error) {
	root, ok := jsontree.ParseString(s)
	if !ok {
		return AttributionRecord{}, fmt.Errorf("%w: invalid JSON", ErrMalformedRecord)
	}
	if root.Kind() != jsontree.Map {
		return AttributionRecord{}, fmt.Errorf("%w: expected object, got %s", ErrMalformedRecord, root.Kind())
	}
	if root.Len() == 0 {
		return AttributionRecord{}, fmt.Errorf("%w: empty object", ErrMalformedRecord)
	}

	rec := AttributionRecord{
		CID:             rawField(root, "cid"),
		PID:             rawField(root, "pid"),
		VID:             rawField(root, "vid"),
		DefaultSegments: rawField(root, "defaultSegments"),
		Exps:            rawField(root, "exps"),
		Vars:            rawField(root, "vars"),
		Currency:        root.Child("currency").String(),
		DefaultCurrency: root.Child("defaultCurrency").String(),
	}

	for _, key := range []string{"conversionRate", "conversion_rate"} {
		n := root.Child(key)
		if !n.Truthy() {
			continue
		}
		if n.NonFinite() {
			return AttributionRecord{}, fmt.Errorf("%w: %s is not finite", ErrMalformedRecord, key)
		}
		if v, ok := n.Number(); ok {
			rec.ConversionRate = v
			break
		}
	}
	var err error
	if rec.MinOrderValue, err = bound(root, "min_order_value"); err != nil {
		return AttributionRecord{}, err
	}
	if rec.MaxOrderValue, err = bound(root, "max_order_value"); err != nil {
		return AttributionRecord{}, err
	}
	return rec, nil
}

// bound reads an order-value limit. Text that is not a number leaves the
// limit open; NaN and infinities are rejected.
func bound(root jsontree.Node, key string) (*float64, error) {
	n := root.Child(key)
	if n.NonFinite() {
		return nil, fmt.Errorf("%w: %s is not finite", ErrMalformedRecord, key)
	}
	if v, ok := n.Number(); ok {
		return &v, nil
	}
	return nil, nil
}

func rawField(root jsontree.Node, key string) json.RawMessage {
	n := root.Child(key)
	if !n.Exists() {
		return nil
	}
	return json.RawMessage(n.Raw())
}

// ProjectID returns the project id as text, whether it was stored as a JSON
// string or number.
func (r AttributionRecord) ProjectID() string {
	if len(r.PID) == 0 {
		return ""
	}
	n, ok := jsontree.Parse(r.PID)
	if !ok || n.Kind() != jsontree.Scalar {
		return ""
	}
	return n.String()
}

// Validate checks the fields required to report a hit:
//   - cid, pid and vid must be present
//   - pid must be a string or number that forms one DNS label (letters,
//     digits and inner hyphens, at most 63 characters)
//   - exps and vars must be arrays of equal length when both are given
func (r AttributionRecord) Validate() error {
	required := []struct {
		name string
		v    json.RawMessage
	}{{"cid", r.CID}, {"pid", r.PID}, {"vid", r.VID}}
	for _, f := range required {
		if len(f.v) == 0 {
			return fmt.Errorf("%w: missing %s", ErrMalformedRecord, f.name)
		}
	}
	if r.ProjectID() == "" {
		return fmt.Errorf("%w: pid must be a non-empty string or number", ErrMalformedRecord)
	}
	if !projectIDPattern.MatchString(r.ProjectID()) {
		return fmt.Errorf("%w: pid %q is not a host label", ErrMalformedRecord, r.ProjectID())
	}
	if len(r.Exps) > 0 && len(r.Vars) > 0 {
		exps, _ := jsontree.Parse(r.Exps)
		vars, _ := jsontree.Parse(r.Vars)
		if exps.Kind() == jsontree.List && vars.Kind() == jsontree.List && exps.Len() != vars.Len() {
			return fmt.Errorf("%w: %d exps but %d vars", ErrMalformedRecord, exps.Len(), vars.Len())
		}
	}
	return nil
}
