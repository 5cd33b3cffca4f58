package logic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StaticRates is a fixed table of currency code to base-currency rate.
type StaticRates map[string]float64

// ParseRates decodes a JSON object such as {"EUR":1.08,"GBP":1.27}. Codes
// are upper-cased and non-positive rates are rejected. An empty document
// yields a nil table.
func ParseRates(raw string) (StaticRates, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var in map[string]float64
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("exchange rates: %w", err)
	}
	out := make(StaticRates, len(in))
	for code, rate := range in {
		if rate <= 0 {
			return nil, fmt.Errorf("exchange rates: %s must be positive", code)
		}
		out[strings.ToUpper(code)] = rate
	}
	return out, nil
}

// Rate implements RateProvider.
func (s StaticRates) Rate(currency string) (float64, bool) {
	if s == nil || currency == "" {
		return 0, false
	}
	r, ok := s[strings.ToUpper(currency)]
	return r, ok
}
