package filters

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/patrickwarner/convertrelay/internal/jsontree"
)

// Criteria is the declarative admission rule applied to incoming events.
//
// Defaulting rules: a zero Criteria is disabled and admits everything. An
// absent CheckExistence list checks nothing. MatchValue and MatchPattern are
// only consulted when CheckValue is true. Every listed property must pass;
// there is no any-of mode.
type Criteria struct {
	Enabled bool `json:"enabled"`
	// CheckExistence lists properties that must resolve to a defined value.
	// null counts as defined; so do 0, false and "".
	CheckExistence []string `json:"checkExistence,omitempty"`
	CheckValue     bool     `json:"checkValue"`
	// MatchValue maps a property to the exact JSON scalar it must equal.
	// Types must agree: "1" does not equal 1, and objects or arrays never
	// match.
	MatchValue map[string]any `json:"matchValue,omitempty"`
	// MatchPattern maps a property to a regular expression its scalar text
	// must match.
	MatchPattern map[string]string `json:"matchPattern,omitempty"`
	// Lookup selects how property references resolve: "auto" (default)
	// walks dotted paths and deep-searches bare names, "deep" and "path"
	// force one mode.
	Lookup string `json:"lookup,omitempty"`

	mode     jsontree.Mode
	patterns map[string]*regexp.Regexp
}

// ParseCriteria decodes a JSON criteria document and compiles its patterns.
// An empty document yields disabled criteria.
func ParseCriteria(raw string) (Criteria, error) {
	var c Criteria
	if strings.TrimSpace(raw) == "" {
		return c, nil
	}
	if !jsontree.IsValidJSON(raw) {
		return Criteria{}, fmt.Errorf("filter criteria: invalid JSON")
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Criteria{}, fmt.Errorf("filter criteria: %w", err)
	}
	if err := c.Compile(); err != nil {
		return Criteria{}, err
	}
	return c, nil
}

// Compile prepares patterns and the lookup mode. Criteria built in code must
// be compiled before use; ParseCriteria does it automatically.
func (c *Criteria) Compile() error {
	c.mode = jsontree.ParseMode(c.Lookup)
	c.patterns = make(map[string]*regexp.Regexp, len(c.MatchPattern))
	for prop, expr := range c.MatchPattern {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("filter criteria: pattern for %s: %w", prop, err)
		}
		c.patterns[prop] = re
	}
	return nil
}

// Evaluate reports whether payload satisfies c.
func Evaluate(payload jsontree.Node, c Criteria) bool {
	ok, _ := EvaluateWithTrace(payload, c)
	return ok
}

// EvaluateWithTrace behaves like Evaluate but also returns the reason each
// failing property was rejected, keyed by property reference.
func EvaluateWithTrace(payload jsontree.Node, c Criteria) (bool, map[string]string) {
	if !c.Enabled {
		return true, nil
	}
	failures := map[string]string{}

	for _, prop := range c.CheckExistence {
		if !jsontree.Locate(payload, prop, c.mode).Exists() {
			failures[prop] = "missing"
		}
	}

	if c.CheckValue {
		for _, prop := range sortedKeys(c.MatchValue) {
			v := jsontree.Locate(payload, prop, c.mode)
			switch {
			case !v.Exists():
				failures[prop] = "missing"
			case !v.Equal(c.MatchValue[prop]):
				failures[prop] = fmt.Sprintf("value %s does not equal expected", v.Raw())
			}
		}
		for _, prop := range sortedKeys(c.MatchPattern) {
			re := c.patterns[prop]
			if re == nil {
				failures[prop] = "pattern not compiled"
				continue
			}
			v := jsontree.Locate(payload, prop, c.mode)
			switch {
			case !v.Exists():
				failures[prop] = "missing"
			case v.Kind() != jsontree.Scalar:
				failures[prop] = fmt.Sprintf("%s value cannot match a pattern", v.Kind())
			case !re.MatchString(v.String()):
				failures[prop] = fmt.Sprintf("value %s does not match %s", v.Raw(), re.String())
			}
		}
	}

	return len(failures) == 0, failures
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
