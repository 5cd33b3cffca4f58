// Package jsontree gives read-only, order-preserving access to untyped JSON
// documents such as storefront event payloads. A Node is one of Undefined,
// Null, Scalar, List or Map; children are visited in document order.
package jsontree

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind classifies a Node.
type Kind int

const (
	Undefined Kind = iota
	Null
	Scalar
	List
	Map
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Scalar:
		return "scalar"
	case List:
		return "list"
	case Map:
		return "map"
	default:
		return "undefined"
	}
}

// Node wraps a parsed JSON value. The zero Node is Undefined.
type Node struct {
	r gjson.Result
}

// IsValidJSON reports whether text parses as a JSON document.
func IsValidJSON(text string) bool {
	return gjson.Valid(text)
}

// IsValidJSONBytes is IsValidJSON for byte slices.
func IsValidJSONBytes(raw []byte) bool {
	return gjson.ValidBytes(raw)
}

// Parse returns the root Node of raw. The second result is false when raw is
// not valid JSON, in which case the Node is Undefined.
func Parse(raw []byte) (Node, bool) {
	if !gjson.ValidBytes(raw) {
		return Node{}, false
	}
	return Node{r: gjson.ParseBytes(raw)}, true
}

// ParseString is Parse for strings.
func ParseString(text string) (Node, bool) {
	return Parse([]byte(text))
}

// FromResult adopts an existing gjson result.
func FromResult(r gjson.Result) Node {
	return Node{r: r}
}

// Kind returns the node's classification.
func (n Node) Kind() Kind {
	if !n.r.Exists() {
		return Undefined
	}
	switch {
	case n.r.Type == gjson.Null:
		return Null
	case n.r.IsObject():
		return Map
	case n.r.IsArray():
		return List
	default:
		return Scalar
	}
}

// Exists reports whether the node is defined. A JSON null is defined.
func (n Node) Exists() bool { return n.r.Exists() }

// IsContainer reports whether the node is a List or a Map.
func (n Node) IsContainer() bool {
	k := n.Kind()
	return k == List || k == Map
}

// IsString reports whether the node is a JSON string.
func (n Node) IsString() bool { return n.r.Type == gjson.String }

// Raw returns the node's JSON text exactly as it appears in the source document.
func (n Node) Raw() string { return n.r.Raw }

// String returns the string form of a scalar, or the raw JSON of a container.
func (n Node) String() string { return n.r.String() }

// Result exposes the underlying gjson value.
func (n Node) Result() gjson.Result { return n.r }

// Len returns the number of children of a container and 0 otherwise.
func (n Node) Len() int {
	if !n.IsContainer() {
		return 0
	}
	count := 0
	n.r.ForEach(func(_, _ gjson.Result) bool {
		count++
		return true
	})
	return count
}

// Each visits the children of a container in document order until fn
// returns false. List children are keyed by their decimal index.
func (n Node) Each(fn func(key string, child Node) bool) {
	switch n.Kind() {
	case Map:
		n.r.ForEach(func(k, v gjson.Result) bool {
			return fn(k.String(), Node{r: v})
		})
	case List:
		i := 0
		n.r.ForEach(func(_, v gjson.Result) bool {
			key := strconv.Itoa(i)
			i++
			return fn(key, Node{r: v})
		})
	}
}

// Child returns the member named key of a Map, or the element at index key
// of a List. The first matching member wins. Anything else is Undefined.
func (n Node) Child(key string) Node {
	var out Node
	switch n.Kind() {
	case Map:
		n.r.ForEach(func(k, v gjson.Result) bool {
			if k.String() == key {
				out = Node{r: v}
				return false
			}
			return true
		})
	case List:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return Node{}
		}
		i := 0
		n.r.ForEach(func(_, v gjson.Result) bool {
			if i == idx {
				out = Node{r: v}
				return false
			}
			i++
			return true
		})
	}
	return out
}

// Number returns the numeric value of a JSON number or of a string holding a
// decimal number. NaN and infinities are rejected, including numbers too
// large for a float64.
func (n Node) Number() (float64, bool) {
	var f float64
	switch n.r.Type {
	case gjson.Number:
		f = n.r.Num
	case gjson.String:
		v, err := strconv.ParseFloat(n.r.Str, 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// NonFinite reports whether the node holds a number, or numeric text, that
// only parses as NaN or an infinity.
func (n Node) NonFinite() bool {
	if n.r.Type != gjson.Number && n.r.Type != gjson.String {
		return false
	}
	text := n.r.Str
	if n.r.Type == gjson.Number {
		text = n.r.Raw
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return false
	}
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Truthy mirrors the loose truthiness used by storefront scripts: undefined,
// null, false, 0 and "" are false.
func (n Node) Truthy() bool {
	switch n.r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return n.r.Num != 0
	case gjson.String:
		return n.r.Str != ""
	case gjson.True, gjson.JSON:
		return true
	}
	return false
}

// Equal compares a scalar node with a decoded JSON value using strict
// equality: the JSON types must agree. Containers never compare equal.
func (n Node) Equal(v any) bool {
	switch want := v.(type) {
	case nil:
		return n.r.Exists() && n.r.Type == gjson.Null
	case string:
		return n.r.Type == gjson.String && n.r.Str == want
	case bool:
		if want {
			return n.r.Type == gjson.True
		}
		return n.r.Type == gjson.False
	case float64:
		return n.r.Type == gjson.Number && n.r.Num == want
	case int:
		return n.r.Type == gjson.Number && n.r.Num == float64(want)
	}
	return false
}
