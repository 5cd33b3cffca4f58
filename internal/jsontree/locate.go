package jsontree

import "strings"

// MaxDepth bounds deep-search recursion. Event payloads are shallow trees;
// anything nested deeper is treated as not found.
const MaxDepth = 32

// Mode selects how a property reference is resolved.
type Mode int

const (
	// ModeAuto walks dotted references as paths and deep-searches bare names.
	ModeAuto Mode = iota
	// ModeDeep always deep-searches for the reference as a single name.
	ModeDeep
	// ModePath always walks the reference as a dotted path.
	ModePath
)

// ParseMode maps a configuration string onto a Mode. Unknown values are ModeAuto.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "deep":
		return ModeDeep
	case "path":
		return ModePath
	default:
		return ModeAuto
	}
}

// Lookup walks a dotted path such as "data.checkout.sku" from root. It
// returns Undefined as soon as a segment is missing. There is no wildcard
// or escape syntax; numeric segments index into lists.
func Lookup(root Node, path string) Node {
	cur := root
	for _, part := range strings.Split(path, ".") {
		cur = cur.Child(part)
		if !cur.Exists() {
			return Node{}
		}
	}
	return cur
}

// Find performs a depth-first search for a member called name anywhere in
// root. At each container the node's own member is checked before any of
// its children are descended, children are visited in document order, and
// the first match at any depth wins.
func Find(root Node, name string) Node {
	return find(root, name, 0)
}

func find(n Node, name string, depth int) Node {
	if depth > MaxDepth || !n.IsContainer() {
		return Node{}
	}
	if own := n.Child(name); own.Exists() {
		return own
	}
	var found Node
	n.Each(func(_ string, child Node) bool {
		if !child.IsContainer() {
			return true
		}
		if r := find(child, name, depth+1); r.Exists() {
			found = r
			return false
		}
		return true
	})
	return found
}

// Locate resolves ref under the given mode.
func Locate(root Node, ref string, mode Mode) Node {
	switch mode {
	case ModeDeep:
		return Find(root, ref)
	case ModePath:
		return Lookup(root, ref)
	}
	if strings.Contains(ref, ".") {
		return Lookup(root, ref)
	}
	return Find(root, ref)
}
