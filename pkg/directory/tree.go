package directory

import "strings"

// Scope selects how much of a subtree an enumeration covers.
type Scope int

const (
	// ScopeBase matches the named entry only.
	ScopeBase Scope = iota

	// ScopeOne matches the named entry's immediate children.
	ScopeOne

	// ScopeSub matches the named entry and its full subtree.
	ScopeSub
)

// Tree is an immutable snapshot of the merged directory: a root DN plus an
// index from normalized DN to entry and a parent-to-children index.
//
// A Tree is fully built before it is published and is never mutated
// afterwards; stores replace the whole tree reference on reload or
// structural write, so a reader holding a Tree always sees a consistent
// state regardless of concurrent swaps.
type Tree struct {
	rootDN   string
	entries  map[string]*Entry
	children map[string][]string
	order    []string
}

// NewTree indexes the given entries under rootDN (normalized internally).
// Entries must already include every ancestor (see SynthesizeAncestors);
// children lists preserve the order entries appear in.
func NewTree(rootDN string, entries []*Entry) *Tree {
	t := &Tree{
		rootDN:   NormalizeDN(rootDN),
		entries:  make(map[string]*Entry, len(entries)),
		children: make(map[string][]string),
		order:    make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		norm := e.Norm()
		if _, dup := t.entries[norm]; dup {
			continue
		}
		t.entries[norm] = e
		t.order = append(t.order, norm)
	}
	for _, norm := range t.order {
		parent := ParentDN(t.entries[norm].DN)
		if parent == "" {
			continue
		}
		if _, ok := t.entries[parent]; ok {
			t.children[parent] = append(t.children[parent], norm)
		}
	}
	return t
}

// RootDN returns the normalized root DN the tree was built with.
func (t *Tree) RootDN() string {
	return t.rootDN
}

// Root returns the root entry, or nil if the tree has no entry at its
// declared root DN.
func (t *Tree) Root() *Entry {
	return t.entries[t.rootDN]
}

// Find returns the entry with the given DN (normalized internally),
// or nil.
func (t *Tree) Find(dn string) *Entry {
	return t.entries[NormalizeDN(dn)]
}

// HasChildren reports whether the entry at dn has at least one child.
func (t *Tree) HasChildren(dn string) bool {
	return len(t.children[NormalizeDN(dn)]) > 0
}

// Len returns the number of entries in the tree.
func (t *Tree) Len() int {
	return len(t.entries)
}

// DNs returns every normalized DN in insertion order. For diagnostics.
func (t *Tree) DNs() []string {
	return append([]string(nil), t.order...)
}

// Search enumerates entries relative to baseDN. ScopeBase yields the base
// entry alone, ScopeOne its immediate children, ScopeSub the base entry
// followed by its full subtree in depth-first order. Returns nil, false if
// the base entry does not exist.
func (t *Tree) Search(baseDN string, scope Scope) ([]*Entry, bool) {
	base := NormalizeDN(baseDN)
	entry, ok := t.entries[base]
	if !ok {
		return nil, false
	}

	switch scope {
	case ScopeBase:
		return []*Entry{entry}, true

	case ScopeOne:
		var results []*Entry
		for _, child := range t.children[base] {
			results = append(results, t.entries[child])
		}
		return results, true

	default:
		var results []*Entry
		var walk func(norm string)
		walk = func(norm string) {
			results = append(results, t.entries[norm])
			for _, child := range t.children[norm] {
				walk(child)
			}
		}
		walk(base)
		return results, true
	}
}

// SynthesizeAncestors extends entries with minimal placeholder parents for
// every ancestor missing from the set. Synthesis stops at rootDN: the root
// entry gets no parent, so no placeholder ever appears above the tree's
// declared base. The input order is preserved; placeholders are appended
// in the order they are discovered so the result is deterministic for a
// fixed input.
func SynthesizeAncestors(rootDN string, entries []*Entry) []*Entry {
	rootNorm := NormalizeDN(rootDN)
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Norm()] = true
	}

	out := append([]*Entry(nil), entries...)
	for i := 0; i < len(out); i++ {
		if out[i].Norm() == rootNorm {
			continue
		}
		display := parentDisplay(out[i].DN)
		if display == "" {
			continue
		}
		norm := NormalizeDN(display)
		if present[norm] {
			continue
		}
		placeholder := NewPlaceholder(display)
		present[norm] = true
		out = append(out, placeholder)
	}
	return out
}

// parentDisplay strips the leftmost component, preserving original case.
func parentDisplay(dn string) string {
	components := splitComponents(strings.TrimSpace(dn))
	if len(components) <= 1 {
		return ""
	}
	return strings.Join(components[1:], ",")
}
