package netconf

import (
	"iter"
)

const (
	baseCap      = "urn:ietf:params:netconf:base"
	stdCapPrefix = "urn:ietf:params:netconf:capability"

	CapBase10 = baseCap + ":1.0"
	CapBase11 = baseCap + ":1.1"

	// CapConfirmedCommit11 is required by the device for confirmed-commit
	// operations (RFC6241 section 8.4).
	CapConfirmedCommit11 = stdCapPrefix + ":confirmed-commit:1.1"
)

// DefaultCapabilities is the advertisement sent by the client during the
// hello exchange when no explicit capability list is configured.  base:1.0 is
// mandatory; base:1.1 enables chunked framing when the server also supports
// it.
var DefaultCapabilities = []string{
	CapBase10,
	CapBase11,
}

// ExpandCapability adds the standard capability prefix of
// `urn:ietf:params:netconf:capability` to shorthand strings such as
// ":confirmed-commit:1.1".
func ExpandCapability(s string) string {
	if s == "" {
		return ""
	}

	if s[0] != ':' {
		return s
	}

	return stdCapPrefix + s
}

// CapabilitySet holds an ordered set of capability URIs.  Order is the order
// of advertisement, which matters for reproducing a peer's hello; lookup is
// by expanded URI.
type CapabilitySet struct {
	uris  []string
	index map[string]struct{}
}

// NewCapabilitySet creates a CapabilitySet from the given capabilities,
// expanding shorthand and dropping duplicates while preserving first-seen
// order.
func NewCapabilitySet(capabilities ...string) CapabilitySet {
	cs := CapabilitySet{
		index: make(map[string]struct{}, len(capabilities)),
	}
	for _, cap := range capabilities {
		cs.Add(cap)
	}
	return cs
}

// Add inserts a capability into the set.  Already present capabilities keep
// their original position.
func (cs *CapabilitySet) Add(s string) {
	s = ExpandCapability(s)
	if _, ok := cs.index[s]; ok {
		return
	}
	if cs.index == nil {
		cs.index = make(map[string]struct{})
	}
	cs.index[s] = struct{}{}
	cs.uris = append(cs.uris, s)
}

// Len returns the number of capabilities in the set.
func (cs CapabilitySet) Len() int {
	return len(cs.uris)
}

// All returns an iterator over the capabilities in advertisement order.  If
// you want a slice use `slices.Collect(cs.All())`.
func (cs CapabilitySet) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, uri := range cs.uris {
			if !yield(uri) {
				return
			}
		}
	}
}

// Has will return true if the capability is present in the set.  The given
// capability is expanded with `ExpandCapability` if needed.
func (cs CapabilitySet) Has(s string) bool {
	s = ExpandCapability(s)
	_, ok := cs.index[s]
	return ok
}
