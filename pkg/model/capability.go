package model

import (
	"sort"
	"strings"
)

// CapabilityKey renders a capability set as a deterministic, sorted,
// comma-joined string, used as a map key by the rule engine (chain
// grouping) and the agent registry (candidate selection).
func CapabilityKey(capabilities []string) string {
	if len(capabilities) == 0 {
		return ""
	}
	sorted := make([]string, len(capabilities))
	copy(sorted, capabilities)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// EqualCapabilities reports whether two capability sets are the same set
// (order-independent).
func EqualCapabilities(a, b []string) bool {
	return CapabilityKey(a) == CapabilityKey(b)
}

// UnionCapabilities returns the deterministic, sorted union of two
// capability sets (spec §4.1 step 4: chains are tagged with the union of
// requiredCapabilities of their services).
func UnionCapabilities(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		set[c] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
