package model

import "strings"

// Capabilities checked before a command handler runs.
const (
	CapabilityDashboardView = "dashboard:view"
	CapabilityDashboardEdit = "dashboard:edit"
	CapabilityDashboardSave = "dashboard:save"
	CapabilityAlertsManage  = "dashboard:alerts:manage"
	CapabilityFiltersChange = "dashboard:filters:change"
	CapabilityHistoryReplay = "dashboard:history:replay"
)

// CapabilitySet is a set of capability strings. Entries ending in ":*" grant
// every capability below that prefix; "*" grants everything.
type CapabilitySet map[string]bool

// Has reports whether the set grants cap exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll reports whether every cap is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// matchWildcard returns true if pattern matches cap:
//
//	"*"                 matches anything
//	"dashboard:*"       matches "dashboard:alerts:manage"
//	"dashboard:edit"    does NOT match "dashboard:edit:layout"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capabilities of the actor in a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}
