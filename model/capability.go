package model

import "strings"

// Capabilities checked by the API. Policies grant them per role, either one
// by one or through wildcards such as "workflow:*".
const (
	CapProjectsRead    = "projects:read"
	CapProjectsWrite   = "projects:write"
	CapTasksWrite      = "tasks:write"
	CapTransition      = "workflow:transition"
	CapTransitionForce = "workflow:transition:force"
	CapRollback        = "workflow:rollback"
	CapMaintain        = "workflow:maintain"
	CapDefinitionsRead = "definitions:read"
)

// CapabilitySet is a set of capabilities granted to a caller. Each key is a
// capability string (e.g. "workflow:rollback") and may include wildcards
// (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
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

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// Missing returns the capabilities of caps the set does not match, in order.
func (cs CapabilitySet) Missing(caps ...string) []string {
	var missing []string
	for _, cap := range caps {
		if !cs.Has(cap) {
			missing = append(missing, cap)
		}
	}
	return missing
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                   matches anything
//	"workflow:*"          matches "workflow:transition:force"
//	"workflow:transition" does NOT match "workflow:transition:force"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// PolicyEvaluator resolves the capabilities granted to a scope's roles.
type PolicyEvaluator interface {
	ResolveCapabilities(scope Scope) (CapabilitySet, error)
}
