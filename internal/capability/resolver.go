// Package capability resolves and caches the capabilities granted to a
// caller's roles, and checks them for privileged workflow operations.
package capability

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/stageflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver caches evaluator results per organization and role set.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// Two callers with the same roles in the same organization share an entry.
func cacheKey(scope model.Scope) string {
	roles := slices.Clone(scope.Roles)
	slices.Sort(roles)
	return scope.OrganizationID + ":" + strings.Join(slices.Compact(roles), ",")
}

// Resolve returns the full capability set for the given scope. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(scope model.Scope) (model.CapabilitySet, error) {
	key := cacheKey(scope)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(scope)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Require returns a FORBIDDEN error naming the first capability the scope
// lacks, or nil when all are granted.
func (r *Resolver) Require(scope model.Scope, caps ...string) error {
	granted, err := r.Resolve(scope)
	if err != nil {
		return fmt.Errorf("capability: resolving %s: %w", scope.OrganizationID, err)
	}
	if missing := granted.Missing(caps...); len(missing) > 0 {
		return model.NewForbiddenError("missing capability " + missing[0])
	}
	return nil
}

// Invalidate clears cached capabilities for one organization.
func (r *Resolver) Invalidate(organizationID string) {
	prefix := organizationID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
