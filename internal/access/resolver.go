// Package access resolves and caches the authorization scope of a request:
// which role the caller acts under and which subjects that role may touch.
package access

import (
	"context"
	"sync"
	"time"

	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/store"
	"github.com/fleetyard/crewflow/model"
)

type cacheEntry struct {
	access  model.Access
	expires time.Time
}

// Resolver implements model.AccessResolver with an in-memory cache. Manager
// scope comes from the crew assignment table, so cached entries go stale when
// assignments change; Invalidate drops them early.
type Resolver struct {
	assignments store.AssignmentStore
	ttl         time.Duration
	metrics     *observability.Metrics
	mu          sync.RWMutex
	cache       map[string]cacheEntry
}

// NewResolver creates a Resolver with the given assignment store and cache TTL.
func NewResolver(assignments store.AssignmentStore, ttl time.Duration, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		assignments: assignments,
		ttl:         ttl,
		metrics:     metrics,
		cache:       make(map[string]cacheEntry),
	}
}

// Resolve returns the access scope for the given request context. Results are
// cached per actor for the configured TTL.
func (r *Resolver) Resolve(ctx context.Context, rctx *model.RequestContext) (model.Access, error) {
	if rctx == nil {
		return model.Access{}, model.NewUnauthorizedError("missing request context")
	}

	r.mu.RLock()
	if entry, ok := r.cache[rctx.ActorID]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		if r.metrics != nil {
			r.metrics.RecordAccessCacheHit()
		}
		return entry.access, nil
	}
	r.mu.RUnlock()
	if r.metrics != nil {
		r.metrics.RecordAccessCacheMiss()
	}

	access, err := r.build(ctx, rctx)
	if err != nil {
		return model.Access{}, err
	}

	r.mu.Lock()
	r.cache[rctx.ActorID] = cacheEntry{access: access, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return access, nil
}

// Invalidate clears the cached scope for one actor.
func (r *Resolver) Invalidate(actorID string) {
	r.mu.Lock()
	delete(r.cache, actorID)
	r.mu.Unlock()
}

// build computes the scope from roles and, for managers, assigned subjects.
// The strongest role wins: admin over manager over crew.
func (r *Resolver) build(ctx context.Context, rctx *model.RequestContext) (model.Access, error) {
	access := model.Access{ActorID: rctx.ActorID, Role: model.RoleCrew}

	if rctx.HasRole(model.RoleAdmin) {
		access.Role = model.RoleAdmin
		return access, nil
	}

	if rctx.HasRole(model.RoleManager) {
		access.Role = model.RoleManager
		subjects, err := r.assignments.ListAssignedSubjects(ctx, rctx.ActorID)
		if err != nil {
			return model.Access{}, err
		}
		access.SubjectIDs = make(map[string]bool, len(subjects))
		for _, id := range subjects {
			access.SubjectIDs[id] = true
		}
	}

	return access, nil
}
