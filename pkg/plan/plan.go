// Package plan implements the plan lifecycle of spec.md §4.1: creating
// Verification and Regular plans, transitioning them as the judgment
// engine resolves their tasks, expiring Verification plans that overrun
// their window, and serving the cache-first "is this plan active"
// lookup the ingestion pipeline needs on every result.
package plan

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/types"
)

// Manager owns plan creation and lifecycle transitions against a Store.
type Manager struct {
	store         storage.Store
	verifyWindow  time.Duration
	activeLookup  *ActivePlanCache
}

// NewManager creates a Manager. verifyWindow is the Verification plan's
// expiry duration (spec.md §4.1, "verify_window").
func NewManager(store storage.Store, verifyWindow time.Duration) *Manager {
	return &Manager{
		store:        store,
		verifyWindow: verifyWindow,
		activeLookup: NewActivePlanCache(store),
	}
}

// CreateVerification creates a new Verification plan for providerID, with
// a finite expiry_time = now + verify_window (spec.md §4.1).
func (m *Manager) CreateVerification(providerID string, now time.Time) (*types.Plan, error) {
	p := &types.Plan{
		PlanID:      uuid.NewString(),
		ProviderID:  providerID,
		Phase:       types.PhaseVerification,
		Status:      types.PlanInit,
		RequestTime: now,
		ExpiryTime:  now.Add(m.verifyWindow),
	}
	if err := m.store.SavePlan(p); err != nil {
		return nil, fmt.Errorf("saving verification plan: %w", err)
	}
	m.activeLookup.Invalidate(providerID, types.PhaseVerification)
	return p, nil
}

// CreateRegular creates the single, never-expiring Regular plan for an
// admitted provider (spec.md §4.1: "expiry_time = i64::MAX").
func (m *Manager) CreateRegular(providerID string, now time.Time) (*types.Plan, error) {
	p := &types.Plan{
		PlanID:      uuid.NewString(),
		ProviderID:  providerID,
		Phase:       types.PhaseRegular,
		Status:      types.PlanInit,
		RequestTime: now,
		ExpiryTime:  types.RegularPlanNeverExpires,
	}
	if err := m.store.SavePlan(p); err != nil {
		return nil, fmt.Errorf("saving regular plan: %w", err)
	}
	m.activeLookup.Invalidate(providerID, types.PhaseRegular)
	return p, nil
}

// MarkGenerated transitions a plan from init to generated once its first
// job has been emitted.
func (m *Manager) MarkGenerated(planID string) error {
	p, err := m.store.GetPlan(planID)
	if err != nil {
		return err
	}
	if p.Status == types.PlanInit {
		p.Status = types.PlanGenerated
		return m.store.SavePlan(p)
	}
	return nil
}

// Finish terminates a plan with a final judgment, recording finish_time
// and the Finished-Pass/Finished-Failed status (spec.md §4.1 (a),(b)).
// Regular plans are never finished this way; callers must not call
// Finish for a Regular-phase plan.
func (m *Manager) Finish(planID string, result *types.Judgment, now time.Time) (*types.Plan, error) {
	p, err := m.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	p.Result = result
	p.FinishTime = &now
	if result.Pass() {
		p.Status = types.PlanFinishedPass
	} else {
		p.Status = types.PlanFinishedFailed
	}
	if err := m.store.SavePlan(p); err != nil {
		return nil, err
	}
	m.activeLookup.Invalidate(p.ProviderID, p.Phase)
	return p, nil
}

// ExpireIfOverdue transitions a still-unresolved Verification plan to
// Timeout once now passes its expiry_time (spec.md §4.1 (c)). Returns the
// updated plan and true if a transition occurred.
func (m *Manager) ExpireIfOverdue(planID string, now time.Time) (*types.Plan, bool, error) {
	p, err := m.store.GetPlan(planID)
	if err != nil {
		return nil, false, err
	}
	if p.Phase != types.PhaseVerification {
		return p, false, nil
	}
	if p.Status != types.PlanInit && p.Status != types.PlanGenerated {
		return p, false, nil
	}
	if !now.After(p.ExpiryTime) {
		return p, false, nil
	}
	p.Status = types.PlanTimeout
	p.FinishTime = &now
	p.Result = &types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{
		FailedDetail: "plan expired with unfinished tasks", Code: "plan_timeout",
	}}}
	if err := m.store.SavePlan(p); err != nil {
		return nil, false, err
	}
	m.activeLookup.Invalidate(p.ProviderID, p.Phase)
	return p, true, nil
}

// ActiveLookup returns the Manager's cache-first active-plan lookup.
func (m *Manager) ActiveLookup() *ActivePlanCache { return m.activeLookup }

// activePlanKey identifies the at-most-one active plan per
// (provider_id, phase) invariant of spec.md §3.
type activePlanKey struct {
	providerID string
	phase      types.Phase
}

func (k activePlanKey) String() string { return string(k.phase) + "|" + k.providerID }

// ActivePlanCache serves "the active plan for (provider, phase)" lookups
// the ingestion pipeline makes on every JobResult, coalescing concurrent
// misses for the same key behind a singleflight.Group instead of
// thundering the store (golang.org/x/sync/singleflight, as used for
// cache-miss coalescing in this corpus's multi-tenant lookup paths).
// Hits are served from an in-memory map invalidated on plan finish/
// expiry/creation so repeat lookups during a plan's lifetime avoid the
// store entirely.
type ActivePlanCache struct {
	store storage.Store
	group singleflight.Group

	mu      sync.RWMutex
	entries map[activePlanKey]*types.Plan
}

// NewActivePlanCache creates an ActivePlanCache backed by store.
func NewActivePlanCache(store storage.Store) *ActivePlanCache {
	return &ActivePlanCache{
		store:   store,
		entries: make(map[activePlanKey]*types.Plan),
	}
}

// Lookup returns the active plan for (providerID, phase) at instant now,
// or nil if there is none. A Regular-phase plan, once created, is active
// until the provider is removed; a Verification-phase plan is active
// until it passes, fails, or times out.
func (c *ActivePlanCache) Lookup(providerID string, phase types.Phase, now time.Time) (*types.Plan, error) {
	key := activePlanKey{providerID: providerID, phase: phase}

	c.mu.RLock()
	if p, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		if p != nil && !p.Active(now) {
			c.Invalidate(providerID, phase)
			return nil, nil
		}
		return p, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		plans, err := c.store.ListPlansByProvider(providerID)
		if err != nil {
			return nil, err
		}
		var active *types.Plan
		for _, p := range plans {
			if p.Phase == phase && p.Active(now) {
				active = p
				break
			}
		}
		c.mu.Lock()
		c.entries[key] = active
		c.mu.Unlock()
		return active, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*types.Plan), nil
}

// Invalidate drops any cached entry for (providerID, phase), forcing the
// next Lookup to re-read the store.
func (c *ActivePlanCache) Invalidate(providerID string, phase types.Phase) {
	c.mu.Lock()
	delete(c.entries, activePlanKey{providerID: providerID, phase: phase})
	c.mu.Unlock()
}

// Set records plan as the active entry for its (provider, phase), used by
// callers that just created a plan and want subsequent lookups to hit the
// cache immediately instead of falling through to the store.
func (c *ActivePlanCache) Set(p *types.Plan) {
	c.mu.Lock()
	c.entries[activePlanKey{providerID: p.ProviderID, phase: p.Phase}] = p
	c.mu.Unlock()
}
