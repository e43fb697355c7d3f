// Package registry implements the worker registry and matcher of
// spec.md §4.3: worker registration, zone/reachability-based matching,
// and a per-worker circuit breaker that feeds an early liveness signal
// to pkg/whealth.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/types"
)

// reachability tracks one worker's observed latency to one provider,
// derived from RoundTripTime results (spec.md §4.3, measured_workers).
type reachability struct {
	providerID string
	workerID   string
	latencyMS  int64
}

// Registry holds the live worker fleet plus a per-worker circuit breaker
// around its delivery path.
type Registry struct {
	store storage.Store

	mu          sync.RWMutex
	workers     map[string]*types.Worker
	breakers    map[string]*gobreaker.CircuitBreaker
	reachable   map[string][]reachability // providerID -> observations, newest last
}

// New creates a Registry backed by store. Every worker already persisted
// in store is loaded so a scheduler restart does not forget the fleet.
func New(store storage.Store) (*Registry, error) {
	r := &Registry{
		store:     store,
		workers:   make(map[string]*types.Worker),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		reachable: make(map[string][]reachability),
	}
	existing, err := store.ListWorkers()
	if err != nil {
		return nil, err
	}
	for _, w := range existing {
		r.workers[w.WorkerID] = w
		r.breakers[w.WorkerID] = newBreaker(w.WorkerID)
	}
	return r, nil
}

func newBreaker(workerID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Register admits a worker, returning its stable worker_id. If worker_id
// is already known, its record (zone/URL/capacity) is returned unchanged
// except for re-activation (spec.md §6, POST /worker/register).
func (r *Registry) Register(workerID, ip, url, zone string, capacity int, now time.Time) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if workerID != "" {
		if existing, ok := r.workers[workerID]; ok {
			existing.Status = types.WorkerGood
			if err := r.store.SaveWorker(existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
	} else {
		workerID = uuid.NewString()
	}

	w := &types.Worker{
		WorkerID:     workerID,
		Zone:         zone,
		URL:          url,
		IP:           ip,
		Capacity:     capacity,
		Status:       types.WorkerGood,
		RegisteredAt: now,
	}
	if err := r.store.SaveWorker(w); err != nil {
		return nil, err
	}
	r.workers[workerID] = w
	r.breakers[workerID] = newBreaker(workerID)
	return w, nil
}

// Eject transitions a worker to Bad and removes it from matching, but
// keeps its identity and history so a later Register restores it
// (spec.md §4.9 step 3).
func (r *Registry) Eject(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	w.Status = types.WorkerBad
	return r.store.SaveWorker(w)
}

// Get returns the worker with id, or nil if unknown.
func (r *Registry) Get(workerID string) *types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[workerID]
}

// All returns every Good worker known to the registry.
func (r *Registry) All() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status == types.WorkerGood {
			out = append(out, w)
		}
	}
	return out
}

// RecordReachability stores a RoundTripTime latency observation used by
// MeasuredWorkers (spec.md §4.3 "derived from prior RoundTripTime
// results").
func (r *Registry) RecordReachability(providerID, workerID string, latencyMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs := r.reachable[providerID]
	const maxObservations = 10
	obs = append(obs, reachability{providerID: providerID, workerID: workerID, latencyMS: latencyMS})
	if len(obs) > maxObservations {
		obs = obs[len(obs)-maxObservations:]
	}
	r.reachable[providerID] = obs
}

// RecordDeliveryResult feeds one delivery attempt's outcome into
// workerID's circuit breaker. A breaker that trips open is the early
// signal pkg/whealth uses to ping-check a worker immediately rather than
// waiting for the next health tick (DOMAIN STACK, sony/gobreaker).
func (r *Registry) RecordDeliveryResult(workerID string, success bool) {
	r.mu.RLock()
	b, ok := r.breakers[workerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_, _ = b.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, errDeliveryFailed
	})
}

// BreakerOpen reports whether workerID's circuit breaker is currently
// open (tripped by repeated delivery failures).
func (r *Registry) BreakerOpen(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[workerID]
	if !ok {
		return false
	}
	return b.State() == gobreaker.StateOpen
}

// NearbyWorkers returns every Good worker in zone, ordered by
// registration time (spec.md §4.3, nearby_workers).
func (r *Registry) NearbyWorkers(zone string) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Worker
	for _, w := range r.workers {
		if w.Zone == zone && w.Status == types.WorkerGood {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// MeasuredWorkers returns Good workers ranked by observed reachability to
// providerID (lowest latency first), ties broken by zone name — the
// provider's own zone is not known here, so this is lexical order — and
// then by worker_id for a stable order (spec.md §4.3,
// measured_workers: "ties broken by zone proximity").
func (r *Registry) MeasuredWorkers(providerID string) []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := make(map[string]int64)
	for _, obs := range r.reachable[providerID] {
		if cur, ok := best[obs.workerID]; !ok || obs.latencyMS < cur {
			best[obs.workerID] = obs.latencyMS
		}
	}

	type ranked struct {
		worker  *types.Worker
		latency int64
		known   bool
	}
	var candidates []ranked
	for id, w := range r.workers {
		if w.Status != types.WorkerGood {
			continue
		}
		latency, known := best[id]
		candidates = append(candidates, ranked{worker: w, latency: latency, known: known})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].known != candidates[j].known {
			return candidates[i].known
		}
		if candidates[i].latency != candidates[j].latency {
			return candidates[i].latency < candidates[j].latency
		}
		if candidates[i].worker.Zone != candidates[j].worker.Zone {
			return candidates[i].worker.Zone < candidates[j].worker.Zone
		}
		return candidates[i].worker.WorkerID < candidates[j].worker.WorkerID
	})

	out := make([]*types.Worker, len(candidates))
	for i, c := range candidates {
		out[i] = c.worker
	}
	return out
}

// BestWorkers returns the top-n of MeasuredWorkers for providerID
// (spec.md §4.3, best_workers, default n=3).
func (r *Registry) BestWorkers(providerID string, n int) []*types.Worker {
	measured := r.MeasuredWorkers(providerID)
	if len(measured) > n {
		measured = measured[:n]
	}
	return measured
}

type deliveryFailedError struct{}

func (deliveryFailedError) Error() string { return "delivery failed" }

var errDeliveryFailed = deliveryFailedError{}
