// Package whealth implements the worker-health loop of spec.md §4.9:
// periodically checking every worker's silence against the result cache,
// pinging suspect workers, and ejecting any that fail to answer — adapted
// from the teacher's pkg/worker health_monitor.go syncHealthChecks/
// runHealthCheck loop shape, generalized from container health checks to
// probe-worker liveness.
package whealth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/beacon/pkg/health"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/types"
)

// Registry is the subset of pkg/registry's API the health loop needs.
type Registry interface {
	All() []*types.Worker
	BreakerOpen(workerID string) bool
	Eject(workerID string) error
}

// ResultCache is the subset of pkg/cache's API the health loop needs to
// find a worker's most recent report.
type ResultCache interface {
	LatestUpdateForWorker(workerID string) time.Time
}

// Checker runs the periodic worker liveness tick (spec.md §4.9).
type Checker struct {
	registry Registry
	cache    ResultCache
	client   *http.Client

	silenceThreshold time.Duration
	pingTimeout      time.Duration
}

// New creates a Checker. silenceThreshold is how long a worker may go
// without reporting a result before it is ping-checked; pingTimeout
// bounds the liveness GET itself (spec.md §4.9, defaults 60s/4s).
func New(registry Registry, cache ResultCache, silenceThreshold, pingTimeout time.Duration) *Checker {
	return &Checker{
		registry:         registry,
		cache:            cache,
		client:           &http.Client{Timeout: pingTimeout},
		silenceThreshold: silenceThreshold,
		pingTimeout:      pingTimeout,
	}
}

// Tick checks every registered worker once: a worker is ping-checked if
// it has gone silent past silenceThreshold, or immediately if its
// circuit breaker is already open (the gobreaker early-signal path from
// the DOMAIN STACK). A failed ping ejects the worker.
func (c *Checker) Tick(ctx context.Context, now time.Time) {
	for _, w := range c.registry.All() {
		lastReport := c.cache.LatestUpdateForWorker(w.WorkerID)
		if lastReport.IsZero() {
			lastReport = w.RegisteredAt
		}

		silent := now.Sub(lastReport) > c.silenceThreshold
		suspect := c.registry.BreakerOpen(w.WorkerID)
		if !silent && !suspect {
			continue
		}

		if err := c.ping(ctx, w); err != nil {
			log.WithWorkerID(w.WorkerID).Warn().Err(err).Msg("worker failed liveness ping, ejecting")
			if err := c.registry.Eject(w.WorkerID); err != nil {
				log.WithWorkerID(w.WorkerID).Error().Err(err).Msg("failed to eject worker")
				continue
			}
			metrics.WorkersEjected.Inc()
		}
	}
}

func (c *Checker) ping(ctx context.Context, w *types.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	result := health.NewHTTPChecker(w.URL+"/ping", c.client).Check(ctx)
	if !result.Healthy {
		return errors.New(result.Message)
	}
	return nil
}
