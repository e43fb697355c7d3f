// Package ingest implements the result ingestion pipeline of spec.md
// §4.5: parsing and validating individual JobResult entries, checking
// each against the active-plan cache, appending survivors to the result
// cache, persisting them asynchronously without blocking ingestion, and
// invoking the judgment engine once per (provider, task) bucket.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/ctlerrors"
	"github.com/cuemby/beacon/pkg/judgment"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/plan"
	"github.com/cuemby/beacon/pkg/planbus"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/taskconfig"
	"github.com/cuemby/beacon/pkg/types"
)

// ProviderLookup resolves a provider_id to its current record, needed to
// read the chain type a LatestBlock judgment extracts against.
type ProviderLookup interface {
	GetProvider(id string) (*types.Provider, error)
}

// TaskOutcome is one (plan, task) judgment produced by a single Ingest
// call, the unit the portal reporter's reporting trigger consumes
// (spec.md §4.7, "Reporting trigger").
type TaskOutcome struct {
	PlanID     string
	ProviderID string
	Phase      types.Phase
	TaskType   types.TaskType
	TaskName   string
	Judgment   *types.Judgment
	Changed    bool
}

// Deps bundles the collaborators Ingestor needs.
type Deps struct {
	PlanLookup *plan.ActivePlanCache
	Cache      *cache.Cache
	Store      storage.Store
	Engine     *judgment.Engine
	Catalog    *taskconfig.Catalog
	Providers  ProviderLookup
	// Bus, if set, receives a JudgmentEvent for every bucket whose
	// verdict changed (spec.md §4.7, "Reporting trigger"). Nil is a
	// valid no-op, for tests and callers with no portal reporter.
	Bus *planbus.Broker
}

// Ingestor runs the spec.md §4.5 pipeline.
type Ingestor struct {
	deps     Deps
	validate *validator.Validate
}

// New creates an Ingestor.
func New(deps Deps) *Ingestor {
	return &Ingestor{deps: deps, validate: validator.New()}
}

type bucketKey struct {
	providerID string
	taskType   types.TaskType
	taskName   string
}

// Ingest runs one batch of raw JobResult JSON through the pipeline and
// returns the judgment outcomes computed for every (provider, task)
// bucket that received at least one accepted result.
func (in *Ingestor) Ingest(rawResults []json.RawMessage, now time.Time) []TaskOutcome {
	results := in.parseAndValidate(rawResults)
	if len(results) == 0 {
		return nil
	}

	accepted, buckets := in.filterActive(results, now)
	for _, r := range accepted {
		in.deps.Cache.Append(r)
		in.persistAsync(r)
	}
	if len(accepted) > 0 {
		metrics.ResultsIngested.Add(float64(len(accepted)))
	}

	return in.judgeBuckets(buckets, now)
}

// parseAndValidate rejects malformed or invalid entries individually,
// logging each and letting the rest proceed (spec.md §4.5 step 1).
func (in *Ingestor) parseAndValidate(rawResults []json.RawMessage) []*types.JobResult {
	results := make([]*types.JobResult, 0, len(rawResults))
	for _, raw := range rawResults {
		var r types.JobResult
		if err := json.Unmarshal(raw, &r); err != nil {
			log.Logger.Warn().Err(err).Msg("dropping malformed job result")
			metrics.ResultsRejected.WithLabelValues("malformed").Inc()
			continue
		}
		if err := in.validate.Struct(&r); err != nil {
			log.Logger.Warn().Err(err).Str("job_id", r.JobID).Msg("dropping invalid job result")
			metrics.ResultsRejected.WithLabelValues("invalid").Inc()
			continue
		}
		if r.ReceiveTimestamp.IsZero() {
			r.ReceiveTimestamp = time.Now()
		}
		results = append(results, &r)
	}
	return results
}

// filterActive drops results whose plan is not active for their phase
// (spec.md §4.5 steps 2-4), bucketing survivors by (provider, task).
func (in *Ingestor) filterActive(results []*types.JobResult, now time.Time) ([]*types.JobResult, map[bucketKey][]*types.JobResult) {
	accepted := make([]*types.JobResult, 0, len(results))
	buckets := make(map[bucketKey][]*types.JobResult)

	for _, r := range results {
		active, err := in.deps.PlanLookup.Lookup(r.ProviderID, r.Phase, now)
		if err != nil {
			log.Logger.Warn().Err(err).Str("provider_id", r.ProviderID).Msg("active plan lookup failed")
			metrics.ResultsRejected.WithLabelValues("lookup_error").Inc()
			continue
		}
		if active == nil || active.PlanID != r.PlanID {
			metrics.ResultsRejected.WithLabelValues("inactive_plan").Inc()
			continue
		}

		accepted = append(accepted, r)
		key := bucketKey{providerID: r.ProviderID, taskType: r.TaskType, taskName: r.TaskName}
		buckets[key] = append(buckets[key], r)
	}
	return accepted, buckets
}

// judgeBuckets invokes the judgment engine once per (provider, task)
// bucket (spec.md §4.5 step 7).
func (in *Ingestor) judgeBuckets(buckets map[bucketKey][]*types.JobResult, now time.Time) []TaskOutcome {
	outcomes := make([]TaskOutcome, 0, len(buckets))
	for key, bucket := range buckets {
		def, ok := in.deps.Catalog.Definitions[key.taskName]
		if !ok {
			continue
		}
		provider, err := in.deps.Providers.GetProvider(key.providerID)
		if err != nil {
			log.Logger.Warn().Err(err).Str("provider_id", key.providerID).Msg("provider lookup failed during judgment")
			continue
		}

		fleetMax := in.deps.Engine.FleetMaxBlock(key.taskName, map[string]types.BlockChainType{key.providerID: provider.Blockchain})
		cacheKey := cache.Key{ProviderID: key.providerID, TaskType: key.taskType, TaskName: key.taskName}
		planID := bucket[0].PlanID
		j, changed := in.deps.Engine.EvaluateTask(planID, cacheKey, def, provider.Blockchain, fleetMax, now)

		metrics.JudgmentsComputed.WithLabelValues(string(key.taskType), string(j.Verdict)).Inc()
		outcomes = append(outcomes, TaskOutcome{
			PlanID:     planID,
			ProviderID: key.providerID,
			Phase:      bucket[0].Phase,
			TaskType:   key.taskType,
			TaskName:   key.taskName,
			Judgment:   j,
			Changed:    changed,
		})

		if changed && in.deps.Bus != nil {
			in.deps.Bus.Publish(planbus.JudgmentEvent(planID, key.providerID, bucket[0].Phase, key.taskName, j))
		}
	}
	return outcomes
}

// persistAsync retries persistence with exponential backoff in a
// supervised goroutine so a slow or failing store never blocks ingestion
// (spec.md §4.5 step 6, "persistence failures are retried but never
// block ingestion").
func (in *Ingestor) persistAsync(r *types.JobResult) {
	ctlerrors.GoSupervised("ingest-persist", func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 30 * time.Second
		err := backoff.Retry(func() error {
			return in.deps.Store.AppendResult(r)
		}, b)
		if err != nil {
			log.Logger.Error().Err(err).Str("job_id", r.JobID).Msg("failed to persist job result after retries")
		}
	})
}
