package judgment

import (
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/types"
)

// reportKey identifies one (plan, task) pair for reporting idempotency.
type reportKey struct {
	planID   string
	taskName string
}

// Engine evaluates per-task judgments off the result cache, aggregates
// them per plan, and tracks the last verdict reported to the portal for
// each (plan, task) so the portal reporter only fires on change
// (spec.md §4.7, "the engine keeps a per-(plan, task) last_reported_verdict").
type Engine struct {
	cache *cache.Cache

	mu           sync.Mutex
	lastReported map[reportKey]types.Verdict
}

// NewEngine creates an Engine reading results from c.
func NewEngine(c *cache.Cache) *Engine {
	return &Engine{
		cache:        c,
		lastReported: make(map[reportKey]types.Verdict),
	}
}

// EvaluateTask judges the cached results for one (provider, task), stores
// the judgment back into the cache for generator dependency gating, and
// reports whether this verdict differs from the last one reported for
// (planID, def.Name) — the portal-reporting trigger.
func (e *Engine) EvaluateTask(
	planID string,
	key cache.Key,
	def *types.TaskDefinition,
	chain types.BlockChainType,
	fleetMaxBlock int64,
	now time.Time,
) (judgment *types.Judgment, changed bool) {
	recent := e.cache.Recent(key)
	j := Judge(recent, def, chain, fleetMaxBlock, now)
	e.cache.SetJudgment(key, j)

	rk := reportKey{planID: planID, taskName: def.Name}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.lastReported[rk]
	changed = !ok || prev != j.Verdict
	e.lastReported[rk] = j.Verdict
	return j, changed
}

// ForgetPlan drops reporting state for planID's listed tasks, so a later
// evaluation under the same plan ID reports its verdict as changed.
func (e *Engine) ForgetPlan(planID string, taskNames []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range taskNames {
		delete(e.lastReported, reportKey{planID: planID, taskName: name})
	}
}

// FleetMaxBlock returns the highest LatestBlock block number observed
// across every cached (provider, task) entry for the given task name,
// the "fleet's observed maximum" LatestBlock judgments compare against.
// Extraction errors for individual entries are skipped rather than
// failing the whole scan.
func (e *Engine) FleetMaxBlock(taskName string, chains map[string]types.BlockChainType) int64 {
	var max int64
	for _, key := range e.cache.Keys() {
		if key.TaskType != types.TaskLatestBlock || key.TaskName != taskName {
			continue
		}
		recent := e.cache.Recent(key)
		if len(recent) == 0 {
			continue
		}
		latest := recent[len(recent)-1]
		if latest.Detail.LatestBlock == nil || !latest.Detail.LatestBlock.Success {
			continue
		}
		chain, ok := chains[key.ProviderID]
		if !ok {
			chain = latest.ChainInfo.Blockchain
		}
		extractor, err := ExtractorFor(chain.Family())
		if err != nil {
			continue
		}
		blockNumber, _, err := extractor.Extract(latest.Detail.LatestBlock.ResponseValues)
		if err != nil {
			continue
		}
		if blockNumber > max {
			max = blockNumber
		}
	}
	return max
}
