// Package generator implements the task generators of spec.md §4.2: the
// three-operation contract (can_apply / get_task_dependencies /
// apply_with_cache) and the emission policy that decides, on every
// generator tick, whether a (provider, task) pair is due for a new job.
package generator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/render"
	"github.com/cuemby/beacon/pkg/types"
)

// WorkerMatcher is the subset of pkg/registry's matching contract the
// generator needs to resolve an assignment policy into concrete workers
// (spec.md §4.3). Depending on an interface here, rather than the
// concrete registry type, keeps pkg/generator free of a storage/registry
// import cycle.
type WorkerMatcher interface {
	NearbyWorkers(zone string) []*types.Worker
	MeasuredWorkers(providerID string) []*types.Worker
	BestWorkers(providerID string, n int) []*types.Worker
}

// Buffer is the jobs-and-assignments output of one apply_with_cache call
// (spec.md §4.2), ready to be merged into the assignment delivery buffer.
type Buffer struct {
	Jobs        []*types.Job
	Assignments []*types.JobAssignment
}

func (b *Buffer) addJob(j *types.Job, workers []*types.Worker) {
	b.Jobs = append(b.Jobs, j)
	for _, w := range workers {
		b.Assignments = append(b.Assignments, &types.JobAssignment{
			AssignmentID: uuid.NewString(),
			Job:          *j,
			WorkerID:     w.WorkerID,
			Status:       types.AssignmentCreated,
			AssignedAt:   time.Now(),
		})
	}
}

const bestWorkersCount = 3

// Generator evaluates the task catalog against one provider and produces
// due jobs. A single Generator is shared across every provider; the only
// mutable state it owns is the RoundRobin cursor per (task, provider).
type Generator struct {
	domain        string
	generationGrace time.Duration

	mu          sync.Mutex
	roundRobin  map[string]int
}

// New creates a Generator. domain is the scheduler's configured domain
// used to render provider Host headers (spec.md §4.2 "Templating");
// generationGrace is the small constant added to a task's interval before
// it is considered due again (spec.md §4.2 condition 3).
func New(domain string, generationGrace time.Duration) *Generator {
	return &Generator{
		domain:          domain,
		generationGrace: generationGrace,
		roundRobin:      make(map[string]int),
	}
}

// CanApply filters def against provider by phase, blockchain, network and
// component type (spec.md §4.2, can_apply).
func CanApply(def *types.TaskDefinition, provider *types.Provider, phase types.Phase) bool {
	phaseOK := false
	for _, p := range def.Phases {
		if p == phase {
			phaseOK = true
			break
		}
	}
	if !phaseOK {
		return false
	}
	if len(def.ProviderTypeFilter) > 0 && !containsComponent(def.ProviderTypeFilter, provider.ComponentType) {
		return false
	}
	if len(def.BlockchainFilter) > 0 && !containsChain(def.BlockchainFilter, provider.Blockchain) {
		return false
	}
	if len(def.NetworkFilter) > 0 && !containsString(def.NetworkFilter, provider.Network) {
		return false
	}
	return true
}

func containsComponent(list []types.ComponentType, v types.ComponentType) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func containsChain(list []types.BlockChainType, v types.BlockChainType) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// dependenciesSatisfied reports whether every dependency def declares has
// a current Pass judgment in c for provider (spec.md §4.2 condition 2).
func dependenciesSatisfied(def *types.TaskDefinition, provider *types.Provider, c *cache.Cache) bool {
	for taskType, names := range def.Dependencies {
		for _, name := range names {
			key := cache.Key{ProviderID: provider.ProviderID, TaskType: taskType, TaskName: name}
			if !c.Judgment(key).Pass() {
				return false
			}
		}
	}
	return true
}

// due reports whether (provider, def) has waited at least interval +
// generation_grace since its last emission (spec.md §4.2 condition 3). A
// task never before attempted (zero LatestUpdate) is trivially due.
func (g *Generator) due(def *types.TaskDefinition, provider *types.Provider, c *cache.Cache, now time.Time) bool {
	key := cache.Key{ProviderID: provider.ProviderID, TaskType: def.Type, TaskName: def.Name}
	last := c.LatestUpdate(key)
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= def.Interval()+g.generationGrace
}

func defaultPolicy(def *types.TaskDefinition, phase types.Phase) types.AssignmentPolicy {
	if def.AssignmentPolicy != "" {
		return def.AssignmentPolicy
	}
	if phase == types.PhaseVerification {
		return types.PolicyBroadcast
	}
	return types.PolicyRoundRobin
}

func (g *Generator) selectWorkers(def *types.TaskDefinition, provider *types.Provider, phase types.Phase, matcher WorkerMatcher) []*types.Worker {
	switch defaultPolicy(def, phase) {
	case types.PolicyBroadcast:
		return matcher.BestWorkers(provider.ProviderID, bestWorkersCount)
	case types.PolicyMeasured:
		measured := matcher.MeasuredWorkers(provider.ProviderID)
		if len(measured) > bestWorkersCount {
			measured = measured[:bestWorkersCount]
		}
		return measured
	case types.PolicyRoundRobin:
		nearby := matcher.NearbyWorkers(provider.Zone)
		if len(nearby) == 0 {
			return nil
		}
		rrKey := fmt.Sprintf("%s|%s", def.Name, provider.ProviderID)
		g.mu.Lock()
		idx := g.roundRobin[rrKey] % len(nearby)
		g.roundRobin[rrKey] = idx + 1
		g.mu.Unlock()
		return []*types.Worker{nearby[idx]}
	default:
		return nil
	}
}

func (g *Generator) renderJob(def *types.TaskDefinition, plan *types.Plan, provider *types.Provider, phase types.Phase, now time.Time) (*types.Job, error) {
	ctx := render.ProviderContext(provider, g.domain)

	url, err := render.String(def.URLTemplate, ctx)
	if err != nil {
		return nil, fmt.Errorf("rendering url template for %s: %w", def.Name, err)
	}
	headers := render.StringMap(def.HeadersTemplate, ctx)

	var body any
	if def.BodyTemplate != nil {
		body, err = render.Value(def.BodyTemplate, ctx)
		if err != nil {
			return nil, fmt.Errorf("rendering body template for %s: %w", def.Name, err)
		}
	}

	return &types.Job{
		JobID:         uuid.NewString(),
		PlanID:        plan.PlanID,
		ProviderID:    provider.ProviderID,
		ComponentType: provider.ComponentType,
		TaskType:      def.Type,
		TaskName:      def.Name,
		Phase:         phase,
		URL:           url,
		Method:        def.Method,
		Headers:       headers,
		Body:          body,
		Timeout:       def.Timeout(),
		Interval:      def.Interval(),
		Repeat:        def.Repeat,
		Parallelable:  def.Type != types.TaskWebsocket,
		CreatedAt:     now,
	}, nil
}

// ApplyWithCache evaluates every def against provider and emits a job
// (plus its worker assignments) for each one whose emission policy passes
// (spec.md §4.2, apply_with_cache).
func (g *Generator) ApplyWithCache(
	defs []*types.TaskDefinition,
	plan *types.Plan,
	provider *types.Provider,
	phase types.Phase,
	matcher WorkerMatcher,
	c *cache.Cache,
	now time.Time,
) (*Buffer, error) {
	buf := &Buffer{}
	for _, def := range defs {
		if !CanApply(def, provider, phase) {
			continue
		}
		if !dependenciesSatisfied(def, provider, c) {
			continue
		}
		if !g.due(def, provider, c, now) {
			continue
		}

		job, err := g.renderJob(def, plan, provider, phase, now)
		if err != nil {
			return buf, err
		}
		workers := g.selectWorkers(def, provider, phase, matcher)
		if len(workers) == 0 {
			continue
		}
		buf.addJob(job, workers)
	}
	return buf, nil
}
