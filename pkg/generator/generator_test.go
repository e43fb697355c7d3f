package generator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/types"
)

type fakeMatcher struct {
	nearby   []*types.Worker
	measured []*types.Worker
	best     []*types.Worker
}

func (f *fakeMatcher) NearbyWorkers(string) []*types.Worker     { return f.nearby }
func (f *fakeMatcher) MeasuredWorkers(string) []*types.Worker   { return f.measured }
func (f *fakeMatcher) BestWorkers(string, int) []*types.Worker  { return f.best }

func testProvider() *types.Provider {
	return &types.Provider{
		ProviderID:    "p1",
		ComponentType: types.ComponentNode,
		Blockchain:    types.BlockChainEth,
		Network:       "mainnet",
		Zone:          "us-east",
	}
}

func testPlan() *types.Plan {
	return &types.Plan{PlanID: "plan-1", ProviderID: "p1", Phase: types.PhaseVerification}
}

func TestCanApply_Filters(t *testing.T) {
	def := &types.TaskDefinition{
		Phases:             []types.Phase{types.PhaseVerification},
		ProviderTypeFilter: []types.ComponentType{types.ComponentGateway},
	}
	assert.False(t, CanApply(def, testProvider(), types.PhaseVerification), "component type filter should exclude a Node provider")

	def.ProviderTypeFilter = nil
	assert.True(t, CanApply(def, testProvider(), types.PhaseVerification))
	assert.False(t, CanApply(def, testProvider(), types.PhaseRegular), "phase not listed should exclude")
}

func TestApplyWithCache_EmitsWhenDue(t *testing.T) {
	g := New("example.com", time.Second)
	c := cache.New(3)
	def := &types.TaskDefinition{
		Name: "round_trip_time", Type: types.TaskRoundTripTime,
		Phases: []types.Phase{types.PhaseVerification}, URLTemplate: "https://{{.ProviderID}}.node.mbr.{{.Domain}}/ping",
		IntervalMS: 1000, TimeoutMS: 2000,
	}
	matcher := &fakeMatcher{best: []*types.Worker{{WorkerID: "w1"}}}

	buf, err := g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseVerification, matcher, c, time.Now())
	require.NoError(t, err)
	require.Len(t, buf.Jobs, 1)
	assert.Equal(t, "https://p1.node.mbr.example.com/ping", buf.Jobs[0].URL)
	require.Len(t, buf.Assignments, 1)
	assert.Equal(t, "w1", buf.Assignments[0].WorkerID)
}

func TestApplyWithCache_SkipsWhenDependencyNotPassed(t *testing.T) {
	g := New("example.com", time.Second)
	c := cache.New(3)
	def := &types.TaskDefinition{
		Name: "latest_block", Type: types.TaskLatestBlock,
		Phases:       []types.Phase{types.PhaseVerification},
		Dependencies: map[types.TaskType][]string{types.TaskRoundTripTime: {"round_trip_time"}},
		IntervalMS:   1000, TimeoutMS: 2000,
	}
	matcher := &fakeMatcher{best: []*types.Worker{{WorkerID: "w1"}}}

	buf, err := g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseVerification, matcher, c, time.Now())
	require.NoError(t, err)
	assert.Empty(t, buf.Jobs, "dependency has no judgment yet, task must not emit")

	c.SetJudgment(cache.Key{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time"}, &types.Judgment{Verdict: types.VerdictPass})
	buf, err = g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseVerification, matcher, c, time.Now())
	require.NoError(t, err)
	assert.Len(t, buf.Jobs, 1, "dependency now passing, task should emit")
}

func TestApplyWithCache_RespectsCooldown(t *testing.T) {
	g := New("example.com", time.Second)
	c := cache.New(3)
	def := &types.TaskDefinition{
		Name: "round_trip_time", Type: types.TaskRoundTripTime,
		Phases: []types.Phase{types.PhaseRegular}, IntervalMS: 60000, TimeoutMS: 2000,
	}
	matcher := &fakeMatcher{nearby: []*types.Worker{{WorkerID: "w1"}}}
	now := time.Now()

	c.Append(&types.JobResult{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time", ReceiveTimestamp: now})

	buf, err := g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseRegular, matcher, c, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, buf.Jobs, "interval has not elapsed, must not re-emit")

	buf, err = g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseRegular, matcher, c, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, buf.Jobs, 1, "interval plus grace elapsed, must emit")
}

func TestApplyWithCache_RoundRobinRotates(t *testing.T) {
	g := New("example.com", 0)
	c := cache.New(3)
	def := &types.TaskDefinition{
		Name: "round_trip_time", Type: types.TaskRoundTripTime,
		Phases: []types.Phase{types.PhaseRegular}, IntervalMS: 1, TimeoutMS: 2000,
	}
	matcher := &fakeMatcher{nearby: []*types.Worker{{WorkerID: "w1"}, {WorkerID: "w2"}}}
	now := time.Now()

	buf1, err := g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseRegular, matcher, c, now)
	require.NoError(t, err)
	require.Len(t, buf1.Assignments, 1)
	first := buf1.Assignments[0].WorkerID

	c.Append(&types.JobResult{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time", ReceiveTimestamp: now})
	buf2, err := g.ApplyWithCache([]*types.TaskDefinition{def}, testPlan(), testProvider(), types.PhaseRegular, matcher, c, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buf2.Assignments, 1)
	assert.NotEqual(t, first, buf2.Assignments[0].WorkerID, "round robin should rotate across workers")
}
