package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/assignment"
	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/generator"
	"github.com/cuemby/beacon/pkg/plan"
	"github.com/cuemby/beacon/pkg/planbus"
	"github.com/cuemby/beacon/pkg/portal"
	"github.com/cuemby/beacon/pkg/provider"
	"github.com/cuemby/beacon/pkg/registry"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/taskconfig"
	"github.com/cuemby/beacon/pkg/types"
)

func newDevProvider(id string) *types.Provider {
	return &types.Provider{
		ProviderID:    id,
		ComponentType: types.ComponentNode,
		Blockchain:    types.BlockChainEth,
		Network:       "mainnet",
		Zone:          "us-east",
		IP:            "1.2.3.4",
		Status:        types.ProviderActive,
	}
}

func rttDef(phase types.Phase) *types.TaskDefinition {
	return &types.TaskDefinition{
		Name:        "round_trip_time",
		Type:        types.TaskRoundTripTime,
		Phases:      []types.Phase{phase},
		URLTemplate: "http://{{.IP}}/",
		Method:      "GET",
		IntervalMS:  1000,
		TimeoutMS:   500,
		Thresholds:  types.Thresholds{SuccessPercent: 100, ResponseTimeMS: 200},
	}
}

func TestRunGenerator_EmitsJobsOnlyForProvidersWithAnActivePlan(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)
	_, err = reg.Register("", "9.9.9.9", "http://worker:9000", "us-east", 10, time.Now())
	require.NoError(t, err)

	planMgr := plan.NewManager(store, 10*time.Minute)
	resultCache := cache.New(3)
	gen := generator.New("probes.example.com", time.Second)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{
		"round_trip_time": rttDef(types.PhaseRegular),
	}, Master: taskconfig.Master{Regular: []string{"round_trip_time"}}}

	p1 := newDevProvider("p1")
	require.NoError(t, store.SaveProvider(p1))
	pl, err := planMgr.CreateRegular("p1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.SavePlan(pl))

	p2 := newDevProvider("p2") // no plan; must be skipped
	require.NoError(t, store.SaveProvider(p2))

	buf := assignment.NewBuffer()
	runGenerator(store, gen, reg, catalog, resultCache, buf, types.PhaseRegular)

	assert.Equal(t, 1, buf.Len())
	jobs, err := store.ListJobsByPlan(pl.PlanID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "p1", jobs[0].ProviderID)
}

func TestRunExpirySweep_TimesOutOverdueVerificationPlanAndCancelsDelivery(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	planMgr := plan.NewManager(store, 10*time.Minute)
	now := time.Now()
	pl, err := planMgr.CreateVerification("p1", now.Add(-20*time.Minute))
	require.NoError(t, err)

	bus := planbus.NewBroker()
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	buf := assignment.NewBuffer()
	runExpirySweep(store, planMgr, buf, bus)

	reloaded, err := store.GetPlan(pl.PlanID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanTimeout, reloaded.Status)
	assert.False(t, reloaded.Result.Pass())

	assert.Equal(t, []string{pl.PlanID}, buf.DrainCancels())

	select {
	case evt := <-sub:
		assert.Equal(t, planbus.EventPlanExpired, evt.Type)
		assert.Equal(t, pl.PlanID, evt.PlanID)
		assert.False(t, evt.Judgment.Pass())
	case <-time.After(time.Second):
		t.Fatal("expected a plan.expired event on the bus")
	}
}

func TestRunExpirySweep_LeavesPlanWithinWindowUntouched(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	planMgr := plan.NewManager(store, 10*time.Minute)
	pl, err := planMgr.CreateVerification("p1", time.Now())
	require.NoError(t, err)

	bus := planbus.NewBroker()
	bus.Start()
	defer bus.Stop()

	buf := assignment.NewBuffer()
	runExpirySweep(store, planMgr, buf, bus)

	reloaded, err := store.GetPlan(pl.PlanID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanInit, reloaded.Status)
	assert.Empty(t, buf.DrainCancels())
}

func TestRollupVerdict_IncompleteUntilEveryApplicableTaskHasJudged(t *testing.T) {
	resultCache := cache.New(3)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{
		"round_trip_time": rttDef(types.PhaseVerification),
	}, Master: taskconfig.Master{Verification: []string{"round_trip_time"}}}
	p := newDevProvider("p1")

	_, complete := rollupVerdict(p, types.PhaseVerification, catalog, resultCache)
	assert.False(t, complete, "rollup must wait for a judgment before declaring the plan complete")

	resultCache.SetJudgment(cache.Key{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time"},
		&types.Judgment{Verdict: types.VerdictPass})

	verdict, complete := rollupVerdict(p, types.PhaseVerification, catalog, resultCache)
	require.True(t, complete)
	assert.True(t, verdict.Pass())
}

func TestRollupVerdict_FailsIfAnyApplicableTaskFailed(t *testing.T) {
	resultCache := cache.New(3)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{
		"round_trip_time": rttDef(types.PhaseVerification),
	}, Master: taskconfig.Master{Verification: []string{"round_trip_time"}}}
	p := newDevProvider("p1")
	resultCache.SetJudgment(cache.Key{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time"},
		&types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{JobName: "round_trip_time", FailedDetail: "timed out"}}})

	verdict, complete := rollupVerdict(p, types.PhaseVerification, catalog, resultCache)
	require.True(t, complete)
	assert.False(t, verdict.Pass())
	require.Len(t, verdict.Reasons, 1)
}

func TestHandleJudgmentChanged_AdmitsProviderOnPassingVerification(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	planMgr := plan.NewManager(store, 10*time.Minute)
	resultCache := cache.New(3)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{
		"round_trip_time": rttDef(types.PhaseVerification),
	}, Master: taskconfig.Master{Verification: []string{"round_trip_time"}}}
	registryClient := provider.NewRegistryClient("", "", "", nil)
	scanner := provider.New(store, registryClient, planMgr, 1)

	p := newDevProvider("p1")
	p.Status = types.ProviderVerifying
	require.NoError(t, store.SaveProvider(p))
	pl, err := planMgr.CreateVerification("p1", time.Now())
	require.NoError(t, err)

	resultCache.SetJudgment(cache.Key{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time"},
		&types.Judgment{Verdict: types.VerdictPass})

	reporter := portal.New("", "", nil, 0)
	evt := planbus.JudgmentEvent(pl.PlanID, "p1", types.PhaseVerification, "round_trip_time", &types.Judgment{Verdict: types.VerdictPass})

	handleJudgmentChanged(evt, store, reporter, planMgr, catalog, resultCache, scanner)

	updated, err := store.GetProvider("p1")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderActive, updated.Status)

	finished, err := store.GetPlan(pl.PlanID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanFinishedPass, finished.Status)

	regularPlans, err := store.ListPlansByProvider("p1")
	require.NoError(t, err)
	var sawRegular bool
	for _, rp := range regularPlans {
		if rp.Phase == types.PhaseRegular {
			sawRegular = true
		}
	}
	assert.True(t, sawRegular, "admission must create the provider's Regular plan")
}

func TestHandleJudgmentChanged_SuspendsProviderOnFailingVerification(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	planMgr := plan.NewManager(store, 10*time.Minute)
	resultCache := cache.New(3)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{
		"round_trip_time": rttDef(types.PhaseVerification),
	}, Master: taskconfig.Master{Verification: []string{"round_trip_time"}}}
	registryClient := provider.NewRegistryClient("", "", "", nil)
	scanner := provider.New(store, registryClient, planMgr, 1)

	p := newDevProvider("p1")
	p.Status = types.ProviderVerifying
	require.NoError(t, store.SaveProvider(p))
	pl, err := planMgr.CreateVerification("p1", time.Now())
	require.NoError(t, err)

	failJudgment := &types.Judgment{Verdict: types.VerdictFailed, Reasons: []types.FailureReason{{JobName: "round_trip_time", FailedDetail: "too slow"}}}
	resultCache.SetJudgment(cache.Key{ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time"}, failJudgment)

	reporter := portal.New("", "", nil, 0)
	evt := planbus.JudgmentEvent(pl.PlanID, "p1", types.PhaseVerification, "round_trip_time", failJudgment)

	handleJudgmentChanged(evt, store, reporter, planMgr, catalog, resultCache, scanner)

	updated, err := store.GetProvider("p1")
	require.NoError(t, err)
	assert.Equal(t, types.ProviderSuspended, updated.Status)
}
