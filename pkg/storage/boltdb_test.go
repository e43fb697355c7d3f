package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestListPlansByProvider_UsesIndexNotAFullScan(t *testing.T) {
	store := newTestStore(t)

	p1a := &types.Plan{PlanID: "plan-1", ProviderID: "p1", Phase: types.PhaseVerification, RequestTime: time.Now()}
	p1b := &types.Plan{PlanID: "plan-2", ProviderID: "p1", Phase: types.PhaseRegular, RequestTime: time.Now()}
	p2 := &types.Plan{PlanID: "plan-3", ProviderID: "p2", Phase: types.PhaseVerification, RequestTime: time.Now()}

	require.NoError(t, store.SavePlan(p1a))
	require.NoError(t, store.SavePlan(p1b))
	require.NoError(t, store.SavePlan(p2))

	got, err := store.ListPlansByProvider("p1")
	require.NoError(t, err)
	ids := []string{got[0].PlanID, got[1].PlanID}
	assert.ElementsMatch(t, []string{"plan-1", "plan-2"}, ids)

	got, err = store.ListPlansByProvider("p2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "plan-3", got[0].PlanID)

	got, err = store.ListPlansByProvider("unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeletePlan_RemovesIndexEntry(t *testing.T) {
	store := newTestStore(t)

	p := &types.Plan{PlanID: "plan-1", ProviderID: "p1", Phase: types.PhaseVerification, RequestTime: time.Now()}
	require.NoError(t, store.SavePlan(p))

	require.NoError(t, store.DeletePlan(p.PlanID))

	got, err := store.ListPlansByProvider("p1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListResultsByProviderTask_PrefixScanOrdersByReceiveTimestamp(t *testing.T) {
	store := newTestStore(t)

	base := time.Now()
	r1 := &types.JobResult{JobID: "j1", ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time", ReceiveTimestamp: base}
	r2 := &types.JobResult{JobID: "j2", ProviderID: "p1", TaskType: types.TaskRoundTripTime, TaskName: "round_trip_time", ReceiveTimestamp: base.Add(time.Second)}
	other := &types.JobResult{JobID: "j3", ProviderID: "p1", TaskType: types.TaskLatestBlock, TaskName: "latest_block", ReceiveTimestamp: base}

	require.NoError(t, store.AppendResult(r2))
	require.NoError(t, store.AppendResult(r1))
	require.NoError(t, store.AppendResult(other))

	got, err := store.ListResultsByProviderTask("p1", types.TaskRoundTripTime, "round_trip_time")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, "j2", got[1].JobID)
}
