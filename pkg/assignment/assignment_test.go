package assignment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/types"
)

type fakeWorkerLookup struct {
	workers  map[string]*types.Worker
	results  []bool
}

func (f *fakeWorkerLookup) Get(workerID string) *types.Worker { return f.workers[workerID] }
func (f *fakeWorkerLookup) RecordDeliveryResult(workerID string, success bool) {
	f.results = append(f.results, success)
}
func (f *fakeWorkerLookup) All() []*types.Worker {
	out := make([]*types.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func TestBuffer_PushFrontPutsRetriesAhead(t *testing.T) {
	buf := NewBuffer()
	a1 := &types.JobAssignment{AssignmentID: "a1"}
	a2 := &types.JobAssignment{AssignmentID: "a2"}
	buf.Push(a1)
	buf.PushFront(a2)

	drained := buf.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, "a2", drained[0].AssignmentID)
	assert.Equal(t, "a1", drained[1].AssignmentID)
}

func TestDelivery_SuccessMarksDelivered(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var jobs []types.Job
		_ = json.NewDecoder(r.Body).Decode(&jobs)
		atomic.AddInt32(&received, int32(len(jobs)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	buf := NewBuffer()
	worker := &types.Worker{WorkerID: "w1", URL: srv.URL}
	lookup := &fakeWorkerLookup{workers: map[string]*types.Worker{"w1": worker}}
	d := NewDelivery(buf, lookup, srv.Client(), 1<<20, 4)

	buf.Push(&types.JobAssignment{AssignmentID: "a1", WorkerID: "w1", Job: types.Job{JobID: "j1"}})
	delivered := d.Tick(context.Background())

	assert.Equal(t, 1, delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
	assert.Equal(t, []bool{true}, lookup.results)
}

func TestDelivery_FailureRetriesAtFront(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	buf := NewBuffer()
	worker := &types.Worker{WorkerID: "w1", URL: srv.URL}
	lookup := &fakeWorkerLookup{workers: map[string]*types.Worker{"w1": worker}}
	d := NewDelivery(buf, lookup, srv.Client(), 1<<20, 4)

	buf.Push(&types.JobAssignment{AssignmentID: "a1", WorkerID: "w1", Job: types.Job{JobID: "j1"}})
	delivered := d.Tick(context.Background())

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, buf.Len(), "failed batch should be re-queued for retry")
	assert.Equal(t, []bool{false}, lookup.results)
}

func TestDelivery_TickDeliversPendingCancelsToEveryWorker(t *testing.T) {
	var gotPlans [][]string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cancel_plans", r.URL.Path)
		var planIDs []string
		_ = json.NewDecoder(r.Body).Decode(&planIDs)
		mu.Lock()
		gotPlans = append(gotPlans, planIDs)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	buf := NewBuffer()
	worker := &types.Worker{WorkerID: "w1", URL: srv.URL}
	lookup := &fakeWorkerLookup{workers: map[string]*types.Worker{"w1": worker}}
	d := NewDelivery(buf, lookup, srv.Client(), 1<<20, 4)

	buf.PushCancel("plan-1", "plan-2")
	d.Tick(context.Background())

	require.Len(t, gotPlans, 1)
	assert.Equal(t, []string{"plan-1", "plan-2"}, gotPlans[0])
	assert.Empty(t, buf.DrainCancels(), "cancels should be drained by Tick")
}

func TestDelivery_InFlightCapDefersBatch(t *testing.T) {
	buf := NewBuffer()
	worker := &types.Worker{WorkerID: "w1", URL: "http://unused"}
	lookup := &fakeWorkerLookup{workers: map[string]*types.Worker{"w1": worker}}
	d := NewDelivery(buf, lookup, nil, 1<<20, 1)

	d.inFlight["w1"] = 1 // simulate a batch already in flight
	buf.Push(&types.JobAssignment{AssignmentID: "a1", WorkerID: "w1"})

	delivered := d.Tick(context.Background())
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, buf.Len(), "over the in-flight cap, batch should wait for next tick")
}

func TestSplitByPayloadSize(t *testing.T) {
	assignments := []*types.JobAssignment{
		{Job: types.Job{JobID: "1", URL: "http://x/aaaaaaaaaa"}},
		{Job: types.Job{JobID: "2", URL: "http://x/bbbbbbbbbb"}},
		{Job: types.Job{JobID: "3", URL: "http://x/cccccccccc"}},
	}
	batches := splitByPayloadSize(assignments, 60)
	assert.Greater(t, len(batches), 1, "small cap should split into multiple batches")

	total := 0
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, len(assignments), total)
}
