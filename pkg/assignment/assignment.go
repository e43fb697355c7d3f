// Package assignment implements the assignment buffer and delivery loop
// of spec.md §4.4: an in-memory queue of (job, assignment) pairs drained
// on a tick, batched per worker, delivered at-least-once with front-of-
// queue retry, plus a separate cancel buffer for plan cancellations.
package assignment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/types"
)

// WorkerLookup is the subset of pkg/registry's API the delivery loop
// needs to resolve a worker_id to its callback URL and feed back delivery
// outcomes, kept as an interface to avoid an import cycle.
type WorkerLookup interface {
	Get(workerID string) *types.Worker
	RecordDeliveryResult(workerID string, success bool)
}

// Buffer is the in-memory (jobs, assignments) queue of spec.md §4.4.
// Assignments are FIFO; retries are re-pushed to the front.
type Buffer struct {
	mu    sync.Mutex
	queue []*types.JobAssignment

	cancelMu sync.Mutex
	cancels  []string
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push enqueues assignments at the back of the buffer (new work).
func (b *Buffer) Push(assignments ...*types.JobAssignment) {
	if len(assignments) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, assignments...)
}

// PushFront re-queues assignments at the front of the buffer (retry after
// a failed delivery attempt, spec.md §4.4 "re-pushed to the front").
func (b *Buffer) PushFront(assignments ...*types.JobAssignment) {
	if len(assignments) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(append([]*types.JobAssignment{}, assignments...), b.queue...)
}

// DrainAll empties the buffer and returns every queued assignment.
func (b *Buffer) DrainAll() []*types.JobAssignment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// Len reports how many assignments are currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// PushCancel enqueues plan cancellations (spec.md §4.4, cancel buffer).
func (b *Buffer) PushCancel(planIDs ...string) {
	if len(planIDs) == 0 {
		return
	}
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	b.cancels = append(b.cancels, planIDs...)
}

// DrainCancels empties and returns the cancel buffer.
func (b *Buffer) DrainCancels() []string {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	out := b.cancels
	b.cancels = nil
	return out
}

// groupByWorker partitions assignments by worker_id, preserving order
// within each worker's group.
func groupByWorker(assignments []*types.JobAssignment) map[string][]*types.JobAssignment {
	out := make(map[string][]*types.JobAssignment)
	for _, a := range assignments {
		out[a.WorkerID] = append(out[a.WorkerID], a)
	}
	return out
}

// Delivery drains a Buffer on a tick and POSTs batches to each worker,
// respecting the payload-size cap and per-worker in-flight cap of
// spec.md §5 ("Backpressure").
type Delivery struct {
	buf     *Buffer
	workers WorkerLookup
	client  *http.Client

	maxBatchBytes int
	maxInFlight   int

	mu       sync.Mutex
	inFlight map[string]int
}

// NewDelivery creates a Delivery loop draining buf, resolving worker URLs
// via workers, bounding batch payload size to maxBatchBytes and
// concurrent in-flight batches per worker to maxInFlight.
func NewDelivery(buf *Buffer, workers WorkerLookup, client *http.Client, maxBatchBytes, maxInFlight int) *Delivery {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Delivery{
		buf:           buf,
		workers:       workers,
		client:        client,
		maxBatchBytes: maxBatchBytes,
		maxInFlight:   maxInFlight,
		inFlight:      make(map[string]int),
	}
}

func (d *Delivery) tryEnter(workerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[workerID] >= d.maxInFlight {
		return false
	}
	d.inFlight[workerID]++
	return true
}

func (d *Delivery) leave(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[workerID]--
}

// Tick drains the buffer once, delivering one batch per worker and every
// pending cancellation, and returns the number of assignments
// successfully delivered.
func (d *Delivery) Tick(ctx context.Context) int {
	delivered := 0
	assignments := d.buf.DrainAll()
	groups := groupByWorker(assignments)

	for workerID, group := range groups {
		if !d.tryEnter(workerID) {
			// over the in-flight cap for this worker: leave the batch for
			// the next tick rather than dropping it.
			d.buf.PushFront(group...)
			continue
		}
		n := d.deliverBatch(ctx, workerID, group)
		d.leave(workerID)
		delivered += n
	}

	cancels := d.buf.DrainCancels()
	if len(cancels) > 0 {
		d.deliverCancels(ctx, cancels)
	}

	return delivered
}

func (d *Delivery) deliverBatch(ctx context.Context, workerID string, group []*types.JobAssignment) int {
	worker := d.workers.Get(workerID)
	if worker == nil {
		// worker vanished (ejected) between enqueue and delivery; drop
		// silently, the generator will re-emit once its interval elapses.
		return 0
	}

	batches := splitByPayloadSize(group, d.maxBatchBytes)
	delivered := 0
	for _, batch := range batches {
		timer := metrics.NewTimer()
		jobs := make([]*types.Job, len(batch))
		for i, a := range batch {
			jobs[i] = &a.Job
		}
		err := postJSON(ctx, d.client, worker.URL+"/jobs_handle", jobs)
		timer.ObserveDuration(metrics.DeliveryLatency)

		d.workers.RecordDeliveryResult(workerID, err == nil)
		if err != nil {
			log.Logger.Warn().Err(err).Str("worker_id", workerID).Msg("job batch delivery failed, retrying next tick")
			metrics.AssignmentsRetried.Add(float64(len(batch)))
			d.buf.PushFront(batch...)
			continue
		}
		now := time.Now()
		for _, a := range batch {
			a.Status = types.AssignmentDelivered
			a.FinishedAt = &now
		}
		metrics.AssignmentsDelivered.Add(float64(len(batch)))
		delivered += len(batch)
	}
	return delivered
}

func (d *Delivery) deliverCancels(ctx context.Context, planIDs []string) {
	workers, ok := d.workers.(interface{ All() []*types.Worker })
	if !ok {
		return
	}
	for _, w := range workers.All() {
		if err := postJSON(ctx, d.client, w.URL+"/cancel_plans", planIDs); err != nil {
			log.Logger.Warn().Err(err).Str("worker_id", w.WorkerID).Msg("cancel delivery failed")
		}
	}
}

// splitByPayloadSize groups assignments into batches whose JSON-encoded
// job payload stays under maxBytes, preserving order (spec.md §5,
// "payload-size cap").
func splitByPayloadSize(assignments []*types.JobAssignment, maxBytes int) [][]*types.JobAssignment {
	if maxBytes <= 0 {
		return [][]*types.JobAssignment{assignments}
	}
	var batches [][]*types.JobAssignment
	var current []*types.JobAssignment
	size := 0
	for _, a := range assignments {
		encoded, _ := json.Marshal(a.Job)
		entrySize := len(encoded) + 1
		if size+entrySize > maxBytes && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, a)
		size += entrySize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return nil
}
