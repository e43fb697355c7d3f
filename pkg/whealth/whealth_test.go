package whealth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/types"
)

type fakeRegistry struct {
	workers  []*types.Worker
	breakers map[string]bool
	ejected  []string
}

func (f *fakeRegistry) All() []*types.Worker { return f.workers }
func (f *fakeRegistry) BreakerOpen(workerID string) bool { return f.breakers[workerID] }
func (f *fakeRegistry) Eject(workerID string) error {
	f.ejected = append(f.ejected, workerID)
	return nil
}

type fakeCache struct {
	lastUpdate map[string]time.Time
}

func (f *fakeCache) LatestUpdateForWorker(workerID string) time.Time { return f.lastUpdate[workerID] }

func TestTick_SilentWorkerEjectedOnFailedPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	worker := &types.Worker{WorkerID: "w1", URL: srv.URL, RegisteredAt: time.Now().Add(-time.Hour)}
	registry := &fakeRegistry{workers: []*types.Worker{worker}, breakers: map[string]bool{}}
	cache := &fakeCache{lastUpdate: map[string]time.Time{}}

	c := New(registry, cache, 30*time.Second, time.Second)
	c.Tick(context.Background(), time.Now())

	require.Len(t, registry.ejected, 1)
	assert.Equal(t, "w1", registry.ejected[0])
}

func TestTick_RecentlyActiveWorkerNotPinged(t *testing.T) {
	pinged := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pinged = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := &types.Worker{WorkerID: "w1", URL: srv.URL, RegisteredAt: time.Now()}
	registry := &fakeRegistry{workers: []*types.Worker{worker}, breakers: map[string]bool{}}
	now := time.Now()
	cache := &fakeCache{lastUpdate: map[string]time.Time{"w1": now}}

	c := New(registry, cache, 30*time.Second, time.Second)
	c.Tick(context.Background(), now.Add(time.Second))

	assert.False(t, pinged)
	assert.Empty(t, registry.ejected)
}

func TestTick_OpenBreakerTriggersImmediatePing(t *testing.T) {
	pinged := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pinged = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := &types.Worker{WorkerID: "w1", URL: srv.URL, RegisteredAt: time.Now()}
	registry := &fakeRegistry{workers: []*types.Worker{worker}, breakers: map[string]bool{"w1": true}}
	now := time.Now()
	cache := &fakeCache{lastUpdate: map[string]time.Time{"w1": now}}

	c := New(registry, cache, 30*time.Second, time.Second)
	c.Tick(context.Background(), now.Add(time.Second))

	assert.True(t, pinged, "open breaker should trigger a ping even though the worker recently reported")
	assert.Empty(t, registry.ejected)
}
