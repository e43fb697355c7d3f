package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/ingest"
	"github.com/cuemby/beacon/pkg/judgment"
	"github.com/cuemby/beacon/pkg/plan"
	"github.com/cuemby/beacon/pkg/provider"
	"github.com/cuemby/beacon/pkg/registry"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/taskconfig"
	"github.com/cuemby/beacon/pkg/types"
)

type fakeProviderLookup struct{ p *types.Provider }

func (f *fakeProviderLookup) GetProvider(id string) (*types.Provider, error) {
	return f.p, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)

	mgr := plan.NewManager(store, 10*time.Minute)
	c := cache.New(3)
	engine := judgment.NewEngine(c)
	catalog := &taskconfig.Catalog{Definitions: map[string]*types.TaskDefinition{}}
	in := ingest.New(ingest.Deps{
		PlanLookup: mgr.ActiveLookup(),
		Cache:      c,
		Store:      store,
		Engine:     engine,
		Catalog:    catalog,
		Providers:  &fakeProviderLookup{p: &types.Provider{ProviderID: "p1", Blockchain: types.BlockChainEth}},
	})

	registryClient := provider.NewRegistryClient("", "", "", nil)
	scanner := provider.New(store, registryClient, mgr, 1)

	return New(Deps{Registry: reg, Ingestor: in, Scanner: scanner, ReportToken: "secret", MaxBodyBytes: 1 << 20, PublicURL: "http://scheduler:8080"})
}

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWorkerRegister_CreatesWorker(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(workerRegisterRequest{IP: "1.1.1.1", URL: "http://worker:9000", Zone: "us-east", Capacity: 10})
	req := httptest.NewRequest(http.MethodPost, "/worker/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp workerRegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.WorkerID)
	assert.Equal(t, types.WorkerGood, resp.Status)
	assert.Equal(t, "http://scheduler:8080/report", resp.ReportCallback)
}

func TestHandleReport_RejectsMissingBearerToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/report", bytes.NewReader([]byte(`[]`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleReport_AcceptsWithValidToken(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/report", bytes.NewReader([]byte(`[]`)))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleProviderVerify_EnqueuesVerificationPlan(t *testing.T) {
	srv := newTestServer(t)
	p := types.Provider{ProviderID: "p9", ComponentType: types.ComponentNode, Blockchain: types.BlockChainEth, Network: "mainnet", Zone: "us-east", IP: "2.2.2.2"}
	body, _ := json.Marshal(p)
	req := httptest.NewRequest(http.MethodPost, "/provider/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.PhaseVerification, created.Phase)
}

func TestHandleProviderVerify_RejectsMissingProviderID(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/provider/verify", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
