// Package httpapi is the scheduler's inbound HTTP surface (spec.md §6):
// worker self-registration, result reporting from workers, and
// on-demand provider verification requests, alongside the standard
// /metrics and /healthz endpoints. Modeled on the teacher's
// http.ServeMux-based health server, generalized to a chi router now
// that the surface has request bodies and a bearer-auth requirement.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/beacon/pkg/ingest"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/provider"
	"github.com/cuemby/beacon/pkg/registry"
	"github.com/cuemby/beacon/pkg/types"
)

// Deps bundles the collaborators the HTTP surface dispatches into.
type Deps struct {
	Registry     *registry.Registry
	Ingestor     *ingest.Ingestor
	Scanner      *provider.Scanner
	ReportToken  string
	MaxBodyBytes int64
	// PublicURL is this scheduler's own externally-reachable base URL,
	// used to build the report_callback every worker is handed on
	// registration (spec.md §4.3, §6: reply `{worker_id, report_callback}`).
	PublicURL string
}

// Server is the scheduler's HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
}

// New builds the Server and wires its routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/worker/register", s.handleWorkerRegister)
	r.Post("/provider/verify", s.handleProviderVerify)
	r.With(s.bearerAuth).Post("/report", s.handleReport)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.deps.ReportToken
		if s.deps.ReportToken == "" || got != want {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type workerRegisterRequest struct {
	WorkerID string `json:"worker_id"`
	IP       string `json:"ip"`
	URL      string `json:"url"`
	Zone     string `json:"zone"`
	Capacity int    `json:"capacity"`
}

// workerRegisterResponse is the reply to POST /worker/register (spec.md
// §6: "reply: {worker_id, report_callback}"). It carries the full
// registered worker alongside report_callback, the URL the worker must
// POST its results to (spec.md §4.3).
type workerRegisterResponse struct {
	*types.Worker
	ReportCallback string `json:"report_callback"`
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req workerRegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.URL == "" || req.Zone == "" {
		writeError(w, http.StatusBadRequest, "url and zone are required")
		return
	}

	worker, err := s.deps.Registry.Register(req.WorkerID, req.IP, req.URL, req.Zone, req.Capacity, time.Now())
	if err != nil {
		log.Logger.Error().Err(err).Msg("worker registration failed")
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, workerRegisterResponse{
		Worker:         worker,
		ReportCallback: strings.TrimRight(s.deps.PublicURL, "/") + "/report",
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var rawResults []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)).Decode(&rawResults); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	outcomes := s.deps.Ingestor.Ingest(rawResults, time.Now())
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(outcomes)})
}

func (s *Server) handleProviderVerify(w http.ResponseWriter, r *http.Request) {
	var p types.Provider
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if p.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}

	plan, err := s.deps.Scanner.EnqueueVerify(&p, time.Now())
	if err != nil {
		log.Logger.Error().Err(err).Str("provider_id", p.ProviderID).Msg("failed to enqueue provider verification")
		writeError(w, http.StatusInternalServerError, "failed to enqueue verification")
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
