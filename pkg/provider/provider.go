// Package provider implements the provider scanner of spec.md §2 ("Poll
// the portal for active providers; diff against current fleet; enqueue
// new providers for verification") and the post-verification admission
// step that stands up a provider's Regular plan, adapted from the
// original scheduler's ProviderScanner (scanner.rs load_nodes/
// load_gateways) generalized from a one-shot fetch into a periodic,
// backoff-retried poll with fleet diffing.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/plan"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/types"
)

// RegistryClient fetches the node and gateway fleets from the external
// registry service (spec.md §6, "Scheduler → External registry").
type RegistryClient struct {
	nodesURL    string
	gatewaysURL string
	token       string
	client      *http.Client
}

// NewRegistryClient creates a RegistryClient.
func NewRegistryClient(nodesURL, gatewaysURL, token string, client *http.Client) *RegistryClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RegistryClient{nodesURL: nodesURL, gatewaysURL: gatewaysURL, token: token, client: client}
}

func (c *RegistryClient) fetch(ctx context.Context, url string, componentType types.ComponentType) ([]*types.Provider, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("registry %s returned status %d", url, resp.StatusCode)
	}

	var providers []*types.Provider
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return nil, fmt.Errorf("decoding registry response from %s: %w", url, err)
	}
	for _, p := range providers {
		p.ComponentType = componentType
	}
	return providers, nil
}

// FetchNodes fetches the node fleet, tagging every entry ComponentNode
// (scanner.rs load_nodes).
func (c *RegistryClient) FetchNodes(ctx context.Context) ([]*types.Provider, error) {
	return c.fetch(ctx, c.nodesURL, types.ComponentNode)
}

// FetchGateways fetches the gateway fleet, tagging every entry
// ComponentGateway (scanner.rs load_gateways).
func (c *RegistryClient) FetchGateways(ctx context.Context) ([]*types.Provider, error) {
	return c.fetch(ctx, c.gatewaysURL, types.ComponentGateway)
}

// Scanner polls the registry, diffs the result against the stored fleet,
// and enqueues new providers for verification.
type Scanner struct {
	store      storage.Store
	registry   *RegistryClient
	plans      *plan.Manager
	maxRetries uint64
}

// New creates a Scanner.
func New(store storage.Store, registry *RegistryClient, plans *plan.Manager, maxRetries uint64) *Scanner {
	return &Scanner{store: store, registry: registry, plans: plans, maxRetries: maxRetries}
}

func (s *Scanner) fetchFleet(ctx context.Context) ([]*types.Provider, error) {
	var nodes, gateways []*types.Provider

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	err := backoff.Retry(func() error {
		var err error
		nodes, err = s.registry.FetchNodes(ctx)
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("fetching node fleet: %w", err)
	}

	b = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	err = backoff.Retry(func() error {
		var err error
		gateways, err = s.registry.FetchGateways(ctx)
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("fetching gateway fleet: %w", err)
	}

	return append(nodes, gateways...), nil
}

// Scan runs one scanner tick (spec.md §2, §5 "Scanner loop"): fetch the
// fleet, register newly discovered providers and enqueue them for
// verification, and remove providers the registry no longer lists.
func (s *Scanner) Scan(ctx context.Context, now time.Time) error {
	fleet, err := s.fetchFleet(ctx)
	if err != nil {
		return err
	}

	existing, err := s.store.ListProviders()
	if err != nil {
		return fmt.Errorf("listing stored providers: %w", err)
	}
	existingByID := make(map[string]*types.Provider, len(existing))
	for _, p := range existing {
		existingByID[p.ProviderID] = p
	}

	seen := make(map[string]bool, len(fleet))
	for _, p := range fleet {
		seen[p.ProviderID] = true
		if _, known := existingByID[p.ProviderID]; known {
			continue
		}
		p.Status = types.ProviderDiscovered
		p.DiscoveredAt = now
		if err := s.store.SaveProvider(p); err != nil {
			log.Logger.Error().Err(err).Str("provider_id", p.ProviderID).Msg("failed to save discovered provider")
			continue
		}
		if _, err := s.plans.CreateVerification(p.ProviderID, now); err != nil {
			log.Logger.Error().Err(err).Str("provider_id", p.ProviderID).Msg("failed to create verification plan")
			continue
		}
		log.WithProviderID(p.ProviderID).Info().Msg("discovered new provider, verification enqueued")
	}

	for id, p := range existingByID {
		if seen[id] {
			continue
		}
		if err := s.remove(p, now); err != nil {
			log.Logger.Error().Err(err).Str("provider_id", id).Msg("failed to remove stale provider")
		}
	}
	return nil
}

// remove tears down a provider the registry no longer lists: its plans
// (Regular plans are only ever torn down this way, spec.md §4.1) and the
// provider record itself.
func (s *Scanner) remove(p *types.Provider, now time.Time) error {
	plans, err := s.store.ListPlansByProvider(p.ProviderID)
	if err != nil {
		return err
	}
	for _, pl := range plans {
		if err := s.store.DeletePlan(pl.PlanID); err != nil {
			return err
		}
	}
	p.Status = types.ProviderRemoved
	log.WithProviderID(p.ProviderID).Info().Msg("provider no longer listed by registry, removed")
	return s.store.DeleteProvider(p.ProviderID)
}

// Admit transitions a provider that just passed verification into the
// active fleet, standing up its never-expiring Regular plan (spec.md
// §4.1, "Regular plan — one per active admitted provider").
func (s *Scanner) Admit(providerID string, now time.Time) error {
	p, err := s.store.GetProvider(providerID)
	if err != nil {
		return err
	}
	p.Status = types.ProviderActive
	if err := s.store.SaveProvider(p); err != nil {
		return err
	}
	_, err = s.plans.CreateRegular(providerID, now)
	return err
}

// EnqueueVerify handles a provider descriptor submitted directly via
// POST /provider/verify (spec.md §6), creating or re-verifying a
// provider out of band from the scanner's periodic poll.
func (s *Scanner) EnqueueVerify(p *types.Provider, now time.Time) (*types.Plan, error) {
	p.Status = types.ProviderVerifying
	if p.DiscoveredAt.IsZero() {
		p.DiscoveredAt = now
	}
	if err := s.store.SaveProvider(p); err != nil {
		return nil, fmt.Errorf("saving provider: %w", err)
	}
	return s.plans.CreateVerification(p.ProviderID, now)
}
