// Command scheduler runs the verification and monitoring control plane:
// it scans the provider registry, verifies and monitors the fleet,
// dispatches probe work to distributed workers, ingests their results,
// and reports judgments to the portal. Wiring follows the teacher's
// cobra root-command pattern in cmd/warren/main.go, trimmed to this
// process's flag surface (--config, --addr, --log-level, --log-json)
// since there is no
// subcommand tree here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/beacon/pkg/assignment"
	"github.com/cuemby/beacon/pkg/cache"
	"github.com/cuemby/beacon/pkg/config"
	"github.com/cuemby/beacon/pkg/ctlerrors"
	"github.com/cuemby/beacon/pkg/generator"
	"github.com/cuemby/beacon/pkg/httpapi"
	"github.com/cuemby/beacon/pkg/ingest"
	"github.com/cuemby/beacon/pkg/judgment"
	"github.com/cuemby/beacon/pkg/log"
	"github.com/cuemby/beacon/pkg/metrics"
	"github.com/cuemby/beacon/pkg/plan"
	"github.com/cuemby/beacon/pkg/planbus"
	"github.com/cuemby/beacon/pkg/portal"
	"github.com/cuemby/beacon/pkg/provider"
	"github.com/cuemby/beacon/pkg/registry"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/cuemby/beacon/pkg/taskconfig"
	"github.com/cuemby/beacon/pkg/types"
	"github.com/cuemby/beacon/pkg/whealth"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Runs the provider verification and monitoring control plane",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to scheduler config YAML (defaults built in if omitted)")
	rootCmd.PersistentFlags().String("addr", "", "HTTP listen address, overrides the config file's listen_addr")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	reg, err := registry.New(store)
	if err != nil {
		return fmt.Errorf("creating worker registry: %w", err)
	}

	planMgr := plan.NewManager(store, cfg.VerificationWindow)
	resultCache := cache.New(cfg.CacheSize)
	engine := judgment.NewEngine(resultCache)

	catalog, err := taskconfig.Load(cfg.TaskConfigDir)
	if err != nil {
		return fmt.Errorf("loading task catalog: %w", err)
	}

	gen := generator.New(cfg.Domain, cfg.GenerationGrace)

	registryClient := provider.NewRegistryClient(cfg.RegistryNodesURL, cfg.RegistryGatewaysURL, cfg.RegistryToken, nil)
	scanner := provider.New(store, registryClient, planMgr, uint64(cfg.PortalMaxRetries))

	bus := planbus.NewBroker()
	bus.Start()
	defer bus.Stop()

	ingestor := ingest.New(ingest.Deps{
		PlanLookup: planMgr.ActiveLookup(),
		Cache:      resultCache,
		Store:      store,
		Engine:     engine,
		Catalog:    catalog,
		Providers:  store,
		Bus:        bus,
	})

	reporter := portal.New(cfg.PortalURL, cfg.PortalToken, nil, uint64(cfg.PortalMaxRetries))
	health := whealth.New(reg, resultCache, cfg.WorkerSilenceThreshold, cfg.WorkerPingTimeout)

	deliveryBuf := assignment.NewBuffer()
	delivery := assignment.NewDelivery(deliveryBuf, reg, nil, cfg.DeliveryMaxBatchBytes, cfg.DeliveryMaxInFlight)

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = "http://" + cfg.ListenAddr
	}

	api := httpapi.New(httpapi.Deps{
		Registry:     reg,
		Ingestor:     ingestor,
		Scanner:      scanner,
		ReportToken:  cfg.ReportToken,
		MaxBodyBytes: cfg.MaxReportBodyBytes,
		PublicURL:    publicURL,
	})

	stopCh := make(chan struct{})

	ctlerrors.GoSupervised("scanner", loopRunner(stopCh, cfg.ScannerInterval, func(ctx context.Context) {
		if err := scanner.Scan(ctx, time.Now()); err != nil {
			log.WithComponent("scanner").Error().Err(err).Msg("fleet scan failed")
		}
	}))

	ctlerrors.GoSupervised("verification-generator", loopRunner(stopCh, cfg.VerificationGeneratorInterval, func(ctx context.Context) {
		runGenerator(store, gen, reg, catalog, resultCache, deliveryBuf, types.PhaseVerification)
	}))

	ctlerrors.GoSupervised("regular-generator", loopRunner(stopCh, cfg.RegularGeneratorInterval, func(ctx context.Context) {
		runGenerator(store, gen, reg, catalog, resultCache, deliveryBuf, types.PhaseRegular)
	}))

	ctlerrors.GoSupervised("delivery", loopRunner(stopCh, cfg.DeliveryInterval, func(ctx context.Context) {
		delivery.Tick(ctx)
	}))

	ctlerrors.GoSupervised("plan-expiry", loopRunner(stopCh, cfg.VerificationGeneratorInterval, func(ctx context.Context) {
		runExpirySweep(store, planMgr, deliveryBuf, bus)
	}))

	ctlerrors.GoSupervised("worker-health", loopRunner(stopCh, cfg.WorkerHealthInterval, func(ctx context.Context) {
		health.Tick(ctx, time.Now())
	}))

	ctlerrors.GoSupervised("portal-reporter", reportSubscriber(stopCh, bus, store, reporter, planMgr, catalog, resultCache, scanner))

	errCh := make(chan error, 1)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api}
	go func() {
		log.Logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("fatal error, shutting down")
	}

	close(stopCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Logger.Error().Err(err).Msg("http server shutdown error")
	}

	return nil
}

// reportSubscriber drains judgment-changed events off bus, forwards each
// as a portal report (spec.md §4.7, "Reporting trigger" wired to §4.8's
// outbound reporter), and rolls per-task judgments up to a plan verdict
// once every applicable task has reported in: a Verification plan that
// rolls up Pass admits the provider to Regular monitoring, one that rolls
// up Failed leaves it Suspended (spec.md §4.1).
func reportSubscriber(
	stopCh <-chan struct{},
	bus *planbus.Broker,
	store storage.Store,
	reporter *portal.Reporter,
	planMgr *plan.Manager,
	catalog *taskconfig.Catalog,
	resultCache *cache.Cache,
	scanner *provider.Scanner,
) func() {
	return func() {
		sub := bus.Subscribe()
		defer bus.Unsubscribe(sub)

		for {
			select {
			case evt := <-sub:
				if evt == nil {
					continue
				}
				switch evt.Type {
				case planbus.EventJudgmentChanged:
					handleJudgmentChanged(evt, store, reporter, planMgr, catalog, resultCache, scanner)
				case planbus.EventPlanExpired:
					handlePlanExpired(evt, store, reporter)
				}
			case <-stopCh:
				return
			}
		}
	}
}

func handleJudgmentChanged(
	evt *planbus.Event,
	store storage.Store,
	reporter *portal.Reporter,
	planMgr *plan.Manager,
	catalog *taskconfig.Catalog,
	resultCache *cache.Cache,
	scanner *provider.Scanner,
) {
	now := time.Now()
	p, err := store.GetProvider(evt.ProviderID)
	if err != nil {
		log.WithProviderID(evt.ProviderID).Error().Err(err).Msg("provider lookup failed for portal report")
		return
	}

	kind := "report"
	if evt.Phase == types.PhaseVerification {
		kind = "verify"
	}
	report := portal.ReportFromJudgment(evt.ProviderID, p.ComponentType, evt.Phase, evt.Judgment, now)
	if err := reporter.Send(context.Background(), kind, evt.ProviderID, report); err != nil {
		log.WithProviderID(evt.ProviderID).Warn().Err(err).Msg("portal report failed")
	}

	if evt.Phase != types.PhaseVerification {
		return
	}
	verdict, complete := rollupVerdict(p, evt.Phase, catalog, resultCache)
	if !complete {
		return
	}

	if _, err := planMgr.Finish(evt.PlanID, verdict, now); err != nil {
		log.WithPlanID(evt.PlanID).Error().Err(err).Msg("failed to finish plan")
		return
	}

	if verdict.Pass() {
		if err := scanner.Admit(evt.ProviderID, now); err != nil {
			log.WithProviderID(evt.ProviderID).Error().Err(err).Msg("failed to admit provider")
		}
		return
	}

	p.Status = types.ProviderSuspended
	if err := store.SaveProvider(p); err != nil {
		log.WithProviderID(evt.ProviderID).Error().Err(err).Msg("failed to suspend provider that failed verification")
	}
}

// handlePlanExpired reports a Verification plan's Timeout judgment to the
// portal (spec.md §4.1 (c): "now > expiry_time with tasks still
// Unfinished → status=Timeout and portal notified Failed"). The plan was
// already finished directly by plan.Manager.ExpireIfOverdue, so unlike
// handleJudgmentChanged this never rolls up a verdict or calls
// Manager.Finish/Scanner.Admit a second time.
func handlePlanExpired(
	evt *planbus.Event,
	store storage.Store,
	reporter *portal.Reporter,
) {
	p, err := store.GetProvider(evt.ProviderID)
	if err != nil {
		log.WithProviderID(evt.ProviderID).Error().Err(err).Msg("provider lookup failed for timeout report")
		return
	}
	report := portal.ReportFromJudgment(evt.ProviderID, p.ComponentType, evt.Phase, evt.Judgment, time.Now())
	if err := reporter.Send(context.Background(), "verify", evt.ProviderID, report); err != nil {
		log.WithPlanID(evt.PlanID).Warn().Err(err).Msg("portal report failed for expired plan")
	}

	p.Status = types.ProviderSuspended
	if err := store.SaveProvider(p); err != nil {
		log.WithProviderID(evt.ProviderID).Error().Err(err).Msg("failed to suspend provider whose verification timed out")
	}
}

// rollupVerdict reports the aggregate Judgment for every task def
// applicable to p's phase, plus whether all of them have judged at least
// once with a verdict other than Unfinished. The plan passes only if every
// applicable task does.
func rollupVerdict(p *types.Provider, phase types.Phase, catalog *taskconfig.Catalog, resultCache *cache.Cache) (*types.Judgment, bool) {
	defs := catalog.EnabledFor(phase)
	verdict := &types.Judgment{Verdict: types.VerdictPass}

	any := false
	for _, def := range defs {
		if !generator.CanApply(def, p, phase) {
			continue
		}
		any = true
		key := cache.Key{ProviderID: p.ProviderID, TaskType: def.Type, TaskName: def.Name}
		j := resultCache.Judgment(key)
		if j == nil || j.Verdict == types.VerdictUnfinished {
			return nil, false
		}
		if !j.Pass() {
			verdict.Verdict = types.VerdictFailed
			verdict.Reasons = append(verdict.Reasons, j.Reasons...)
		}
	}
	if !any {
		return nil, false
	}
	return verdict, true
}

// loopRunner builds the ticker+select+stopCh loop shared by every
// scheduler background task.
func loopRunner(stopCh <-chan struct{}, interval time.Duration, fn func(ctx context.Context)) func() {
	return func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn(context.Background())
			case <-stopCh:
				return
			}
		}
	}
}

// runExpirySweep closes spec.md §4.1 (c) and §4.4's cancel-on-expiry
// path: every still-open Verification plan past its expiry_time is
// transitioned to Timeout, its worker assignments cancelled via the
// delivery buffer's cancel queue, and a plan.expired event published so
// reportSubscriber's portal-report path notifies the portal of the
// Failed verdict.
func runExpirySweep(
	store storage.Store,
	planMgr *plan.Manager,
	deliveryBuf *assignment.Buffer,
	bus *planbus.Broker,
) {
	now := time.Now()
	plans, err := store.ListActivePlans()
	if err != nil {
		log.WithComponent("plan-expiry").Error().Err(err).Msg("listing active plans failed")
		return
	}

	for _, p := range plans {
		if p.Phase != types.PhaseVerification {
			continue
		}
		updated, expired, err := planMgr.ExpireIfOverdue(p.PlanID, now)
		if err != nil {
			log.WithPlanID(p.PlanID).Error().Err(err).Msg("plan expiry check failed")
			continue
		}
		if !expired {
			continue
		}

		log.WithPlanID(p.PlanID).Warn().Str("provider_id", p.ProviderID).Msg("verification plan expired with unfinished tasks")
		metrics.PlanTransitions.WithLabelValues(string(updated.Phase), string(updated.Status)).Inc()

		deliveryBuf.PushCancel(updated.PlanID)

		evt := planbus.PlanEvent(planbus.EventPlanExpired, updated, "plan expired with unfinished tasks")
		evt.Judgment = updated.Result
		bus.Publish(evt)
	}
}

// runGenerator runs one generation tick for every provider against the
// task definitions enabled for phase, pushing the resulting assignments
// onto the delivery buffer.
func runGenerator(
	store storage.Store,
	gen *generator.Generator,
	matcher generator.WorkerMatcher,
	catalog *taskconfig.Catalog,
	resultCache *cache.Cache,
	deliveryBuf *assignment.Buffer,
	phase types.Phase,
) {
	now := time.Now()
	defs := catalog.EnabledFor(phase)

	providers, err := store.ListProviders()
	if err != nil {
		log.WithComponent("generator").Error().Err(err).Msg("listing providers failed")
		return
	}

	plans, err := store.ListActivePlans()
	if err != nil {
		log.WithComponent("generator").Error().Err(err).Msg("listing active plans failed")
		return
	}
	planByProvider := make(map[string]*types.Plan, len(plans))
	for _, p := range plans {
		if p.Phase == phase {
			planByProvider[p.ProviderID] = p
		}
	}

	for _, p := range providers {
		pl, ok := planByProvider[p.ProviderID]
		if !ok {
			continue
		}
		buf, err := gen.ApplyWithCache(defs, pl, p, phase, matcher, resultCache, now)
		if err != nil {
			log.WithProviderID(p.ProviderID).Error().Err(err).Msg("task generation failed")
			continue
		}
		for _, job := range buf.Jobs {
			if err := store.SaveJob(job); err != nil {
				log.WithProviderID(p.ProviderID).Error().Err(err).Msg("saving job failed")
			}
		}
		deliveryBuf.Push(buf.Assignments...)
	}
}
