// Command journeybuilder runs multi-stage research synthesis for a
// subject + market pair, resuming interrupted runs from their last
// checkpoint.
//
// Usage:
//
//	journeybuilder run -subject "chronic urticaria" -market Sweden [-city Stockholm]
//	journeybuilder status -subject "chronic urticaria" -market Sweden
//	journeybuilder sessions
//	journeybuilder export -subject "chronic urticaria" -market Sweden
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pathfindlabs/journeybuilder/internal/budget"
	"github.com/pathfindlabs/journeybuilder/internal/circuitbreaker"
	"github.com/pathfindlabs/journeybuilder/internal/config"
	"github.com/pathfindlabs/journeybuilder/internal/export"
	"github.com/pathfindlabs/journeybuilder/internal/gateway"
	"github.com/pathfindlabs/journeybuilder/internal/ledger"
	"github.com/pathfindlabs/journeybuilder/internal/models"
	"github.com/pathfindlabs/journeybuilder/internal/orchestrator"
	"github.com/pathfindlabs/journeybuilder/internal/pricing"
	"github.com/pathfindlabs/journeybuilder/internal/resilience"
	"github.com/pathfindlabs/journeybuilder/internal/stagespec"
	"github.com/pathfindlabs/journeybuilder/internal/store"
	"github.com/pathfindlabs/journeybuilder/internal/synthesis"
	"github.com/pathfindlabs/journeybuilder/internal/tracing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "sessions":
		err = cmdSessions(os.Args[2:])
	case "export":
		err = cmdExport(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `journeybuilder - resilient multi-stage research synthesis

Commands:
  run       execute (or resume) a research run
  status    show per-stage progress for a run
  sessions  list persisted runs
  export    re-render the JSON and markdown deliverables for a run

Run 'journeybuilder <command> -h' for command flags.
`)
}

type runFlags struct {
	subject    string
	market     string
	city       string
	toStage    int
	strict     bool
	noCache    bool
	dryRun     bool
	configPath string
}

func parseRunFlags(args []string) (runFlags, error) {
	var rf runFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&rf.subject, "subject", "", "research subject (required)")
	fs.StringVar(&rf.market, "market", "", "target market, e.g. Sweden (required)")
	fs.StringVar(&rf.city, "city", "", "optional city for localized queries")
	fs.IntVar(&rf.toStage, "to-stage", 0, "stop after this stage ordinal (0 = all)")
	fs.BoolVar(&rf.strict, "strict", false, "abort on validation gaps instead of accepting them")
	fs.BoolVar(&rf.noCache, "no-cache", false, "bypass the acquisition cache")
	fs.BoolVar(&rf.dryRun, "dry-run", false, "print the stage plan without executing")
	fs.StringVar(&rf.configPath, "config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return rf, err
	}
	if rf.subject == "" || rf.market == "" {
		return rf, errors.New("both -subject and -market are required")
	}
	return rf, nil
}

func cmdRun(args []string) error {
	rf, err := parseRunFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return err
	}
	if rf.strict {
		cfg.Validation.Strict = true
	}
	if rf.noCache {
		cfg.Cache.Backend = "none"
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	specs, err := stagespec.Load(cfg.Stages.Path, logger)
	if err != nil {
		return err
	}

	if rf.dryRun {
		printPlan(specs, rf, cfg)
		return nil
	}

	if cfg.Search.APIKey == "" {
		return errors.New("SEARCH_API_KEY is not set")
	}
	if cfg.Synthesis.APIKey == "" {
		return errors.New("SYNTHESIS_API_KEY is not set")
	}

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Paths.SessionDir, logger)
	if err != nil {
		return err
	}
	key := store.RunKey(rf.subject, rf.market)
	run, err := st.LoadOrCreate(key, rf.subject, rf.market, rf.city)
	if err != nil {
		return err
	}

	var mirror *ledger.Mirror
	if cfg.Ledger.Driver != "" {
		mirror, err = ledger.Open(cfg.Ledger.Driver, cfg.Ledger.DSN, logger)
		if err != nil {
			logger.Warn("Ledger mirror unavailable, continuing without it", zap.Error(err))
		} else {
			defer mirror.Close()
		}
	}
	led := ledger.New(key, mirror, logger)

	rates, err := pricing.Load(cfg.Pricing.Path, logger)
	if err != nil {
		return err
	}

	cache, err := gateway.NewCache(cfg.Cache, logger)
	if err != nil {
		return err
	}

	searchInvoker := newInvoker(models.KindSearch, cfg, cfg.RateLimit.SearchBaseDelay, cfg.Search.Timeout, led, logger)
	fetchInvoker := newInvoker(models.KindFetch, cfg, cfg.RateLimit.FetchBaseDelay, cfg.Fetch.Timeout, led, logger)
	synthInvoker := newInvoker(models.KindSynthesis, cfg, cfg.RateLimit.SynthesisBaseDelay, cfg.Synthesis.Timeout, led, logger)

	gw := gateway.New(
		gateway.NewSearcher(cfg.Search, searchInvoker, cache, led, rates, logger),
		gateway.NewFetcher(cfg.Fetch, fetchInvoker, cache, led, logger),
		cfg.Search.TopToFetch,
		cfg.Acquire.Concurrency,
		logger,
	)

	orch := orchestrator.New(cfg, st, gw,
		budget.NewAllocator(cfg.Budget, logger),
		synthesis.NewClient(cfg.Synthesis, synthInvoker, rates, logger),
		synthesis.NewParser(logger),
		synthesis.NewValidator(cfg.Validation),
		led, specs, logger,
	)

	if err := orch.Execute(ctx, run, rf.toStage); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted; progress is checkpointed",
				zap.String("key", key),
			)
		}
		return err
	}

	summary := led.Summarize()
	fmt.Printf("Run %s finished: %.1f%% complete, $%.2f across %d invocations\n",
		key, run.Completeness, summary.TotalCostUSD, summary.InvocationCount)
	return nil
}

// newInvoker assembles the resilience stack for one invocation kind: an
// adaptive limiter, a circuit breaker, and the classified-retry policy.
func newInvoker(kind models.InvocationKind, cfg config.Config, baseDelay, timeout time.Duration, led *ledger.Ledger, logger *zap.Logger) *resilience.Invoker {
	limiter := resilience.NewAdaptiveLimiter(string(kind),
		baseDelay,
		cfg.RateLimit.MaxDelay,
		cfg.RateLimit.BackoffFactor,
		cfg.RateLimit.DecayAfter,
		logger,
	)
	breaker := circuitbreaker.New(string(kind), circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		MaxHalfOpen:      cfg.Breaker.MaxHalfOpen,
	}, logger)

	return resilience.NewInvoker(kind, resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseWait:    cfg.Retry.BaseWait,
		MaxWait:     cfg.Retry.MaxWait,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      0.2,
		Timeout:     timeout,
	}, limiter, breaker, led, logger)
}

func printPlan(specs *stagespec.Set, rf runFlags, cfg config.Config) {
	fmt.Printf("Plan for %q in %q (content budget %d units):\n\n",
		rf.subject, rf.market, cfg.Budget.ContentBudget())
	for _, sp := range specs.Stages {
		if rf.toStage > 0 && sp.Ordinal > rf.toStage {
			break
		}
		fmt.Printf("Stage %d: %s\n", sp.Ordinal, sp.Name)
		for _, q := range sp.ExpandQueries(rf.subject, rf.market, rf.city) {
			fmt.Printf("  search: %s\n", q)
		}
		fmt.Printf("  required tables: %v\n", sp.RequiredTables)
		fmt.Printf("  instruction units: ~%d\n\n",
			synthesis.EstimateUnits(sp.Instructions(rf.subject, rf.market), ""))
	}
}

func cmdStatus(args []string) error {
	var subject, market, configPath string
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.StringVar(&subject, "subject", "", "research subject (required)")
	fs.StringVar(&market, "market", "", "target market (required)")
	fs.StringVar(&configPath, "config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if subject == "" || market == "" {
		return errors.New("both -subject and -market are required")
	}

	_, st, err := loadStore(configPath)
	if err != nil {
		return err
	}

	run, err := st.LoadOrCreate(store.RunKey(subject, market), subject, market, "")
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s): %s, %.1f%% complete, $%.2f\n",
		run.Subject, run.Market, run.Status, run.Completeness, run.TotalCostUSD)
	for _, stage := range run.Stages {
		line := fmt.Sprintf("  stage %d %-24s %s", stage.Ordinal, stage.Name, stage.Status)
		if stage.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", stage.Attempts)
		}
		if stage.ErrorClass != "" {
			line += " [" + stage.ErrorClass + "]"
		}
		fmt.Println(line)
		for _, issue := range stage.Issues {
			fmt.Println("      -", issue)
		}
	}
	return nil
}

func cmdSessions(args []string) error {
	var configPath string
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, st, err := loadStore(configPath)
	if err != nil {
		return err
	}
	sessions, err := st.List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%-40s %-12s %6.1f%%  %s\n",
			s.Key, s.Status, s.Completeness, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func cmdExport(args []string) error {
	var subject, market, configPath string
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.StringVar(&subject, "subject", "", "research subject (required)")
	fs.StringVar(&market, "market", "", "target market (required)")
	fs.StringVar(&configPath, "config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if subject == "" || market == "" {
		return errors.New("both -subject and -market are required")
	}

	cfg, st, err := loadStore(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	key := store.RunKey(subject, market)
	run, err := st.LoadOrCreate(key, subject, market, "")
	if err != nil {
		return err
	}
	if len(run.Stages) == 0 {
		return fmt.Errorf("run %s has no stages to export", key)
	}

	summary := ledger.Summary{RunKey: key, TotalCostUSD: run.TotalCostUSD}
	if err := export.WriteAll(run, summary, cfg.Paths.OutputDir, logger); err != nil {
		return err
	}
	fmt.Printf("exported %s to %s\n", key, cfg.Paths.OutputDir)
	return nil
}

func loadStore(configPath string) (config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	st, err := store.New(cfg.Paths.SessionDir, zap.NewNop())
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, st, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics listener starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics listener: %v", err)
	}
}
