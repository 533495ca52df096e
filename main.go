package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"risk-gated-trader/config"
	"risk-gated-trader/internal/ai/predictor"
	"risk-gated-trader/internal/ai/review"
	"risk-gated-trader/internal/api"
	"risk-gated-trader/internal/auth"
	"risk-gated-trader/internal/broker"
	"risk-gated-trader/internal/calendar"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/clock"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/database"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/engine"
	"risk-gated-trader/internal/events"
	"risk-gated-trader/internal/feed"
	"risk-gated-trader/internal/gate"
	"risk-gated-trader/internal/instrument"
	"risk-gated-trader/internal/logging"
	"risk-gated-trader/internal/market"
	"risk-gated-trader/internal/notification"
	"risk-gated-trader/internal/pacing"
	"risk-gated-trader/internal/queue"
	"risk-gated-trader/internal/risk"
	"risk-gated-trader/internal/scanner"
	"risk-gated-trader/internal/store"
	"risk-gated-trader/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	writeConfig := flag.String("write-config", "", "write a sample config to this path and exit")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of an operator password and exit")
	resetCompliance := flag.Float64("reset-compliance", 0, "start a new compliance period at this balance, clearing a persisted halt")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword, auth.DefaultBcryptCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if *writeConfig != "" {
		if err := config.WriteSample(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample config written to %s\n", *writeConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *resetCompliance, logger); err != nil {
		logger.Error().Err(err).Msg("Trader exited with error")
		closer.Close()
		os.Exit(1)
	}
	logger.Info().Msg("Trader stopped")
}

func run(ctx context.Context, cfg *config.Config, resetBalance float64, logger zerolog.Logger) error {
	// Secrets from Vault take precedence over file and env values
	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		if err := vc.Health(ctx); err != nil {
			return err
		}
		secrets, err := vc.Secrets(ctx)
		if err != nil {
			return fmt.Errorf("vault secrets: %w", err)
		}
		cfg.ApplySecrets(secrets)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger.Info().Str("address", cfg.Vault.Address).Msg("Secrets loaded from Vault")
	}

	loc := cfg.Location()
	clk := clock.NewVenue(clock.NewSystem(), loc)
	registry := instrument.NewRegistry(cfg.Instruments...)
	bus := events.NewEventBus()

	// Market data
	agg := market.NewAggregator(cfg.Timeframes(), cfg.Scanner.MaxCandles)
	signals := scanner.NewSignalCache(time.Duration(cfg.Scanner.SignalTTLSecs)*time.Second, clk)

	breaker := circuit.NewCircuitBreaker(cfg.CircuitBreaker, registry, logger)

	var (
		tickFeed engine.Feed
		fc       *feed.Client
	)
	if cfg.Feed.URL != "" {
		fc = feed.NewClient(cfg.FeedSettings(), logger)
		fc.OnTick(func(t feed.Tick) {
			mid := t.Mid()
			agg.Ingest(t.Symbol, mid, t.Volume, t.Time)
			breaker.RecordPrice(t.Symbol, mid, t.Time)
		})
		tickFeed = fc
	} else {
		logger.Warn().Msg("No feed URL configured, scanners will see no prices")
	}

	// Persistence
	stateStore := store.NewStateStore(store.NewClient(cfg.Redis), cfg.Redis.KeyPrefix, logger)
	defer stateStore.Close()
	logger.Info().Bool("redis", stateStore.IsRedisAvailable()).Msg("State store ready")

	var calEvents []calendar.Event
	if cfg.Calendar.EventsFile != "" {
		events, err := calendar.LoadFile(cfg.Calendar.EventsFile)
		if err != nil {
			return err
		}
		calEvents = events
		logger.Info().Int("events", len(events)).Str("file", cfg.Calendar.EventsFile).Msg("Economic calendar loaded")
	}

	var (
		journal   engine.Journal
		decisions api.DecisionReader
		calSource calendar.Source = calendar.NewStatic(calEvents...)
	)
	if cfg.Database.Enabled {
		db, err := database.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		j := database.NewJournal(db)
		journal = j
		decisions = j
		repo := database.NewCalendarRepository(db)
		if err := repo.UpsertEvents(ctx, calEvents); err != nil {
			return fmt.Errorf("calendar: %w", err)
		}
		calSource = repo
	} else {
		logger.Warn().Msg("Database disabled, decisions are not journaled and the news calendar is empty")
	}

	// Compliance, restored across restarts so a halted day stays halted
	comp := compliance.NewValidator(cfg.Compliance, cfg.Paper.StartingBalance, clk.Now(), loc)
	if st, ok, err := stateStore.LoadCompliance(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load compliance state")
	} else if ok {
		comp.Restore(st)
		logger.Info().Str("status", string(st.Status)).Msg("Compliance state restored")
	}
	if resetBalance > 0 {
		prev := comp.Evaluate().Status
		comp.Reset(resetBalance, clk.Now())
		if err := stateStore.SaveCompliance(ctx, comp.Snapshot()); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist compliance reset")
		}
		logger.Warn().
			Str("previous_status", string(prev)).
			Float64("starting_balance", resetBalance).
			Msg("Compliance period reset at startup")
	}
	if st, ok, err := stateStore.LoadBreaker(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load breaker state")
	} else if ok {
		breaker.Restore(st)
	}

	// Execution
	paper := broker.NewPaper(cfg.Paper, agg, registry, clk)
	guarded := broker.NewGuarded(paper, cfg.GuardConfig(), logger)

	structure := market.StructureReader{
		Agg:       agg,
		Timeframe: market.Timeframe(cfg.Scanner.StructureTimeframe),
		Config:    market.DefaultStructureConfig(),
	}
	monitor := risk.NewPositionMonitor(cfg.MonitorConfig(), registry, agg, structure, signals, clk, logger)
	if positions, err := stateStore.LoadPositions(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load positions")
	} else {
		for _, pos := range positions {
			if err := monitor.Register(pos); err != nil {
				logger.Warn().Err(err).Str("ticket", pos.ID).Msg("Failed to restore position")
			}
		}
	}

	var pred predictor.Predictor = predictor.NewHeuristic(cfg.Predictor.Heuristic)
	if cfg.Predictor.BaseURL != "" {
		pred = predictor.NewClient(cfg.PredictorClientConfig())
		logger.Info().Str("url", cfg.Predictor.BaseURL).Msg("Using remote predictor")
	}

	var reviewer review.Reviewer
	if cfg.Review.Enabled {
		llm := review.NewLLMReviewer(cfg.ReviewClientConfig())
		if !llm.IsConfigured() {
			return errors.New("review enabled but no API key configured")
		}
		reviewer = llm
		logger.Info().Str("provider", string(cfg.Review.Provider)).Msg("Secondary review enabled")
	}

	q := queue.New()
	var scanners []*scanner.TierScanner
	for _, sc := range cfg.ScannerConfigs() {
		scanners = append(scanners, scanner.NewTierScanner(sc, agg, pred, q, signals, clk, logger))
	}

	execGate := gate.NewExecutionGate(cfg.Gate, breaker, comp, calSource, registry, loc, logger)

	loop := engine.NewDecisionLoop(cfg.DecisionConfig(), engine.Deps{
		Broker:     guarded,
		Queue:      q,
		Compliance: comp,
		Breaker:    breaker,
		Pacing:     pacing.NewController(cfg.Pacing),
		Gate:       execGate,
		Monitor:    monitor,
		Reviewer:   reviewer,
		Registry:   registry,
		Clock:      clk,
		Bus:        bus,
		Journal:    journal,
		Store:      stateStore,
	}, logger)

	eng := engine.New(engine.Components{
		Scanners:   scanners,
		Monitor:    monitor,
		Breaker:    breaker,
		Compliance: comp,
		Decision:   loop,
		Queue:      q,
		Signals:    signals,
		Broker:     guarded,
		Feed:       tickFeed,
		Bus:        bus,
		Clock:      clk,
	}, logger)

	notifier := notification.NewManagerFromConfig(cfg.NotificationSettings(), logger)
	if notifier.Enabled() {
		notifier.Subscribe(bus, cfg.Notification.TradeAlerts)
	}

	bus.Subscribe(events.EventComplianceChanged, func(e events.Event) {
		if to, _ := e.Data["to"].(string); to == string(compliance.StatusDisqualified) {
			logger.Error().Interface("reasons", e.Data["reasons"]).Msg("Account disqualified")
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		// the API stays up through a compliance halt so an operator can reset it
		g.Go(func() error { return eng.Serve(gctx) })
	} else {
		g.Go(func() error { return eng.Run(gctx) })
	}
	if cfg.Redis.Enabled {
		g.Go(func() error { return watchRedis(gctx, stateStore, clk, logger) })
	}

	if cfg.API.Enabled {
		srv, err := api.NewServer(cfg.ServerConfig(), eng, decisions, bus, logger)
		if err != nil {
			return err
		}
		srv.AddDiagnostics("breaker", func() interface{} { return breaker.GetStats() })
		srv.AddDiagnostics("broker", func() interface{} {
			return map[string]interface{}{"connected": guarded.Connected(), "last_success": guarded.LastSuccess()}
		})
		srv.AddDiagnostics("state_store", func() interface{} {
			return map[string]interface{}{"redis_available": stateStore.IsRedisAvailable()}
		})
		if fc != nil {
			srv.AddDiagnostics("feed", func() interface{} { return fc.Stats() })
		}
		g.Go(func() error { return srv.Start(gctx) })
	}

	logger.Info().
		Bool("dry_run", cfg.Decision.DryRun).
		Strs("symbols", cfg.Symbols()).
		Str("timezone", loc.String()).
		Msg("Trader started")

	err := g.Wait()
	if err != nil && domain.IsFatal(err) {
		return fmt.Errorf("trading halted: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchRedis re-checks Redis so persistence resumes after an outage
func watchRedis(ctx context.Context, st *store.StateStore, clk clock.Clock, logger zerolog.Logger) error {
	for clock.Sleep(clk, 30*time.Second, ctx.Done()) {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := st.CheckConnection(pctx); err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, state kept in memory")
		}
		cancel()
	}
	return nil
}
