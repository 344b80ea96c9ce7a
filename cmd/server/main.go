package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/api"
	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/capture"
	"github.com/shehryarbajwa/browser-pilot/internal/config"
	"github.com/shehryarbajwa/browser-pilot/internal/events"
	"github.com/shehryarbajwa/browser-pilot/internal/llm"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/internal/pilot"
	"github.com/shehryarbajwa/browser-pilot/internal/ratelimit"
	"github.com/shehryarbajwa/browser-pilot/internal/session"
	"github.com/shehryarbajwa/browser-pilot/internal/stream"
	"github.com/shehryarbajwa/browser-pilot/internal/task"
)

func main() {
	configPath := flag.String("config", os.Getenv("PILOT_CONFIG"), "path to a YAML config file")
	autostart := flag.Bool("autostart", false, "start the default browser session on boot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *autostart); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(cfg config.Config, logger *zap.Logger, autostart bool) error {
	logger.Info("starting browser pilot", zap.String("addr", cfg.Server.Addr), zap.Bool("remote", cfg.Browser.Remote))
	m := metrics.New()

	// Browser launcher, optionally backed by docker containers
	var pool *browser.ContainerPool
	if cfg.Browser.Remote {
		var err error
		pool, err = browser.NewContainerPool(cfg.Browser.Image, logger)
		if err != nil {
			return fmt.Errorf("failed to create container pool: %w", err)
		}
		defer pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err = pool.EnsureImage(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure browser image: %w", err)
		}
		logger.Info("browser image ready", zap.String("image", cfg.Browser.Image))
	}

	launcher := browser.NewPlaywrightLauncher(browser.PlaywrightConfig{
		Headless:       cfg.Browser.Headless,
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.Width,
		ViewportHeight: cfg.Browser.Height,
		Locale:         cfg.Browser.Locale,
		Timezone:       cfg.Browser.Timezone,
		Stealth:        cfg.Navigation.Stealth,
		NavTimeout:     cfg.Navigation.AttemptTimeout,
		Remote:         cfg.Browser.Remote,
		SkipInstall:    cfg.Browser.SkipInstall,
	}, pool, logger)
	if err := launcher.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize playwright: %w", err)
	}
	defer func() {
		if err := launcher.Shutdown(); err != nil {
			logger.Warn("playwright shutdown failed", zap.Error(err))
		}
	}()

	registry := session.NewManager(launcher, session.Config{
		IdleTimeout:  cfg.Session.IdleTimeout,
		ReapInterval: cfg.Session.ReapInterval,
		ProbeTimeout: cfg.Session.ProbeTimeout,
		MaxSessions:  cfg.Session.MaxSessions,
	}, logger, m)

	bus := events.NewBus(logger, m)

	var behavior *navigation.Behavior
	if cfg.Navigation.HumanBehavior {
		behavior = navigation.DefaultBehavior()
	}
	nav := navigation.New(navigation.Options{
		Behavior:       behavior,
		Stealth:        cfg.Navigation.Stealth,
		AttemptTimeout: cfg.Navigation.AttemptTimeout,
	}, logger, m)

	var completer llm.Completer
	if cfg.LLM.Enabled() {
		c, err := llm.NewOpenAICompleter(cfg.LLM, logger)
		if err != nil {
			return fmt.Errorf("failed to create model client: %w", err)
		}
		completer = c
		logger.Info("model-assisted planning enabled", zap.String("model", cfg.LLM.Model))
	}

	parser := task.NewParser(task.ParserConfig{
		ModelMinLength: cfg.Parser.ModelMinLength,
		MaxSubtasks:    cfg.Parser.MaxSubtasks,
		MaxModelSteps:  cfg.Parser.MaxModelSteps,
		ModelTimeout:   cfg.Parser.ModelTimeout,
		SearchEngine:   cfg.Parser.SearchEngine,
	}, completer, logger, m)

	executor := task.NewExecutor(task.ExecutorConfig{
		PlanTimeout:   cfg.Executor.PlanTimeout,
		StepBudget:    cfg.Executor.StepBudget,
		MaxSteps:      cfg.Executor.MaxSteps,
		FailFastAfter: cfg.Executor.FailFastAfter,
		Screenshots:   cfg.Executor.Screenshots,
	}, nav, bus, logger, m)

	store, err := capture.NewStore(cfg.Capture.RecordingsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open recording store: %w", err)
	}
	recorder := capture.NewRecorder(store, cfg.Capture.CheckpointEvery, logger)
	loop := capture.NewLoop(cfg.Capture.Interval, recorder, bus, logger, m)

	p, err := pilot.New(pilot.Config{
		SessionID: cfg.Pilot.SessionID,
		QueueSize: cfg.Pilot.QueueSize,
		StartURL:  cfg.Pilot.StartURL,
		Capture:   cfg.Capture.Enabled,
	}, pilot.Deps{
		Registry:  registry,
		Navigator: nav,
		Parser:    parser,
		Executor:  executor,
		Chains:    task.NewChains(logger),
		Loop:      loop,
		Recorder:  recorder,
		Bus:       bus,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create browser facade: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.Start(ctx)

	limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	go pruneLimiter(ctx, limiter)

	handler := api.NewHandler(p, logger)
	router := handler.SetupRoutes(stream.NewServer(bus, logger), m.Handler(), limiter)
	srv := api.NewServer(cfg.Server.Addr, router, api.ServerTimeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
		Idle:  cfg.Server.IdleTimeout,
	}, logger)

	if autostart {
		if res := p.Start(ctx); !res.Success {
			logger.Warn("autostart failed", zap.String("error", res.Error))
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("browser shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// pruneLimiter drops rate limit state for clients idle over an hour
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Hour)
		}
	}
}
