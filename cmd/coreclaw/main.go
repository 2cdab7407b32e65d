// Command coreclaw runs the chat-agent runtime: durable message bus,
// conversation router, scheduler, heartbeat, isolated tool workers, and the
// CLI/webhook channels, all over a single local SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/coreclaw/coreclaw/internal/agent"
	"github.com/coreclaw/coreclaw/internal/audit"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/channels"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/heartbeat"
	"github.com/coreclaw/coreclaw/internal/isolated"
	"github.com/coreclaw/coreclaw/internal/mcp"
	"github.com/coreclaw/coreclaw/internal/observability"
	"github.com/coreclaw/coreclaw/internal/policy"
	"github.com/coreclaw/coreclaw/internal/prompt"
	"github.com/coreclaw/coreclaw/internal/router"
	"github.com/coreclaw/coreclaw/internal/scheduler"
	"github.com/coreclaw/coreclaw/internal/skills"
	"github.com/coreclaw/coreclaw/internal/storage"
	"github.com/coreclaw/coreclaw/internal/telemetry"
	"github.com/coreclaw/coreclaw/internal/tools"
	"github.com/coreclaw/coreclaw/internal/workspace"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	// Re-exec'd isolated workers short-circuit before any wiring.
	if len(os.Args) > 1 && os.Args[1] == isolated.WorkerArg {
		if err := isolated.RunWorker(os.Stdin, os.Stdout); err != nil {
			os.Exit(1)
		}
		return
	}

	_ = godotenv.Load()

	configPath := flag.String("config", "coreclaw.json", "path to the JSON config file")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Parse()

	if err := run(*configPath, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "coreclaw:", err)
		os.Exit(1)
	}
}

func run(configPath string, quiet bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("coreclaw starting",
		"version", Version,
		"config", cfg.Fingerprint(),
		"profile", cfg.SecurityProfile,
		"workspace", cfg.WorkspaceDir,
		"sqlite", cfg.SQLitePath,
	)

	store, err := storage.Open(cfg.SQLitePath, filepath.Join(cfg.DataDir, "backups"))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if version, err := store.SchemaVersion(ctx); err == nil {
		logger.Info("storage ready", "schema_version", version)
	}

	ws, err := workspace.New(cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	skillIndex, err := skills.NewIndex(filepath.Join(ws.Root(), "skills"))
	if err != nil {
		return err
	}
	skillWatcher := skills.NewWatcher(skillIndex, logger)

	recorder, err := audit.NewRecorder(store, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer recorder.Close()

	messageBus := bus.New(store, cfg.Bus, logger)
	messageBus.OnDeadLetter(func(ctx context.Context, direction, messageID, reason string) {
		recorder.Record(ctx, audit.KindError, "", storage.AuditError,
			fmt.Sprintf("bus %s record %s dead-lettered: %s", direction, messageID, reason), nil)
	})
	metrics := observability.NewMetrics(messageBus)

	policyEngine := policy.NewEngine(cfg)
	bootstrap := policy.NewBootstrap(store, cfg)
	isolatedRuntime := isolated.NewRuntime(cfg.Isolation, cfg.AllowedEnv, logger)

	registry := tools.NewRegistry(policyEngine, recorder, cfg.MaxToolOutputChars, metrics, logger)
	tools.RegisterBuiltins(registry, isolatedRuntime, cfg)
	tools.RegisterMCP(ctx, registry, mcp.NewRegistry(), metrics, logger)

	provider, err := agent.NewHTTPProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("init provider: %w", err)
	}
	runtime := agent.NewRuntime(provider, registry,
		cfg.Provider.Model, cfg.Provider.Temperature, cfg.MaxToolIterations, logger)

	heartbeatSource := heartbeat.New(heartbeat.Config{
		Store:        store,
		Bus:          messageBus,
		Logger:       logger,
		WorkspaceDir: ws.Root(),
		Settings:     cfg.Heartbeat,
	})

	builder := prompt.NewBuilder(store, ws, skillIndex, cfg)

	toolCtx := func(chat storage.Chat) *tools.Context {
		return &tools.Context{
			Chat:       chat,
			Store:      store,
			Bus:        messageBus,
			DeadLetter: messageBus,
			Workspace:  ws,
			Skills:     skillIndex,
			Bootstrap:  bootstrap,
		}
	}

	conversationRouter := router.New(router.Config{
		Store:     store,
		Bus:       messageBus,
		Builder:   builder,
		Runtime:   runtime,
		Heartbeat: heartbeatSource,
		Tools:     toolCtx,
		Logger:    logger,
		Settings:  cfg,
	})

	dispatcher := channels.NewDispatcher(logger)
	messageBus.Subscribe(storage.DirectionInbound, conversationRouter.HandleInbound)
	messageBus.Subscribe(storage.DirectionOutbound, dispatcher.HandleOutbound)

	cli := channels.NewCLI(messageBus, os.Stdin, os.Stdout, stop, logger)
	dispatcher.Register(cli)

	webhook := channels.NewWebhook(messageBus, cfg.Webhook, logger)
	dispatcher.Register(webhook)

	taskScheduler := scheduler.New(scheduler.Config{
		Store:      store,
		Bus:        messageBus,
		Logger:     logger,
		Tick:       time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
		OnDispatch: metrics.SchedulerDispatch,
	})

	obsServer := observability.NewServer(metrics, cfg.Observability.HTTP, logger)
	sloChecker := observability.NewSLOChecker(metrics, cfg.SLO, logger)

	// Startup, leaves first; teardown runs in reverse.
	if err := skillWatcher.Start(ctx); err != nil {
		logger.Warn("skills watcher disabled", "error", err)
	}
	if err := messageBus.Start(ctx); err != nil {
		return err
	}
	taskScheduler.Start(ctx)
	heartbeatSource.Start(ctx)
	if err := webhook.Start(ctx); err != nil {
		return err
	}
	if err := obsServer.Start(ctx); err != nil {
		return err
	}
	sloChecker.Start(ctx)
	if isatty.IsTerminal(os.Stdin.Fd()) || !cfg.Webhook.Enabled {
		cli.Start(ctx)
	}
	obsServer.SetReady(true)

	// Retention pass: terminal queue records are kept for a week; ledger
	// rows for a day, well past the processing timeout late retries need.
	var maintenance sync.WaitGroup
	maintenance.Add(1)
	go func() {
		defer maintenance.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := store.PruneTerminalQueueRecords(ctx, time.Now().Add(-7*24*time.Hour)); err == nil && n > 0 {
					logger.Info("pruned terminal queue records", "count", n)
				}
				if n, err := store.PruneInboundExecutions(ctx, time.Now().Add(-24*time.Hour)); err == nil && n > 0 {
					logger.Info("pruned inbound executions", "count", n)
				}
			}
		}
	}()

	logger.Info("coreclaw ready")
	<-ctx.Done()
	logger.Info("coreclaw shutting down")

	maintenance.Wait()
	cli.Stop()
	sloChecker.Stop()
	obsServer.Stop()
	webhook.Stop()
	heartbeatSource.Stop()
	taskScheduler.Stop()
	messageBus.Stop()
	conversationRouter.Wait()
	skillWatcher.Stop()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
