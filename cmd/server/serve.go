package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-incident/internal/agent"
	"github.com/kubilitics/kubilitics-incident/internal/audit"
	"github.com/kubilitics/kubilitics-incident/internal/config"
	"github.com/kubilitics/kubilitics-incident/internal/db"
	"github.com/kubilitics/kubilitics-incident/internal/dispatch"
	"github.com/kubilitics/kubilitics-incident/internal/gateway"
	"github.com/kubilitics/kubilitics-incident/internal/intake"
	"github.com/kubilitics/kubilitics-incident/internal/integration/alertmanager"
	llmopenai "github.com/kubilitics/kubilitics-incident/internal/llm/openai"
	"github.com/kubilitics/kubilitics-incident/internal/logging"
	mcpclient "github.com/kubilitics/kubilitics-incident/internal/mcp/client"
	"github.com/kubilitics/kubilitics-incident/internal/models"
	"github.com/kubilitics/kubilitics-incident/internal/observability"
	"github.com/kubilitics/kubilitics-incident/internal/publisher"
	"github.com/kubilitics/kubilitics-incident/internal/server"
	"github.com/kubilitics/kubilitics-incident/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, mgr, err := loadConfiguration(ctx, opts.ConfigPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return serve(ctx, cfg, mgr, opts.ConfigPath)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	return cmd
}

// app is the wired orchestrator.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	auditLog  audit.Logger
	store     db.Store
	gateway   *gateway.Gateway
	dispatch  *dispatch.Dispatcher
	executor  *workflow.Executor
	publisher *publisher.Publisher
	intake    *intake.Deduplicator
	server    *server.Server
	providers []mcpclient.Provider
}

// newApp wires every component from configuration. Nothing is started.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	auditCfg := audit.DefaultConfig()
	auditCfg.AuditLogPath = cfg.Logging.AuditLogPath
	auditCfg.MaxSize = cfg.Logging.MaxSizeMB
	auditCfg.MaxBackups = cfg.Logging.MaxBackups
	auditCfg.MaxAge = cfg.Logging.MaxAgeDays
	auditCfg.Compress = cfg.Logging.Compress
	auditLog, err := audit.NewLogger(auditCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	a.auditLog = auditLog

	store, err := db.Open(cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Type, err)
	}
	a.store = store

	// Tool gateway with every enabled diagnostic provider.
	a.gateway = gateway.New(gateway.Config{
		CallTimeout:     cfg.Gateway.CallTimeout,
		MaxAttempts:     cfg.Gateway.MaxAttempts,
		InitialBackoff:  cfg.Gateway.InitialBackoff,
		MaxBackoff:      cfg.Gateway.MaxBackoff,
		BreakerFailures: cfg.Gateway.BreakerFailures,
		BreakerCooldown: cfg.Gateway.BreakerCooldown,
		RateLimit:       cfg.Gateway.RateLimit,
		RateBurst:       cfg.Gateway.RateBurst,
		MaxOutputBytes:  cfg.Gateway.MaxOutputBytes,
		CatalogTTL:      cfg.Gateway.CatalogTTL,
	}, logger, auditLog)
	providers, err := mcpclient.FromConfig(cfg.Providers, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.providers = providers
	for _, p := range providers {
		a.gateway.Register(p.Client, p.AllowedTools)
	}

	// Reasoning loop over the OpenAI-compatible backend.
	backend := llmopenai.New(llmopenai.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	loop := agent.NewLoop(backend, a.gateway, agent.Config{
		MaxIterations:     cfg.Workflow.MaxIterations,
		BackendRetries:    cfg.Workflow.BackendRetries,
		BackendBackoff:    cfg.Workflow.BackendBackoff,
		BackendMaxBackoff: cfg.Workflow.BackendMaxBackoff,
		ResolvedGrace:     cfg.Workflow.ResolvedGrace,
	}, logger)

	dests, err := publisher.FromConfig(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.publisher = publisher.New(publisher.Config{
		MaxAttempts:    cfg.Publisher.MaxAttempts,
		InitialBackoff: cfg.Publisher.InitialBackoff,
		MaxBackoff:     cfg.Publisher.MaxBackoff,
	}, dests, store, auditLog, logger)

	a.dispatch = dispatch.New(store, nil, cfg.Workflow.MaxDuration, logger)
	a.executor = workflow.New(workflow.Config{
		Workers:          cfg.Workflow.Workers,
		QueueSize:        cfg.Workflow.QueueSize,
		WatchdogInterval: cfg.Workflow.WatchdogInterval,
	}, store, a.dispatch, loop, a.gateway, a.publisher, auditLog, logger)
	a.dispatch.Attach(a.executor)

	prompts, err := intake.LoadPrompts(cfg.Intake.PromptsFile, cfg.Intake.Prompts, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.intake = intake.New(store, a.dispatch, intake.Options{
		IgnoredLabels: cfg.Intake.IgnoredLabels,
		Include:       cfg.Intake.Include,
		Exclude:       cfg.Intake.Exclude,
		Prompts:       prompts,
	}, auditLog, logger)

	a.server, err = server.NewServer(cfg, server.Deps{
		Intake:    a.intake,
		Canceller: a.dispatch,
		Events:    a.executor,
		Store:     store,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// restore snapshots the reports still awaiting delivery and then resumes
// unfinished runs. The snapshot is taken first so runs finished by the
// resumed executor are never redelivered a second time.
func (a *app) restore(ctx context.Context) ([]*models.WorkflowRun, error) {
	pending, err := a.publisher.Undelivered(ctx)
	if err != nil {
		a.logger.Warn("failed to list undelivered reports", zap.Error(err))
		pending = nil
	}
	resumed, err := a.executor.Resume(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("recovery finished",
		zap.Int("resumed_runs", resumed),
		zap.Int("undelivered_reports", len(pending)),
	)
	return pending, nil
}

// catchUp re-publishes interrupted deliveries and reconciles with
// Alertmanager. It runs after the API is serving.
func (a *app) catchUp(ctx context.Context, pending []*models.WorkflowRun) {
	if len(pending) > 0 {
		n, err := a.publisher.RedeliverRuns(ctx, pending)
		if err != nil {
			a.logger.Warn("report redelivery failed", zap.Error(err))
		}
		a.logger.Info("redelivery finished", zap.Int("redelivered_reports", n))
	}

	if a.cfg.Alertmanager.URL != "" && a.cfg.Intake.ReconcileOnStart {
		am := alertmanager.NewClient(a.cfg.Alertmanager.URL, a.cfg.Alertmanager.Timeout, a.logger)
		if _, err := am.Reconcile(ctx, alertmanager.AdmitterFunc(a.admitEvent)); err != nil {
			a.logger.Warn("alertmanager reconciliation failed", zap.Error(err))
		}
	}
}

func (a *app) admitEvent(ctx context.Context, ev *models.IncidentEvent) (string, error) {
	adm, err := a.intake.Admit(ctx, ev)
	if err != nil {
		return "", err
	}
	return string(adm.Decision), nil
}

// watchRules applies intake filter rule changes from the config file.
func (a *app) watchRules(ctx context.Context, mgr config.ConfigManager) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			a.intake.SetRules(cfg.Intake.Include, cfg.Intake.Exclude)
			_ = a.auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReload).
				WithAction("intake_rules").
				WithResult(audit.ResultSuccess).
				WithMetadata("include", cfg.Intake.Include).
				WithMetadata("exclude", cfg.Intake.Exclude))
		}
	}
}

func (a *app) close() {
	for _, p := range a.providers {
		if c, ok := p.Client.(io.Closer); ok {
			_ = c.Close()
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.auditLog != nil {
		_ = a.auditLog.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, mgr config.ConfigManager, configPath string) error {
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting kubilitics-incident",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("port", cfg.Server.Port),
		zap.Int("providers", len(cfg.Providers)),
		zap.String("model", cfg.LLM.Model),
	)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		Endpoint:     cfg.Tracing.Endpoint,
		ServiceName:  cfg.Tracing.ServiceName,
		Version:      version,
		SamplingRate: cfg.Tracing.SamplingRate,
	}, logger)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.gateway.Refresh(ctx); err != nil {
		logger.Warn("initial catalog discovery incomplete", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.executor.Run(gctx) })
	pending, err := a.restore(gctx)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(configPath); statErr == nil {
		g.Go(func() error {
			a.watchRules(gctx, mgr)
			return nil
		})
	}

	if err := a.server.Start(); err != nil {
		return err
	}
	logger.Info("orchestrator ready")
	g.Go(func() error {
		a.catchUp(gctx, pending)
		return nil
	})
	_ = a.auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithResult(audit.ResultSuccess).
		WithMetadata("version", version).
		WithMetadata("port", cfg.Server.Port))

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("executor stopped with error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}
	_ = a.auditLog.Log(shutdownCtx, audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	logger.Info("shutdown complete")
	return nil
}
