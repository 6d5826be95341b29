package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ashworth-labs/conductor/internal/budgettracker"
	"github.com/ashworth-labs/conductor/internal/config"
	"github.com/ashworth-labs/conductor/internal/crontrigger"
	"github.com/ashworth-labs/conductor/internal/heartbeat"
	"github.com/ashworth-labs/conductor/internal/ipcserver"
	"github.com/ashworth-labs/conductor/internal/logging"
	"github.com/ashworth-labs/conductor/internal/metrics"
	"github.com/ashworth-labs/conductor/internal/pipeline"
	"github.com/ashworth-labs/conductor/internal/pipelinestate"
	"github.com/ashworth-labs/conductor/internal/planexpand"
	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/runner"
	"github.com/ashworth-labs/conductor/internal/webhook"
	"github.com/ashworth-labs/conductor/internal/workqueue"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to the daemon config file (JSON or YAML)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, configFilePath string) error {
	cfg, err := config.Load(configFilePath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	budget := budgettracker.New(
		filepath.Join(cfg.StateDir, "budget.json"),
		cfg.Budget.MaxPromptsPerWindow,
		cfg.Budget.ReserveForInteractive,
		cfg.Budget.WindowHours,
	)
	queue := workqueue.New(filepath.Join(cfg.StateDir, "queue.json"))
	registry := projects.New(filepath.Join(cfg.StateDir, "projects.json"))
	states := pipelinestate.New()
	metricsReg := metrics.New()

	for _, p := range cfg.Projects {
		if _, err := registry.Register(p.Path, p.Name); err != nil {
			logger.Warn("project registration skipped", zap.String("path", p.Path), zap.Error(err))
		}
	}

	agentRunner := runner.NewExecRunner(cfg.AgentRunnerCommand)
	engine := pipeline.New(agentRunner, states, 3)

	runPipeline := func(ctx context.Context, spec heartbeat.RunSpec) (heartbeat.Outcome, error) {
		stages := []planexpand.Stage{{Agent: spec.Agent, Teams: spec.Mode == runner.ModeTeam}}
		result, err := engine.Run(ctx, spec.ProjectPath, spec.Task, stages)
		if err != nil {
			return heartbeat.Outcome{}, err
		}
		return heartbeat.Outcome{
			StandaloneStagesRun: result.StandaloneStagesRun,
			TeamStagesRun:       result.TeamStagesRun,
		}, nil
	}

	var bindings []heartbeat.TriggerBinding
	for _, tc := range cfg.Triggers {
		trig, err := crontrigger.New(tc.Name, tc.Schedule, filepath.Join(cfg.StateDir, "cron-"+crontrigger.SanitizeName(tc.Name)+".json"))
		if err != nil {
			return fmt.Errorf("configure trigger %q: %w", tc.Name, err)
		}
		projectPath := tc.Project
		if resolved, ok, err := registry.ResolveName(tc.Project); err == nil && ok {
			projectPath = resolved
		}
		bindings = append(bindings, heartbeat.TriggerBinding{
			Trigger:     trig,
			Name:        tc.Name,
			ProjectPath: projectPath,
			Agent:       tc.Agent,
			Task:        tc.Task,
			Mode:        tc.Mode,
		})
	}

	hb := &heartbeat.Heartbeat{
		Queue:       queue,
		Registry:    registry,
		States:      states,
		Triggers:    bindings,
		CanRun:      budget.CanRun,
		RecordUsage: budget.RecordUsage,
		RunPipeline: runPipeline,
		Remaining:   budget.Remaining,
		Logger:      logger,
		Metrics:     metricsReg,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(sigCtx)

	interval := time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	group.Go(func() error { return runTicker(gctx, hb, interval, logger) })

	if cfg.Webhook != nil {
		whServer := webhook.New(cfg.Webhook.GitHub.Secret, cfg.Webhook.GitHub.Events, func(item webhook.QueueItem) {
			if _, err := queue.Enqueue(workqueue.Item{
				TriggerName: item.TriggerName,
				ProjectPath: item.ProjectPath,
				Agent:       item.Agent,
				Task:        item.Task,
				Mode:        item.Mode,
			}); err != nil {
				logger.Warn("webhook enqueue failed", zap.Error(err))
			}
		}, webhook.WithResolver(func(name string) (string, bool) {
			path, ok, err := registry.ResolveName(name)
			return path, ok && err == nil
		}))

		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Webhook.Port),
			Handler:           whServer,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error { return runHTTPServer(gctx, httpServer, logger) })
	}

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsReg.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error { return runHTTPServer(gctx, metricsServer, logger) })
	}

	ipcDeps := ipcserver.Deps{
		Registry:    registry,
		Queue:       queue,
		States:      states,
		CanRun:      budget.CanRun,
		Remaining:   budget.Remaining,
		WindowHours: budget.WindowHours,
		Status: func() ipcserver.HeartbeatStatus {
			return ipcserver.HeartbeatStatus{Running: true, Busy: hb.IsRunning(), TickCount: hb.GetTickCount()}
		},
		Enqueue: func(agent, project, task, mode string) (workqueue.Item, error) {
			return queue.Enqueue(workqueue.Item{TriggerName: "ipc", ProjectPath: project, Agent: agent, Task: task, Mode: mode})
		},
		Shutdown: stop,
	}
	ipc := ipcserver.New(cfg.SocketPath, ipcDeps, logger)
	if err := ipc.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	group.Go(func() error { return ipc.Serve(gctx) })

	logger.Info("conductord started",
		zap.String("stateDir", cfg.StateDir),
		zap.String("socketPath", cfg.SocketPath),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	err = group.Wait()
	_ = ipc.Stop()
	return err
}

func runTicker(ctx context.Context, hb *heartbeat.Heartbeat, interval time.Duration, logger *zap.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if result := hb.Tick(ctx); result.Action == heartbeat.ActionError {
		logger.Error("tick error", zap.String("trigger", result.TriggerName), zap.String("error", result.Error))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result := hb.Tick(ctx)
			if result.Action == heartbeat.ActionError {
				logger.Error("tick error", zap.String("trigger", result.TriggerName), zap.String("error", result.Error))
			}
		}
	}
}

func runHTTPServer(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
