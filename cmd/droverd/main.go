// Command droverd runs one orchestration session from a playbook: it
// opens the event ledger, attaches a shell executor, and drives the
// session to a terminal state.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/coralane/drover/internal/config"
	"github.com/coralane/drover/internal/controller"
	"github.com/coralane/drover/internal/eventbus"
	"github.com/coralane/drover/internal/eventlog"
	"github.com/coralane/drover/internal/executor"
	"github.com/coralane/drover/internal/log"
	"github.com/coralane/drover/internal/policy"
	"github.com/coralane/drover/internal/security"
	"github.com/coralane/drover/internal/session"
)

func main() {
	if err := run(); err != nil {
		base := log.Base()
		base.Fatal().Err(err).Msg("droverd failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Configure(log.Config{Level: cfg.LogLevel})
	logger := log.WithComponent("droverd")

	if cfg.PlaybookPath == "" {
		logger.Error().Msg("no playbook configured; set DROVER_PLAYBOOK or playbook: in drover.yaml")
		return errors.New("playbook path is required")
	}
	task, script, err := policy.LoadPlaybook(cfg.PlaybookPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	db, err := eventlog.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	ledger := eventlog.New(db, eventlog.Options{
		PageSize:   cfg.PageSize,
		CachePages: cfg.CachePages,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	bus, err := eventbus.New(ctx, ledger, eventbus.BusOptions{
		DispatchBuffer: cfg.DispatchBuffer,
		Registry:       registry,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	exec := executor.NewSubscriber(bus, &executor.ShellBackend{
		Dir:     cfg.WorkDir,
		Timeout: cfg.ShellTimeout,
	}, executor.RetryConfig{})
	exec.Attach(ctx)
	defer exec.Detach()

	ctl, err := controller.New(controller.Deps{
		Bus:    bus,
		Policy: script.Step,
		Gate:   security.NewGate(security.NewPatternAnalyzer()),
	}, controller.Config{
		Limits:      session.Limits{Iterations: cfg.IterationLimit, Budget: cfg.Budget},
		CostPerStep: cfg.CostPerStep,
	})
	if err != nil {
		return err
	}
	if err := ctl.Start(ctx); err != nil {
		return err
	}
	defer ctl.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener up")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		logger.Info().Str("session", ctl.SessionID()).Str("playbook", cfg.PlaybookPath).Msg("session starting")
		if _, err := ctl.InjectInput(groupCtx, task); err != nil {
			return err
		}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return ctl.Terminate("shutdown")
			case <-ticker.C:
				if ctl.Lifecycle().Terminal() {
					stop()
					return nil
				}
				// Playbooks run unattended; gated steps are confirmed
				// automatically.
				if ctl.Lifecycle() == session.AwaitingConfirmation {
					if err := ctl.Confirm(); err != nil {
						logger.Error().Err(err).Msg("auto-confirm")
					}
				}
			}
		}
	})

	err = group.Wait()

	snap := ctl.Snapshot()
	metrics := ctl.Metrics().Snapshot()
	logger.Info().
		Str("lifecycle", string(snap.Lifecycle)).
		Int("iterations", snap.IterationCount).
		Int64("steps", metrics.Steps).
		Float64("cost_usd", metrics.CostUSD).
		Str("last_error", snap.LastError).
		Msg("session ended")

	if snap.Lifecycle == session.Errored {
		return errors.New(snap.LastError)
	}
	return err
}
