// Package app assembles the service: configuration, logging, storage, the
// platform gateway and the scheduler runtime.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"sellerbot/internal/budget"
	"sellerbot/internal/config"
	"sellerbot/internal/followup"
	"sellerbot/internal/gateway/avito"
	"sellerbot/internal/gateway/llm"
	"sellerbot/internal/jobs"
	"sellerbot/internal/reports"
	"sellerbot/internal/retry"
	"sellerbot/internal/runtime"
	"sellerbot/internal/storage"
	"sellerbot/internal/transport"
	"sellerbot/internal/transport/telegram"
	logx "sellerbot/pkg/logx"
)

type App struct {
	cfgMgr  *config.Manager
	logSvc  *logx.Service
	log     logx.Logger
	store   *storage.Store
	adapter *telegram.Adapter
	rt      *runtime.Runtime

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func New(cfgPath string) (*App, error) {
	// .env is optional; real deployments use the environment or the config
	// file directly.
	_ = godotenv.Load()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: float64(cfg.Telegram.RatePerSec),
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg), adapter)
	logSvc.SetOperatorTarget(transport.ChatTarget{
		ChatID:   cfg.Telegram.OperatorChatID,
		ThreadID: cfg.Telegram.OperatorThreadID,
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	gw := avito.New(avito.Config{
		BaseURL:  cfg.Avito.BaseURL,
		TokenURL: cfg.Avito.TokenURL,
		MaxItems: cfg.Avito.MaxItems,
	}, store, log.With(logx.String("comp", "avito")))

	gen := llm.New(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}, log.With(logx.String("comp", "llm")))

	policy, err := retryPolicy(cfg.Retry)
	if err != nil {
		return nil, err
	}
	caller := retry.NewCaller(policy, log.With(logx.String("comp", "retry")))

	defaultTimeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	js := jobs.New(jobs.Config{
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: defaultTimeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, log.With(logx.String("comp", "jobs")))

	runner := reports.NewRunner(store, gw, caller, adapter, log.With(logx.String("comp", "reports")))
	registry := reports.NewRegistry(js, store, runner, cfg.Scheduler.Timezone, log.With(logx.String("comp", "reports")))

	dispatcher := followup.NewDispatcher(followup.Config{BatchSize: cfg.Followup.BatchSize},
		store, adapter, gen, log.With(logx.String("comp", "followup")))

	applier := budget.NewApplier(store, gw, caller, log.With(logx.String("comp", "budget")))

	resyncEvery, err := config.ParseDurationOrDefault("scheduler.resync_every", cfg.Scheduler.ResyncEvery, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	pollEvery, err := config.ParseDurationOrDefault("followup.poll_every", cfg.Followup.PollEvery, 45*time.Second)
	if err != nil {
		return nil, err
	}
	rt, err := runtime.New(runtime.Config{
		ResyncEvery: resyncEvery,
		PollEvery:   pollEvery,
		ApplyAt:     cfg.Budget.ApplyAt,
		Timezone:    cfg.Scheduler.Timezone,
	}, js, registry, dispatcher, applier, store,
		log.With(logx.String("comp", "runtime")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("comp", "app")),
		store:   store,
		adapter: adapter,
		rt:      rt,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.rt.Start(ctx); err != nil {
		return err
	}

	// Config hot reload: logging changes apply in place and a resync picks up
	// anything schedule-adjacent (default timezone in particular); everything
	// else takes effect on restart.
	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sub := a.cfgMgr.Subscribe(1)
	go func() {
		defer close(done)
		defer a.cfgMgr.Unsubscribe(sub)
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(logConfig(cfg))
				if err := a.rt.Resync(watchCtx); err != nil {
					a.log.Warn("resync after config reload failed", logx.Err(err))
				}
				a.log.Info("configuration reloaded")
			}
		}
	}()
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.watchCancel = cancel
	a.watchDone = done
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}
	err := a.rt.Stop(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	_ = a.logSvc.Close()
	return err
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			ChatID:     cfg.Telegram.OperatorChatID,
			ThreadID:   cfg.Telegram.OperatorThreadID,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func retryPolicy(rc config.RetryConfig) (retry.Policy, error) {
	base, err := config.ParseDurationOrDefault("retry.base", rc.Base, 2*time.Second)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("retry.max_delay", rc.MaxDelay, 30*time.Second)
	if err != nil {
		return retry.Policy{}, err
	}
	timeout, err := config.ParseDurationOrDefault("retry.timeout", rc.Timeout, 30*time.Second)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Base:        base,
		MaxDelay:    maxDelay,
		Timeout:     timeout,
		Concurrency: rc.Concurrency,
	}, nil
}
