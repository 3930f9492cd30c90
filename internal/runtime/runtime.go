// Package runtime assembles the scheduling core: the jobs service, the
// report-schedule registry, the follow-up dispatcher and the nightly budget
// job, with a small lifecycle state machine around them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sellerbot/internal/budget"
	"sellerbot/internal/followup"
	"sellerbot/internal/jobs"
	"sellerbot/internal/reports"
	"sellerbot/internal/storage"
	"sellerbot/internal/trigger"
	logx "sellerbot/pkg/logx"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

const (
	jobResync    = "core:resync"
	jobFollowups = "core:followups"
	jobBudget    = "core:budget"
)

type Config struct {
	// ResyncEvery is the periodic fallback; storage changes push a resync
	// sooner.
	ResyncEvery time.Duration
	// PollEvery drives the follow-up queue drain.
	PollEvery time.Duration
	// ApplyAt is the local "HH:MM" at which budgets for the NEXT day are
	// applied.
	ApplyAt string
	// Timezone governs ApplyAt and is the default for tenant schedules.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = 15 * time.Minute
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 45 * time.Second
	}
	if c.ApplyAt == "" {
		c.ApplyAt = "23:59"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	return c
}

type runtimeStore interface {
	ActiveTenants(ctx context.Context) ([]storage.Tenant, error)
	DailyBudget(ctx context.Context, tenantID int64) (storage.DailyBudget, error)
	Changes() <-chan struct{}
}

// Runtime owns the lifecycle of the scheduling core. Start and Stop are the
// only transitions and both are idempotent; a call during the opposite
// transition (Start while stopping, Stop while starting) is rejected rather
// than queued.
type Runtime struct {
	cfg        cfgBundle
	jobs       *jobs.Service
	registry   *reports.Registry
	dispatcher *followup.Dispatcher
	applier    *budget.Applier
	store      runtimeStore
	log        logx.Logger

	mu        sync.Mutex
	state     State
	watchStop context.CancelFunc
	watchDone chan struct{}
}

type cfgBundle struct {
	Config
	budgetSpec string
}

func New(cfg Config, js *jobs.Service, reg *reports.Registry, disp *followup.Dispatcher, app *budget.Applier, st runtimeStore, log logx.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()

	// The nightly budget trigger is an ordinary daily schedule.
	trg, err := trigger.Compile(trigger.ScheduleConfig{
		Frequency: trigger.FreqDaily,
		TimeOfDay: cfg.ApplyAt,
		Timezone:  cfg.Timezone,
	}, time.Now(), cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("runtime: budget apply time: %w", err)
	}

	return &Runtime{
		cfg:        cfgBundle{Config: cfg, budgetSpec: trg.CronSpec},
		jobs:       js,
		registry:   reg,
		dispatcher: disp,
		applier:    app,
		store:      st,
		log:        log,
		state:      StateStopped,
	}, nil
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start registers the core jobs, runs an initial resync, starts the jobs
// service and the change watcher.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return nil
	}
	if r.state != StateStopped {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("runtime: cannot start from state %q", st)
	}
	r.state = StateStarting
	r.mu.Unlock()

	every := func(d time.Duration) string { return "@every " + d.String() }

	if err := errors.Join(
		r.jobs.AddCron(jobResync, every(r.cfg.ResyncEvery), jobs.Options{Overlap: jobs.OverlapSkip},
			func(ctx context.Context) error { return r.registry.Resync(ctx, time.Now()) }),
		r.jobs.AddCron(jobFollowups, every(r.cfg.PollEvery), jobs.Options{Overlap: jobs.OverlapSkip},
			func(ctx context.Context) error { _, err := r.dispatcher.Tick(ctx); return err }),
		r.jobs.AddCron(jobBudget, r.cfg.budgetSpec, jobs.Options{Overlap: jobs.OverlapSkip, Timeout: 30 * time.Minute},
			r.applyBudgets),
	); err != nil {
		r.setState(StateStopped)
		return err
	}

	r.jobs.Start(ctx)

	// Tenant schedules are live before the first periodic resync fires.
	if err := r.registry.Resync(ctx, time.Now()); err != nil {
		r.log.Error("initial resync failed", logx.Err(err))
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go r.watchChanges(watchCtx, done)

	r.mu.Lock()
	r.state = StateRunning
	r.watchStop = cancel
	r.watchDone = done
	r.mu.Unlock()

	r.log.Info("scheduler runtime started",
		logx.Duration("resync_every", r.cfg.ResyncEvery),
		logx.Duration("poll_every", r.cfg.PollEvery),
		logx.String("budget_apply", r.cfg.budgetSpec))
	return nil
}

// Stop halts the watcher and drains the jobs service; ctx bounds the wait.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	if r.state != StateRunning {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("runtime: cannot stop from state %q", st)
	}
	r.state = StateStopping
	cancel := r.watchStop
	done := r.watchDone
	r.watchStop, r.watchDone = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	r.jobs.Stop(ctx)

	r.setState(StateStopped)
	r.log.Info("scheduler runtime stopped")
	return nil
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Resync converges report schedules now, outside the periodic cadence. The
// configuration UI calls this after edits.
func (r *Runtime) Resync(ctx context.Context) error {
	return r.registry.Resync(ctx, time.Now())
}

// watchChanges is the push half of resync: storage mutations trigger an
// immediate reconcile instead of waiting for the periodic fallback.
func (r *Runtime) watchChanges(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.store.Changes():
			if err := r.registry.Resync(ctx, time.Now()); err != nil {
				r.log.Error("push resync failed", logx.Err(err))
			}
		}
	}
}

// applyBudgets runs at ApplyAt local time and applies budgets for the
// following day, so the platform has them before that day starts. Tenants
// whose date is already applied are skipped here, not in the applier: Apply
// re-sends on purpose, the cadence dedup belongs to this job.
func (r *Runtime) applyBudgets(ctx context.Context) error {
	loc, err := time.LoadLocation(r.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	target := time.Now().In(loc).AddDate(0, 0, 1)

	tenants, err := r.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range tenants {
		cfg, err := r.store.DailyBudget(ctx, t.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if budget.AlreadyApplied(cfg, target) {
			continue
		}
		res, err := r.applier.Apply(ctx, t, target)
		if err != nil {
			if errors.Is(err, budget.ErrNotConfigured) {
				continue
			}
			r.log.Error("budget apply failed",
				logx.Int64("tenant_id", t.ID),
				logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Failed > 0 {
			r.log.Warn("budget apply finished with listing failures",
				logx.Int64("tenant_id", t.ID),
				logx.Int("failed", res.Failed))
		}
	}
	return firstErr
}
