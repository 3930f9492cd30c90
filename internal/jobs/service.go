// Package jobs is a named-job layer over robfig/cron: jobs are registered by
// stable name (upsert semantics, so repeated registration never accumulates
// duplicate triggers), fired entries are executed by a bounded worker pool,
// and per-job overlap policy can coalesce slow recurring work.
package jobs

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	logx "sellerbot/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log,
		// Standard 5-field specs plus descriptors (@every, @daily). TZ is
		// carried per-spec via the CRON_TZ prefix, so tenants with different
		// timezones share one cron runtime.
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	// Fresh queue per run so stale enqueued tasks don't execute after a
	// stop/start cycle.
	s.queue = make(chan task, 256)

	s.c = cron.New(cron.WithParser(s.parser))
	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("job register failed", logx.String("job", s.defs[i].name), logx.Err(err))
		}
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in jobs worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.log.Info("jobs service started", logx.Int("workers", workers), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// Finalize in background so Stop() can return on ctx timeout while
	// in-flight work drains.
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("jobs service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// registerLocked adds the definition to the running cron. Call with s.mu held.
func (s *Service) registerLocked(d *jobDef) error {
	fire := func() {
		if d.opt.Overlap == OverlapSkip {
			d.state.mu.Lock()
			running := d.state.running
			d.state.mu.Unlock()
			if running {
				s.log.Debug("job fire skipped (previous run active)", logx.String("job", d.name))
				return
			}
		}
		s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job, state: d.state})
	}
	if d.sched != nil {
		d.entryID = s.c.Schedule(d.sched, cron.FuncJob(fire))
		return nil
	}
	sched, err := s.parser.Parse(d.spec)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(fire))
	return nil
}
