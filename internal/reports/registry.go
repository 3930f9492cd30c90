// Package reports keeps tenant report schedules registered with the jobs
// service and renders the reports they fire.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sellerbot/internal/jobs"
	"sellerbot/internal/storage"
	"sellerbot/internal/trigger"
	logx "sellerbot/pkg/logx"
)

// scheduler is the slice of the jobs service the registry drives.
type scheduler interface {
	AddCron(name, spec string, opt jobs.Options, job func(ctx context.Context) error) error
	AddSchedule(name, label string, sched cron.Schedule, opt jobs.Options, job func(ctx context.Context) error) error
	Remove(name string) bool
}

type taskSource interface {
	ActiveReportTasks(ctx context.Context) ([]storage.ReportTask, error)
	ReportTask(ctx context.Context, id int64) (storage.ReportTask, error)
}

// Registry reconciles the stored report tasks with the jobs actually
// registered. Resync is cheap to call often: unchanged tasks keep their live
// job, so a fixed-period schedule keeps its anchor and its next fire time.
type Registry struct {
	sched  scheduler
	tasks  taskSource
	runner *Runner
	log    logx.Logger

	defaultTZ string

	mu sync.Mutex
	// known maps task id to the fingerprint of its registered trigger.
	known map[int64]string
}

func NewRegistry(sched scheduler, tasks taskSource, runner *Runner, defaultTZ string, log logx.Logger) *Registry {
	return &Registry{
		sched:     sched,
		tasks:     tasks,
		runner:    runner,
		log:       log,
		defaultTZ: defaultTZ,
		known:     make(map[int64]string),
	}
}

func jobName(taskID int64) string { return fmt.Sprintf("report:%d", taskID) }

// Resync loads the active tasks and converges the registered jobs on them:
// new tasks are added, changed ones replaced, vanished ones removed. One bad
// schedule is logged and skipped, not allowed to fail the whole pass.
func (r *Registry) Resync(ctx context.Context, now time.Time) error {
	tasks, err := r.tasks.ActiveReportTasks(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]bool, len(tasks))
	added, replaced := 0, 0
	for _, task := range tasks {
		seen[task.ID] = true

		trg, err := trigger.Compile(task.Schedule, now, r.defaultTZ)
		if err != nil {
			r.log.Warn("report task has invalid schedule, skipping",
				logx.Int64("task_id", task.ID),
				logx.Int64("tenant_id", task.TenantID),
				logx.Err(err))
			continue
		}
		if fp, ok := r.known[task.ID]; ok && fp == trg.Fingerprint {
			continue
		}

		taskID := task.ID
		run := func(ctx context.Context) error { return r.fire(ctx, taskID) }
		name := jobName(task.ID)
		if trg.CronSpec != "" {
			err = r.sched.AddCron(name, trg.CronSpec, jobs.Options{Overlap: jobs.OverlapSkip}, run)
		} else {
			err = r.sched.AddSchedule(name, trg.Fingerprint, trg.Schedule, jobs.Options{Overlap: jobs.OverlapSkip}, run)
		}
		if err != nil {
			r.log.Warn("report task registration failed",
				logx.Int64("task_id", task.ID),
				logx.Err(err))
			continue
		}
		if _, ok := r.known[task.ID]; ok {
			replaced++
		} else {
			added++
		}
		r.known[task.ID] = trg.Fingerprint
	}

	removed := 0
	for id := range r.known {
		if !seen[id] {
			r.sched.Remove(jobName(id))
			delete(r.known, id)
			removed++
		}
	}

	if added+replaced+removed > 0 {
		r.log.Info("report schedules resynced",
			logx.Int("active", len(tasks)),
			logx.Int("added", added),
			logx.Int("replaced", replaced),
			logx.Int("removed", removed))
	}
	return nil
}

// fire re-reads the task at fire time: a task deactivated or deleted between
// resyncs must not produce a report.
func (r *Registry) fire(ctx context.Context, taskID int64) error {
	task, err := r.tasks.ReportTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Debug("report task gone at fire time", logx.Int64("task_id", taskID))
		r.sched.Remove(jobName(taskID))
		r.mu.Lock()
		delete(r.known, taskID)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	if !task.Schedule.Active {
		return nil
	}
	return r.runner.Run(ctx, task)
}
