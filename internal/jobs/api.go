package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "sellerbot/pkg/logx"
)

// AddCron registers (or replaces) a named job with a cron spec. Specs may
// carry a CRON_TZ= prefix and @every/@daily descriptors.
func (s *Service) AddCron(name, spec string, opt Options, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("job name required")
	}
	// Validate early so a bad tenant spec is reported at resync time, not at
	// the next Start().
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}
	return s.add(jobDef{name: name, spec: spec, opt: opt, job: job})
}

// AddSchedule registers (or replaces) a named job with a custom schedule.
// The label is informational (snapshots, logs).
func (s *Service) AddSchedule(name, label string, sched cron.Schedule, opt Options, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("job name required")
	}
	if sched == nil {
		return errors.New("schedule required")
	}
	return s.add(jobDef{name: name, spec: label, sched: sched, opt: opt, job: job})
}

func (s *Service) add(d jobDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeLocked(d.name)
	d.timeout = s.resolveTimeout(d.opt.Timeout)
	d.state = &runState{}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet; registration happens in Start().
		return nil
	}
	if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return err
	}
	s.log.Debug("job registered", logx.String("job", d.name), logx.String("spec", d.spec))
	return nil
}

// Remove unschedules the named job. Returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Names returns the currently registered job names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

// NextFire reports the next scheduled fire time of a named job (zero time
// when unknown or not running).
func (s *Service) NextFire(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	for _, d := range s.defs {
		if d.name == name && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
	}
	return time.Time{}
}

func (s *Service) removeLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

// Status returns a point-in-time view of registered jobs and recent runs.
func (s *Service) Status() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Workers: s.cfg.Workers}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	for _, d := range s.defs {
		ji := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			ji.Next, ji.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, ji)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
