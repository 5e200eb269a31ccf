// Package scheduler runs the periodic payout jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ms-payouts/internal/lock"
	"ms-payouts/internal/logger"
)

// Job is one unit of scheduled work. Errors are logged, never retried
// before the next tick.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	locker  lock.Locker
	log     *logger.Logger
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func New(locker lock.Locker, log *logger.Logger) *Scheduler {
	if locker == nil {
		locker = lock.Local{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		locker:  locker,
		log:     log,
		timeout: 30 * time.Minute,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job under name. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		s.log.Info("SCHEDULER", name+" disabled")
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() { s.Run(s.ctx, name, job) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	s.log.Info("SCHEDULER", fmt.Sprintf("%s scheduled at %q", name, spec))
	return nil
}

// Run executes job once under its cluster-wide lock. A tick that finds
// the lock held elsewhere is skipped.
func (s *Scheduler) Run(ctx context.Context, name string, job Job) {
	release, ok, err := s.locker.TryLock(ctx, lock.JobKey(name), s.timeout)
	if err != nil {
		s.log.Warn("SCHEDULER", fmt.Sprintf("%s: lock unavailable, running anyway: %v", name, err))
	} else if !ok {
		s.log.Debug("SCHEDULER", name+" already running elsewhere")
		return
	} else {
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("SCHEDULER", fmt.Sprintf("%s panicked: %v", name, r))
		}
	}()
	if err := job(ctx); err != nil {
		s.log.Error("SCHEDULER", fmt.Sprintf("%s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err))
		return
	}
	s.log.LogProcess(name, fmt.Sprintf("finished in %s", time.Since(start).Round(time.Millisecond)))
}

// Next returns the next activation of name, or zero if it is not scheduled.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	e := s.cron.Entry(id)
	if e.Next.IsZero() && e.Schedule != nil {
		// not started yet
		return e.Schedule.Next(time.Now().UTC())
	}
	return e.Next
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
