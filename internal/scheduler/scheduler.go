package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc runs one pass of a periodic job.
type JobFunc func(ctx context.Context, at time.Time) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// AlignToStart fires on multiples of Interval instead of relative to start.
	AlignToStart bool
	Run          JobFunc
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
	// RunOnStart fires every job once before waiting for the first interval.
	RunOnStart bool
}

// Scheduler drives background maintenance jobs such as intent expiry sweeps.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, running each job on its own interval.
// A failing pass is logged and the job keeps its schedule.
func (s *Scheduler) Run(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		if job.Interval <= 0 {
			return errors.New("scheduler: job " + job.Name + " needs a positive interval")
		}
		if job.Run == nil {
			return errors.New("scheduler: job " + job.Name + " has no run function")
		}
	}

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger := s.logger.With().Str("job", job.Name).Logger()
	if s.opts.RunOnStart {
		s.fire(ctx, logger, job, s.now())
	}

	next := s.nextTick(job, s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(job, s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, logger, job, next)
		next = next.Add(job.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, logger zerolog.Logger, job Job, at time.Time) {
	started := time.Now()
	if err := job.Run(ctx, at); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Time("at", at).Msg("job execution failed")
		return
	}
	logger.Debug().Dur("took", time.Since(started)).Msg("job executed")
}

func (s *Scheduler) nextTick(job Job, now time.Time) time.Time {
	if !job.AlignToStart {
		return now.Add(job.Interval)
	}
	tick := now.Truncate(job.Interval)
	if !tick.After(now) {
		tick = tick.Add(job.Interval)
	}
	return tick
}
