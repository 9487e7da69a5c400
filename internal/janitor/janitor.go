// Package janitor runs periodic purges of expired rate limit counters and
// sessions on a cron schedule.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// PurgeFunc removes everything that expired at or before now and reports
// how many rows or keys it removed.
type PurgeFunc func(ctx context.Context, now time.Time) (int64, error)

type Job struct {
	Name  string
	Purge PurgeFunc
}

type Options struct {
	// Schedule is a standard cron expression or descriptor such as "@every 5m".
	Schedule string
	Jobs     []Job
	Logger   log.Logger

	// OnRun is called after each job with its result, used for metrics.
	OnRun func(job string, purged int64, err error, at time.Time)

	// Now overrides time.Now for the purge cutoff.
	Now func() time.Time
}

type Janitor struct {
	opts Options
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

func New(opts Options) (*Janitor, error) {
	if opts.Schedule == "" {
		return nil, xerrors.New("janitor: schedule is required")
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, xerrors.Wrapf(err, "janitor: invalid schedule %q", opts.Schedule)
	}
	for _, j := range opts.Jobs {
		if j.Name == "" || j.Purge == nil {
			return nil, xerrors.New("janitor: every job needs a name and a purge func")
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Janitor{
		opts: opts,
		// a slow purge must not stack up behind itself
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// RunOnce runs every job once in order. A failing job does not stop the
// ones after it; the errors are joined.
func (j *Janitor) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range j.opts.Jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		now := j.opts.Now()
		n, err := job.Purge(ctx, now)
		if err != nil {
			err = xerrors.Wrapf(err, "purge %s", job.Name)
			j.opts.Logger.Error(ctx, err, "janitor job failed", "job", job.Name)
			errs = append(errs, err)
		} else if n > 0 {
			j.opts.Logger.Info(ctx, "janitor purged expired entries", "job", job.Name, "purged", n)
		} else {
			j.opts.Logger.Debug(ctx, "janitor job found nothing to purge", "job", job.Name)
		}
		if j.opts.OnRun != nil {
			j.opts.OnRun(job.Name, n, err, now)
		}
	}
	return xerrors.Join(errs...)
}

// Start schedules RunOnce and returns immediately. The scheduler stops when
// ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return xerrors.New("janitor: already started")
	}

	if _, err := j.cron.AddFunc(j.opts.Schedule, func() { _ = j.RunOnce(ctx) }); err != nil {
		return xerrors.Wrap(err, "janitor: schedule purge")
	}
	j.cron.Start()
	j.running = true

	j.opts.Logger.Info(ctx, "janitor started", "schedule", j.opts.Schedule, "jobs", len(j.opts.Jobs))

	go func() {
		<-ctx.Done()
		j.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for a running purge to finish. Safe
// to call more than once.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}

// NextRun is the next scheduled run, zero when not started.
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return time.Time{}
	}
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
