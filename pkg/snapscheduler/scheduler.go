// Runs backups on a cron schedule, retrying connectivity failures and pruning old backups
package snapscheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/robfig/cron/v3"
)

// the subset of *snapengine.Engine we need
type Backupper interface {
	Backup(ctx context.Context, requestedName string) (*snaptypes.BackupHandle, error)
	List(ctx context.Context, includeContainers bool) ([]snaptypes.ObjectInfo, error)
	Delete(ctx context.Context, id string) error
}

type LastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
	Backup   *snaptypes.BackupHandle // nil if failed
	Pruned   int
}

type Status struct {
	Schedule string
	NextRun  time.Time
	Running  bool
	LastRun  *LastRun
}

type Options struct {
	// older default-named backups beyond this count are deleted after a successful backup.
	// 0 = keep everything.
	KeepLast int
	// how long a run keeps retrying a backup that fails for connectivity reasons
	RetryFor time.Duration
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateSpec(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

type Controller struct {
	engine          Backupper
	spec            string
	schedule        cron.Schedule
	opts            Options
	snapshotRequest chan chan Status
	triggerRequest  chan struct{}
	runFinished     chan *LastRun
	logl            *logex.Leveled
}

func New(spec string, engine Backupper, opts Options, logger *log.Logger) (*Controller, error) {
	schedule, err := ValidateSpec(spec)
	if err != nil {
		return nil, err
	}

	if opts.RetryFor == 0 {
		opts.RetryFor = 10 * time.Minute
	}

	return &Controller{
		engine:          engine,
		spec:            spec,
		schedule:        schedule,
		opts:            opts,
		snapshotRequest: make(chan chan Status),
		triggerRequest:  make(chan struct{}),
		runFinished:     make(chan *LastRun, 1),
		logl:            logex.Levels(logex.NonNil(logger)),
	}, nil
}

// runs a backup now, regardless of schedule. only valid while Run() is running.
func (c *Controller) Trigger() {
	c.triggerRequest <- struct{}{}
}

// gets an atomic snapshot of scheduler's internal state. only valid while Run() is running.
func (c *Controller) Status() Status {
	result := make(chan Status, 1)

	c.snapshotRequest <- result

	return <-result
}

// the core of the scheduler runs single-threaded. the backup itself runs in another goroutine
// and reports back via channel. returns after ctx is cancelled and a running backup finished.
func (c *Controller) Run(ctx context.Context) error {
	status := Status{
		Schedule: c.spec,
		NextRun:  c.schedule.Next(time.Now()),
	}

	c.logl.Info.Printf("next backup at %s", status.NextRun.Format(time.RFC3339))

	start := func() {
		if status.Running {
			c.logl.Error.Println("can't start backup since previous one is still running")
			return
		}

		status.Running = true

		go func() {
			c.runFinished <- c.runOnce(ctx)
		}()
	}

	nextRunCh := time.After(time.Until(status.NextRun))

	for {
		select {
		case now := <-nextRunCh:
			status.NextRun = c.schedule.Next(now)
			nextRunCh = time.After(time.Until(status.NextRun))

			start()
		case <-c.triggerRequest:
			start()
		case result := <-c.snapshotRequest:
			result <- copyStatus(status)
		case lastRun := <-c.runFinished:
			status.Running = false
			status.LastRun = lastRun
		case <-ctx.Done():
			if status.Running {
				status.LastRun = <-c.runFinished
			}

			return nil
		}
	}
}

// one scheduled run: backup (retrying connectivity failures) and then prune
func (c *Controller) runOnce(ctx context.Context) *LastRun {
	run := &LastRun{
		Started: time.Now(),
	}

	handle, err := c.backupWithRetry(ctx)
	if err != nil {
		run.Error = err.Error()
		run.Finished = time.Now()

		c.logl.Error.Printf("backup failed in %s: %v", run.Finished.Sub(run.Started), err)

		return run
	}

	run.Backup = handle

	if c.opts.KeepLast > 0 {
		pruned, err := Prune(ctx, c.engine, c.opts.KeepLast, c.logl)
		run.Pruned = len(pruned)

		if err != nil {
			// backup itself is fine, so not failing the run
			c.logl.Error.Printf("prune: %v", err)
		}
	}

	run.Finished = time.Now()

	c.logl.Info.Printf("backup %s completed in %s", handle.Name, run.Finished.Sub(run.Started))

	return run
}

// backups are all-or-nothing (no object is left behind on failure), so connectivity failures
// can be retried from scratch
func (c *Controller) backupWithRetry(ctx context.Context) (*snaptypes.BackupHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RetryFor)
	defer cancel()

	var handle *snaptypes.BackupHandle
	var permanentErr error

	if err := retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		handle, err = c.engine.Backup(ctx, "")
		if err != nil && !errors.Is(err, snaptypes.ErrConnectivity) {
			permanentErr = err
			return nil // no use retrying
		}

		return err
	}, retry.DefaultBackoff(), func(err error) {
		c.logl.Error.Printf("backup attempt: %v", err)
	}); err != nil {
		return nil, err
	}

	if permanentErr != nil {
		return nil, permanentErr
	}

	return handle, nil
}

func copyStatus(status Status) Status {
	if status.LastRun != nil {
		lastRunCopied := *status.LastRun

		status.LastRun = &lastRunCopied
	}

	return status
}
