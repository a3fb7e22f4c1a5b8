// Package scheduler runs the free credit sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/agentcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/agentcredits/pkg/ledger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSpec runs the sweep every 15 minutes.
	DefaultSpec    = "*/15 * * * *"
	defaultTimeout = 5 * time.Minute
)

var ErrInvalidScheduler = errors.New("invalid scheduler config")

// Sweeper is satisfied by *ledger.Service.
type Sweeper interface {
	SweepFreeCredits(ctx context.Context) (ledger.SweepReport, error)
}

// Config wires the scheduler. A nil Lease limits exclusion to this process.
type Config struct {
	Spec    string
	Sweeper Sweeper
	Lease   Lease
	Logger  *zap.Logger
	Timeout time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	lease   Lease
	logger  *zap.Logger
	timeout time.Duration
	nowFn   func() time.Time
}

func New(config Config) (*Scheduler, error) {
	if config.Sweeper == nil {
		return nil, fmt.Errorf("%w: sweeper is required", ErrInvalidScheduler)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lease := config.Lease
	if lease == nil {
		lease = newLocalLease()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	spec := config.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	cronLog := cronLogger{logger: logger.Named("cron").Sugar()}
	scheduler := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		sweeper: config.Sweeper,
		lease:   lease,
		logger:  logger,
		timeout: timeout,
		nowFn:   time.Now,
	}
	if _, err := scheduler.cron.AddFunc(spec, scheduler.runScheduled); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidScheduler, spec, err)
	}
	return scheduler, nil
}

// Start runs the cron loop in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (scheduler *Scheduler) Stop(ctx context.Context) {
	select {
	case <-scheduler.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (scheduler *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduler.timeout)
	defer cancel()
	_, _, _ = scheduler.RunOnce(ctx)
}

// RunOnce sweeps when the lease is free. ran is false when another holder owns the lease.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (report ledger.SweepReport, ran bool, err error) {
	acquired, err := scheduler.lease.Acquire(ctx)
	if err != nil {
		scheduler.logger.Error("sweep lease unavailable", zap.Error(err))
		return ledger.SweepReport{}, false, err
	}
	if !acquired {
		scheduler.logger.Info("sweep skipped, lease held elsewhere")
		return ledger.SweepReport{}, false, nil
	}
	defer func() {
		if releaseErr := scheduler.lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			scheduler.logger.Warn("sweep lease release failed", zap.Error(releaseErr))
		}
	}()

	started := scheduler.nowFn()
	report, err = scheduler.sweeper.SweepFreeCredits(ctx)
	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("reset", report.Reset),
		zap.Int("conflicts", report.Conflicts),
		zap.Duration("elapsed", scheduler.nowFn().Sub(started)),
	}
	if err != nil {
		scheduler.logger.Error("free credit sweep failed", append(fields, zap.Error(err))...)
		return report, true, err
	}
	metrics.RecordSweep(report, float64(scheduler.nowFn().Unix()))
	scheduler.logger.Info("free credit sweep finished", fields...)
	return report, true, nil
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (adapter cronLogger) Info(msg string, keysAndValues ...interface{}) {
	adapter.logger.Debugw(msg, keysAndValues...)
}

func (adapter cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	adapter.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
