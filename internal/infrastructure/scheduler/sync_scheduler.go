package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrInvalidConfig  = errors.New("scheduler: invalid configuration")
)

// SyncRunner executes one sync pass and returns the number of buckets synced
type SyncRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// SyncSchedulerConfig holds configuration for the sync scheduler
type SyncSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is the time between passes
	Interval time.Duration

	// RunTimeout bounds a single pass
	RunTimeout time.Duration

	// RunOnStart runs a pass immediately instead of waiting for the first tick
	RunOnStart bool
}

// DefaultSyncSchedulerConfig returns default configuration
func DefaultSyncSchedulerConfig() SyncSchedulerConfig {
	return SyncSchedulerConfig{
		Enabled:    true,
		Interval:   time.Minute,
		RunTimeout: 5 * time.Minute,
		RunOnStart: true,
	}
}

// SyncScheduler drives the sync dispatcher on a fixed interval. A failed pass
// is logged and the next tick runs as usual.
type SyncScheduler struct {
	runner  SyncRunner
	logger  *zap.Logger
	config  SyncSchedulerConfig
	trigger chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewSyncScheduler creates a new sync scheduler
func NewSyncScheduler(runner SyncRunner, logger *zap.Logger, config SyncSchedulerConfig) (*SyncScheduler, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.Interval
	}
	return &SyncScheduler{
		runner:  runner,
		logger:  logger.Named("sync-scheduler"),
		config:  config,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Start launches the tick loop
func (s *SyncScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return ErrAlreadyRunning
	}
	if !s.config.Enabled {
		s.logger.Info("Sync scheduler is disabled")
		return nil
	}
	s.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Sync scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("run_timeout", s.config.RunTimeout))
	return nil
}

// Stop cancels the loop and waits for an in-flight pass, bounded by ctx
func (s *SyncScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sync scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Sync scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is active
func (s *SyncScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// TriggerImmediateSync requests a pass outside the regular interval.
// Requests made while one is already pending are coalesced.
func (s *SyncScheduler) TriggerImmediateSync() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (s *SyncScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.runPass(ctx, "startup")
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx, "interval")
		case <-s.trigger:
			s.runPass(ctx, "manual")
		}
	}
}

func (s *SyncScheduler) runPass(ctx context.Context, reason string) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	start := time.Now()
	synced, err := s.runner.RunOnce(runCtx)
	switch {
	case errors.Is(err, metering.ErrSyncInProgress):
		s.logger.Debug("Sync pass skipped, another pass holds the lease", zap.String("reason", reason))
	case err != nil:
		s.logger.Error("Sync pass failed",
			zap.String("reason", reason),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	default:
		s.logger.Debug("Sync pass completed",
			zap.String("reason", reason),
			zap.Int("synced", synced),
			zap.Duration("elapsed", time.Since(start)))
	}
}
