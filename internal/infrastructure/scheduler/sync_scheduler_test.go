package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) RunOnce(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestNewSyncScheduler_InvalidInterval(t *testing.T) {
	_, err := NewSyncScheduler(&countingRunner{}, zap.NewNop(), SyncSchedulerConfig{Enabled: true})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSyncScheduler_Lifecycle(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewSyncScheduler(runner, zap.NewNop(), SyncSchedulerConfig{
		Enabled:    true,
		Interval:   10 * time.Millisecond,
		RunOnStart: true,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.TriggerImmediateSync(), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())

	after := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runner.calls.Load(), "no passes after stop")

	assert.NoError(t, s.Stop(context.Background()), "stop is idempotent")
}

func TestSyncScheduler_Disabled(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewSyncScheduler(runner, zap.NewNop(), SyncSchedulerConfig{Interval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), runner.calls.Load())
}

func TestSyncScheduler_TriggerImmediateSync(t *testing.T) {
	runner := &countingRunner{}
	s, err := NewSyncScheduler(runner, zap.NewNop(), SyncSchedulerConfig{
		Enabled:  true,
		Interval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Equal(t, int32(0), runner.calls.Load())
	require.NoError(t, s.TriggerImmediateSync())
	assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSyncScheduler_FailedPassIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	runner := &countingRunner{err: errors.New("database down")}
	s, err := NewSyncScheduler(runner, zap.New(core), SyncSchedulerConfig{
		Enabled:    true,
		Interval:   5 * time.Millisecond,
		RunOnStart: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.GreaterOrEqual(t, logs.FilterMessage("Sync pass failed").Len(), 2)
}

func TestSyncScheduler_LeaseHeldIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	runner := &countingRunner{err: metering.ErrSyncInProgress}
	s, err := NewSyncScheduler(runner, zap.New(core), SyncSchedulerConfig{
		Enabled:    true,
		Interval:   time.Hour,
		RunOnStart: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, logs.FilterMessage("Sync pass failed").Len())
}
