package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/t77yq/rmm-automation/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	return NewPool(cfg, zap.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := newPool(t, Config{Workers: 4, QueueSize: 16})

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		err := p.Submit(Task{Name: "count", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		require.NoError(t, err)
	}

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
}

func TestPool_QueueFull(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Task{Name: "block", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}

	require.NoError(t, p.Submit(blocker))
	<-started
	require.NoError(t, p.Submit(noop))

	err := p.Submit(noop)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_FailuresAndPanicsDoNotKillWorkers(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 4})

	var ran atomic.Bool
	require.NoError(t, p.Submit(Task{Name: "fail", Run: func(context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, p.Submit(Task{Name: "panic", Run: func(context.Context) error {
		panic("boom")
	}}))
	require.NoError(t, p.Submit(Task{Name: "ok", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))

	require.NoError(t, p.Stop(context.Background()))
	assert.True(t, ran.Load())
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 1})
	require.NoError(t, p.Stop(context.Background()))

	err := p.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
	require.NoError(t, p.Stop(context.Background()))
}

func TestPool_StopDeadlineCancelsTasks(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 1})

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "slow", Run: func(ctx context.Context) error {
		defer close(finished)
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	<-finished
}

func TestPool_TaskTimeout(t *testing.T) {
	p := newPool(t, Config{Workers: 1, QueueSize: 1, TaskTimeout: 20 * time.Millisecond})

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not cancelled by its timeout")
	}
	require.NoError(t, p.Stop(context.Background()))
}
