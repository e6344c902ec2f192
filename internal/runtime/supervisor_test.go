package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestSupervisor_AllWorkersStart(t *testing.T) {
	s := NewSupervisor()

	var started [3]atomic.Bool
	for i := 0; i < 3; i++ {
		idx := i
		s.Add("worker", func(ctx context.Context) error {
			started[idx].Store(true)
			<-ctx.Done()
			return nil
		}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return started[0].Load() && started[1].Load() && started[2].Load()
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, s.Wait(ctx))
}

func TestSupervisor_ShutdownReverseOrder(t *testing.T) {
	s := NewSupervisor()

	var order []string
	var mu sync.Mutex
	for _, name := range []string{"netmon", "observers", "api"} {
		name := name
		s.Add(name, blockUntilDone, func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	_ = s.Wait(ctx)

	assert.Equal(t, []string{"api", "observers", "netmon"}, order)
}

func TestSupervisor_CombinesWorkerErrors(t *testing.T) {
	s := NewSupervisor()
	errA := errors.New("netmon failed")
	errB := errors.New("api failed")

	s.Add("a", func(ctx context.Context) error { return errA }, nil)
	s.Add("b", func(ctx context.Context) error { return errB }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := s.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestSupervisor_CloseErrorIsNotReturned(t *testing.T) {
	s := NewSupervisor()
	s.Add("worker", blockUntilDone, func() error {
		return errors.New("close error")
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.NoError(t, s.Wait(ctx))
}

func TestSupervisor_NilCloseFunc(t *testing.T) {
	s := NewSupervisor()
	s.Add("worker", blockUntilDone, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NotPanics(t, func() {
		_ = s.Run(ctx)
	})
}

func TestSupervisor_EmptySupervisor(t *testing.T) {
	s := NewSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, s.Run(ctx))
}

func TestSupervisor_LateWorkerIsNotClosed(t *testing.T) {
	s := NewSupervisor()
	s.Add("early", blockUntilDone, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	var closed atomic.Bool
	s.Add("late", blockUntilDone, func() error {
		closed.Store(true)
		return nil
	})

	cancel()
	_ = s.Wait(ctx)
	assert.False(t, closed.Load())
}

func TestSupervisor_WorkersRunConcurrently(t *testing.T) {
	s := NewSupervisor()

	var running, peak atomic.Int32
	for i := 0; i < 5; i++ {
		s.Add("worker", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			<-ctx.Done()
			return nil
		}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return peak.Load() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	_ = s.Wait(ctx)
}
