package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func TestGateNeverExceedsCapacity(t *testing.T) {
	cases := []struct {
		name string
		size int
		jobs int
	}{
		{name: "single slot", size: 1, jobs: 10},
		{name: "three slots", size: 3, jobs: 30},
		{name: "more slots than contention", size: 8, jobs: 20},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			g := NewGate(c.size)
			var running, maxRunning atomic.Int64

			group, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < c.jobs; i++ {
				group.Go(func() error {
					if err := g.Acquire(ctx); err != nil {
						return err
					}
					defer g.Release()

					n := running.Inc()
					for {
						max := maxRunning.Load()
						if n <= max || maxRunning.CAS(max, n) {
							break
						}
					}
					assert.LessOrEqual(t, g.InUse(), c.size)
					time.Sleep(5 * time.Millisecond)
					running.Dec()
					return nil
				})
			}
			require.NoError(t, group.Wait())

			assert.LessOrEqual(t, int(maxRunning.Load()), c.size)
			assert.Equal(t, 0, g.InUse())
		})
	}
}

func TestGateReleaseWakesWaiter(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan time.Time)
	go func() {
		if err := g.Acquire(context.Background()); err == nil {
			acquired <- time.Now()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	released := time.Now()
	g.Release()

	select {
	case at := <-acquired:
		// woken by the release, not by a poll interval
		assert.Less(t, at.Sub(released), 500*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never admitted")
	}
	g.Release()
	assert.Equal(t, 0, g.InUse())
}

func TestGateAcquireTimeout(t *testing.T) {
	g := NewGate(1)
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())

	err := g.AcquireTimeout(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.InUse())

	g.Release()
	require.NoError(t, g.AcquireTimeout(context.Background(), 50*time.Millisecond))
	g.Release()
}

func TestGateAcquireCanceled(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		err = g.Acquire(ctx)
	}()
	cancel()
	wg.Wait()
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, g.InUse())
}

func TestGateBypassed(t *testing.T) {
	g := NewGate(0)
	assert.True(t, g.Bypassed())
	require.NoError(t, g.Acquire(context.Background()))
	assert.True(t, g.TryAcquire())
	g.Release()
	assert.Equal(t, 0, g.InUse())
	assert.Equal(t, 0, g.Cap())
}
