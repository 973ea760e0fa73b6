package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	const max = 3
	const extra = 7
	q := New(max, nil)

	var cur, peak, done atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < max+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := q.Operate(ctx, func() error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				cur.Add(-1)
				done.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		return q.Running() == max && q.Pending() == extra
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(max), peak.Load())
	assert.Equal(t, int32(max+extra), done.Load())
	assert.Equal(t, 0, q.Running())
	assert.Equal(t, 0, q.Pending())
}

func TestFailuresAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := New(2, nil)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = q.Operate(ctx, func() error {
				if i%2 == 0 {
					return fmt.Errorf("op %d failed", i)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if i%2 == 0 {
			assert.EqualError(t, err, fmt.Sprintf("op %d failed", i))
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	q := New(1, nil)

	v, err := Do(ctx, q, func() (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	boom := errors.New("boom")
	_, err = Do(ctx, q, func() (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestFIFO(t *testing.T) {
	ctx := context.Background()
	q := New(1, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	go q.Operate(ctx, func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Operate(ctx, func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()

		// wait for each to be enqueued before submitting the next, so the
		// arrival order is known.
		require.Eventually(t, func() bool {
			return q.Pending() == i+1
		}, time.Second, time.Millisecond)
	}

	close(block)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancelWhileQueued(t *testing.T) {
	q := New(1, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	go q.Operate(context.Background(), func() error {
		close(started)
		<-block
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	var ran atomic.Bool
	go func() {
		errCh <- q.Operate(ctx, func() error {
			ran.Store(true)
			return nil
		})
	}()

	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, q.Pending())

	close(block)
	require.Eventually(t, func() bool { return q.Running() == 0 }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())

	// the queue still works afterwards.
	require.NoError(t, q.Operate(context.Background(), func() error { return nil }))
}

func TestMinimumConcurrency(t *testing.T) {
	q := New(0, nil)
	assert.Equal(t, 1, q.Max())
}
