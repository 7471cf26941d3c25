package future

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFutureWaitReturnsResult(t *testing.T) {
	f := New(context.Background(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFutureWaitTimesOutBeforeCompletion(t *testing.T) {
	f := New(context.Background(), func(ctx context.Context) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoalescerSharesInFlightFuture(t *testing.T) {
	c := NewCoalescer[int]()
	var calls int32

	start := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return 7, nil
	}

	f1 := c.Do(context.Background(), "token", fn)
	f2 := c.Do(context.Background(), "token", fn)
	close(start)

	v1, err := f1.Wait(context.Background())
	require.NoError(t, err)
	v2, err := f2.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, 7, v1)
	require.Equal(t, 7, v2)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCoalescerStartsFreshAfterResolution(t *testing.T) {
	c := NewCoalescer[int]()
	var calls int32

	fn := func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		return int(n), nil
	}

	f1 := c.Do(context.Background(), "k", fn)
	v1, err := f1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	// Give the cleanup goroutine a chance to remove the resolved future.
	require.Eventually(t, func() bool {
		f2 := c.Do(context.Background(), "k", fn)
		v2, err := f2.Wait(context.Background())
		return err == nil && v2 == 2
	}, time.Second, time.Millisecond)
}

func TestFutureWrapsFnError(t *testing.T) {
	wantErr := errors.New("boom")
	f := New(context.Background(), func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
}
