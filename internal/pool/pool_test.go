package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitWaitRunsTaskAndReturnsError(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 4})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	sentinel := errorSentinel{}
	err = p.SubmitWait(context.Background(), func(ctx context.Context) error { return sentinel })
	require.ErrorIs(t, err, sentinel)

	stats := p.Stats()
	require.EqualValues(t, 2, stats.Submitted)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 1, stats.Failed)
}

type errorSentinel struct{}

func (errorSentinel) Error() string { return "sentinel" }

func TestSubmitWaitSerializesWithOneWorker(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 4})
	defer p.Close()

	var inFlight atomic.Int32
	var maxObserved atomic.Int32

	run := func() error {
		n := inFlight.Add(1)
		for {
			cur := maxObserved.Load()
			if n <= cur || maxObserved.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_ = p.SubmitWait(context.Background(), func(ctx context.Context) error { return run() })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	require.EqualValues(t, 1, maxObserved.Load())
}

func TestSubmitWaitRecoversPanic(t *testing.T) {
	var recovered any
	p := New(Config{MaxWorkers: 1, PanicHandler: func(r any) { recovered = r }})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	require.Equal(t, "boom", recovered)
}

func TestSubmitWaitAfterCloseFails(t *testing.T) {
	p := New(Config{MaxWorkers: 1})
	p.Close()
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)
}
