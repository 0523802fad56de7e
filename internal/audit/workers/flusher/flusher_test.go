package flusher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeFlusher struct {
	pending atomic.Int32
	calls   atomic.Int32
	err     error
}

func (f *fakeFlusher) Flush(context.Context) (int, error) {
	f.calls.Add(1)
	if f.err != nil {
		return 0, f.err
	}
	n := int(f.pending.Swap(0))
	return n, nil
}

func (f *fakeFlusher) Pending() int { return int(f.pending.Load()) }

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunOnceSkipsEmptyBuffer(t *testing.T) {
	f := &fakeFlusher{}
	w := New(f, quiet())

	assert.Equal(t, 0, w.RunOnce(context.Background()))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestRunOnceFlushesPending(t *testing.T) {
	f := &fakeFlusher{}
	f.pending.Store(3)
	w := New(f, quiet())

	assert.Equal(t, 3, w.RunOnce(context.Background()))
	assert.Equal(t, 0, f.Pending())
}

func TestRunOnceToleratesFailure(t *testing.T) {
	f := &fakeFlusher{err: errors.New("sink down")}
	f.pending.Store(2)
	w := New(f, quiet())

	assert.Equal(t, 0, w.RunOnce(context.Background()))
	assert.Equal(t, 2, f.Pending())
}

func TestStartFlushesUntilCancelled(t *testing.T) {
	f := &fakeFlusher{}
	f.pending.Store(1)
	w := New(f, quiet(), WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return f.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
