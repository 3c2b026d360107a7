package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunTicksSequentially(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, overlaps, count int32
	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(8 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		if atomic.AddInt32(&count, 1) == 4 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 应返回 context.Canceled, got %v", err)
	}
	if overlaps != 0 {
		t.Fatalf("tick 不应重叠执行, overlaps=%d", overlaps)
	}
	if count != 4 {
		t.Fatalf("取消后不应再启动新的 tick, count=%d", count)
	}
}

func TestRunLetsInFlightTickFinish(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var finished atomic.Bool
	var tickCtxErr atomic.Value

	err := s.Run(ctx, func(tickCtx context.Context, at time.Time) error {
		cancel()
		time.Sleep(10 * time.Millisecond)
		if tickCtx.Err() != nil {
			tickCtxErr.Store(tickCtx.Err())
		}
		finished.Store(true)
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 应返回 context.Canceled, got %v", err)
	}
	if !finished.Load() {
		t.Fatalf("进行中的 tick 应执行完毕")
	}
	if v := tickCtxErr.Load(); v != nil {
		t.Fatalf("tick 的 context 不应随关闭而取消: %v", v)
	}
}

func TestRunTickTimeout(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, RunImmediately: true, TickTimeout: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var deadline atomic.Bool
	_ = s.Run(ctx, func(tickCtx context.Context, at time.Time) error {
		defer cancel()
		select {
		case <-tickCtx.Done():
			deadline.Store(errors.Is(tickCtx.Err(), context.DeadlineExceeded))
		case <-time.After(time.Second):
		}
		return nil
	})

	if !deadline.Load() {
		t.Fatalf("tick 应在 TickTimeout 后超时")
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 3 * time.Second, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 4, 0, time.UTC)

	next := s.nextTick(now)
	if !next.Equal(time.Date(2024, 1, 1, 0, 0, 6, 0, time.UTC)) {
		t.Fatalf("对齐错误: %s", next)
	}
	if got := s.bucketStart(next.Add(time.Second)); !got.Equal(next) {
		t.Fatalf("bucketStart 错误: %s", got)
	}
}
