package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunFiresJobsUntilCancelled(t *testing.T) {
	s := New(Options{RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var sweeps, failing atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx,
			Job{Name: "sweep", Interval: 10 * time.Millisecond, Run: func(context.Context, time.Time) error {
				if sweeps.Add(1) >= 3 {
					cancel()
				}
				return nil
			}},
			Job{Name: "broken", Interval: 10 * time.Millisecond, Run: func(context.Context, time.Time) error {
				failing.Add(1)
				return errors.New("boom")
			}},
		)
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在取消后退出")
	}
	if sweeps.Load() < 3 {
		t.Fatalf("sweep 至少应执行 3 次, 实际 %d", sweeps.Load())
	}
	if failing.Load() == 0 {
		t.Fatal("失败的任务也应继续被调度")
	}
}

func TestRunRejectsInvalidJob(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	if err := s.Run(context.Background(), Job{Name: "x", Run: func(context.Context, time.Time) error { return nil }}); err == nil {
		t.Fatal("间隔为 0 应报错")
	}
	if err := s.Run(context.Background(), Job{Name: "x", Interval: time.Second}); err == nil {
		t.Fatal("缺少 Run 应报错")
	}
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	now := time.Date(2025, 6, 1, 10, 0, 30, 0, time.UTC)
	job := Job{Interval: time.Minute, AlignToStart: true}
	if got := s.nextTick(job, now); !got.Equal(time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐的下一次执行时间不正确: %s", got)
	}
	job.AlignToStart = false
	if got := s.nextTick(job, now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("非对齐的下一次执行时间不正确: %s", got)
	}
}
