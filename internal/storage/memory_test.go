package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "v", []byte("x"), time.Minute)
	_, _ = m.Increment(ctx, "c", 7, time.Minute)
	_, _ = m.Append(ctx, "l", []byte("x"), time.Minute)

	now = now.Add(30 * time.Second)
	// ttl only applies on creation
	_, _ = m.Increment(ctx, "c", 1, time.Hour)
	if v, _ := m.Counter(ctx, "c"); v != 8 {
		t.Fatalf("期望 8, 实际 %d", v)
	}

	now = now.Add(31 * time.Second)
	if _, err := m.Get(ctx, "v"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("过期值应返回 ErrNotFound")
	}
	if v, _ := m.Counter(ctx, "c"); v != 0 {
		t.Fatalf("过期计数器应归零, 实际 %d", v)
	}
	if n, _ := m.Len(ctx, "l"); n != 0 {
		t.Fatalf("过期列表长度应为 0, 实际 %d", n)
	}
	if v, _ := m.Increment(ctx, "c", 2, time.Minute); v != 2 {
		t.Fatalf("过期后重新计数应从 0 开始, 实际 %d", v)
	}
}

func TestMemoryLockHonoursContext(t *testing.T) {
	m := NewMemory()
	held, err := m.AcquireLock(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("加锁失败: %v", err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.AcquireLock(ctx, "k", time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消的 ctx 应返回 context.Canceled, 实际 %v", err)
	}
	if _, err := m.AcquireLock(context.Background(), "k", 0); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("零超时应立即返回 ErrLockTimeout")
	}
}

func TestMemoryReleaseIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	l, _ := m.AcquireLock(ctx, "k", time.Second)
	_ = l.Release(ctx)
	_ = l.Release(ctx)

	l2, err := m.AcquireLock(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("重复释放后应仍可加锁: %v", err)
	}
	_ = l2.Release(ctx)
}
