package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// exerciseBackend runs behaviour every Backend must share.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("缺失键应返回 ErrNotFound, 实际 %v", err)
	}
	if err := b.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set 失败: %v", err)
	}
	got, err := b.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get 返回 %q, %v", got, err)
	}
	if err := b.Set(ctx, "k", []byte("v2"), time.Hour); err != nil {
		t.Fatalf("覆盖写入失败: %v", err)
	}
	if got, _ := b.Get(ctx, "k"); string(got) != "v2" {
		t.Fatalf("覆盖后应为 v2, 实际 %q", got)
	}

	if v, err := b.Counter(ctx, "c"); err != nil || v != 0 {
		t.Fatalf("新计数器应为 0, 实际 %d, %v", v, err)
	}
	if v, _ := b.Increment(ctx, "c", 5, time.Hour); v != 5 {
		t.Fatalf("期望 5, 实际 %d", v)
	}
	if v, _ := b.Increment(ctx, "c", -2, time.Hour); v != 3 {
		t.Fatalf("期望 3, 实际 %d", v)
	}
	if v, _ := b.Counter(ctx, "c"); v != 3 {
		t.Fatalf("Counter 期望 3, 实际 %d", v)
	}

	for _, item := range []string{"a", "b", "c", "d"} {
		if _, err := b.Append(ctx, "list", []byte(item), 0); err != nil {
			t.Fatalf("Append 失败: %v", err)
		}
	}
	if n, _ := b.Len(ctx, "list"); n != 4 {
		t.Fatalf("列表长度期望 4, 实际 %d", n)
	}
	items, err := b.Range(ctx, "list", 1, 2)
	if err != nil {
		t.Fatalf("Range 失败: %v", err)
	}
	if len(items) != 2 || string(items[0]) != "b" || string(items[1]) != "c" {
		t.Fatalf("Range(1,2) 结果不正确: %q", items)
	}
	if items, _ := b.Range(ctx, "list", 3, 10); len(items) != 1 || string(items[0]) != "d" {
		t.Fatalf("越界 Range 应截断: %q", items)
	}
	if items, _ := b.Range(ctx, "nolist", 0, 10); len(items) != 0 {
		t.Fatalf("空列表应返回空结果")
	}

	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete 失败: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("删除后应返回 ErrNotFound")
	}

	exerciseLocks(t, b)
}

func exerciseLocks(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	lock, err := b.AcquireLock(ctx, "lock:w1", time.Second)
	if err != nil {
		t.Fatalf("首次加锁失败: %v", err)
	}
	if lock.Key() != "lock:w1" {
		t.Fatalf("锁键不正确: %s", lock.Key())
	}
	if _, err := b.AcquireLock(ctx, "lock:w1", 50*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("已持有的锁应超时, 实际 %v", err)
	}
	other, err := b.AcquireLock(ctx, "lock:w2", time.Second)
	if err != nil {
		t.Fatalf("不同键的锁应互不影响: %v", err)
	}
	_ = other.Release(ctx)

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("释放锁失败: %v", err)
	}
	again, err := b.AcquireLock(ctx, "lock:w1", time.Second)
	if err != nil {
		t.Fatalf("释放后应可重新加锁: %v", err)
	}
	_ = again.Release(ctx)

	// concurrent increments under the lock must not lose updates
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := b.AcquireLock(ctx, "lock:race", 5*time.Second)
			if err != nil {
				t.Errorf("并发加锁失败: %v", err)
				return
			}
			defer l.Release(ctx)
			v, _ := b.Counter(ctx, "race")
			_ = b.Delete(ctx, "race")
			_, _ = b.Increment(ctx, "race", v+1, 0)
		}()
	}
	wg.Wait()
	if v, _ := b.Counter(ctx, "race"); v != 10 {
		t.Fatalf("并发计数期望 10, 实际 %d", v)
	}
}
