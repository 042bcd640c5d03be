package storage

import (
	"context"
	"sync"
	"time"
)

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

type memList struct {
	items     [][]byte
	expiresAt time.Time
}

// Memory is a volatile single-process Backend. Its locks are only
// meaningful within one process.
type Memory struct {
	mu       sync.Mutex
	values   map[string]memValue
	counters map[string]memCounter
	lists    map[string]memList

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	now func() time.Time
}

// NewMemory constructs an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		values:   make(map[string]memValue),
		counters: make(map[string]memCounter),
		lists:    make(map[string]memList),
		locks:    make(map[string]chan struct{}),
		now:      time.Now,
	}
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok || expired(v.expiresAt, m.now()) {
		delete(m.values, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(value))
	copy(data, value)
	m.values[key] = memValue{data: data, expiresAt: expiry(m.now(), ttl)}
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.counters, key)
	delete(m.lists, key)
	return nil
}

// Counter implements Backend.
func (m *Memory) Counter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, m.now()) {
		delete(m.counters, key)
		return 0, nil
	}
	return c.value, nil
}

// Increment implements Backend.
func (m *Memory) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, now) {
		c = memCounter{expiresAt: expiry(now, ttl)}
	}
	c.value += delta
	m.counters[key] = c
	return c.value, nil
}

// Append implements Backend.
func (m *Memory) Append(_ context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt, now) {
		l = memList{expiresAt: expiry(now, ttl)}
	}
	data := make([]byte, len(value))
	copy(data, value)
	l.items = append(l.items, data)
	m.lists[key] = l
	return int64(len(l.items)), nil
}

// Range implements Backend.
func (m *Memory) Range(_ context.Context, key string, offset, count int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt, m.now()) {
		return nil, nil
	}
	size := int64(len(l.items))
	if offset < 0 {
		offset = 0
	}
	if offset >= size || count <= 0 {
		return nil, nil
	}
	end := offset + count
	if end > size {
		end = size
	}
	out := make([][]byte, 0, end-offset)
	for _, item := range l.items[offset:end] {
		cp := make([]byte, len(item))
		copy(cp, item)
		out = append(out, cp)
	}
	return out, nil
}

// Len implements Backend.
func (m *Memory) Len(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt, m.now()) {
		return 0, nil
	}
	return int64(len(l.items)), nil
}

func (m *Memory) lockChan(key string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	ch, ok := m.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[key] = ch
	}
	return ch
}

// AcquireLock implements Backend.
func (m *Memory) AcquireLock(ctx context.Context, key string, timeout time.Duration) (Lock, error) {
	ch := m.lockChan(key)

	select {
	case ch <- struct{}{}:
		return &memLock{key: key, ch: ch}, nil
	default:
	}
	if timeout <= 0 {
		return nil, ErrLockTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return &memLock{key: key, ch: ch}, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }

type memLock struct {
	key  string
	ch   chan struct{}
	once sync.Once
}

func (l *memLock) Key() string { return l.key }

func (l *memLock) Release(context.Context) error {
	l.once.Do(func() { <-l.ch })
	return nil
}

var _ Backend = (*Memory)(nil)
