package guard

import (
	"fmt"
	"strconv"
	"time"
)

// Window is a counter aggregation period.
type Window string

const (
	WindowMinute   Window = "minute"
	WindowHour     Window = "hour"
	WindowDay      Window = "day"
	WindowLifetime Window = "lifetime"
)

// Duration is the bucket length; zero for lifetime.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Bounds returns the UTC-aligned bucket containing t.
func (w Window) Bounds(t time.Time) (start, end time.Time) {
	d := w.Duration()
	if d == 0 {
		return time.Time{}, time.Time{}
	}
	start = t.UTC().Truncate(d)
	return start, start.Add(d)
}

// Metric distinguishes spend totals from attempt counts.
type Metric string

const (
	MetricSpent Metric = "spent"
	MetricCount Metric = "count"
)

// Counter addresses one counter a guard reads and, on commit, increments.
type Counter struct {
	Key    string
	Metric Metric
	Window Window
	TTL    time.Duration
	End    time.Time
}

// CounterKey renders ctr:<scope>:<guard>:<metric>:<window>[:<bucket>].
func CounterKey(scope, guardName string, metric Metric, window Window, at time.Time) string {
	base := fmt.Sprintf("ctr:%s:%s:%s:%s", scope, guardName, metric, window)
	if window == WindowLifetime {
		return base
	}
	start, _ := window.Bounds(at)
	return base + ":" + strconv.FormatInt(start.Unix(), 10)
}

func newCounter(scope, guardName string, metric Metric, window Window, at time.Time) Counter {
	_, end := window.Bounds(at)
	return Counter{
		Key:    CounterKey(scope, guardName, metric, window, at),
		Metric: metric,
		Window: window,
		TTL:    window.Duration(),
		End:    end,
	}
}

// Mutation is a counter change produced by a passing guard.
type Mutation struct {
	Key   string        `json:"key"`
	Delta int64         `json:"delta"`
	TTL   time.Duration `json:"ttl"`
	// WindowEnd is when the bucket stops counting; zero for lifetime counters.
	WindowEnd time.Time `json:"window_end,omitempty"`
}

// Inverse returns the mutation that undoes m.
func (m Mutation) Inverse() Mutation {
	m.Delta = -m.Delta
	return m
}

// Live reports whether the mutation's bucket is still counting at now.
func (m Mutation) Live(now time.Time) bool {
	return m.WindowEnd.IsZero() || now.Before(m.WindowEnd)
}
