package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many Allow calls pass between inline sweeps of idle keys.
const sweepEvery = 1024

type window struct {
	hits      []time.Time // ascending
	expiresAt time.Time
}

// Memory is an in-process sliding-window limiter.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

var _ Limiter = (*Memory)(nil)

func NewMemory(p Policy) (*Memory, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Memory{policy: p, now: time.Now, windows: make(map[string]*window)}, nil
}

// WithClock replaces time.Now; used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{}
		m.windows[key] = w
	}

	cutoff := now.Add(-m.policy.Window)
	drop := 0
	for drop < len(w.hits) && !w.hits[drop].After(cutoff) {
		drop++
	}
	w.hits = w.hits[drop:]

	d := Decision{Limit: m.policy.Limit}
	if len(w.hits) >= m.policy.Limit {
		d.RetryAfter = w.hits[0].Add(m.policy.Window).Sub(now)
		return d, nil
	}

	w.hits = append(w.hits, now)
	w.expiresAt = now.Add(m.policy.Window)
	d.Allowed = true
	d.Remaining = m.policy.Limit - len(w.hits)
	return d, nil
}

// Len reports how many keys are currently tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func (m *Memory) sweep(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.expiresAt) {
			delete(m.windows, k)
		}
	}
}
