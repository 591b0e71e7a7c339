// Package ratelimit provides the politeness pacer shared by all request
// paths. The pacer enforces a minimum interval between request send times
// across goroutines, so adding workers raises concurrency on in-flight
// requests without raising the send rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces request send times at least one interval apart. All methods
// are safe for concurrent use.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewPacer creates a pacer with the given minimum interval between sends.
// A zero or negative interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Interval returns the configured minimum interval.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait reserves the next send slot and blocks until it arrives or ctx is
// done. The slot stays consumed even when ctx cancels the wait, which keeps
// the send schedule monotonic under racing callers.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Penalize pushes the next send slot out to at least d from now, on top of
// whatever schedule is already reserved. Used after throttling responses.
func (p *Pacer) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	earliest := time.Now().Add(d)
	if p.next.Before(earliest) {
		p.next = earliest
	}
}
