package ratelimit

import (
	"sync"
	"time"
)

// nanoPerEvent is the fixed-point scale: one event costs 1e9 units and a rate
// of N events/sec refills N units per nanosecond.
const nanoPerEvent int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Limiter admits at most perSecond events per second with bursts up to burst
// events. A Limiter with perSecond <= 0 admits everything.
type Limiter struct {
	mu    sync.Mutex
	clock Clock

	perSecond int64
	capacity  int64 // fixed-point units
	available int64 // fixed-point units
	last      time.Time
}

func NewLimiter(clock Clock, perSecond, burst int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	if burst <= 0 {
		burst = perSecond
	}
	capacity := toUnits(int64(burst))
	return &Limiter{
		clock:     clock,
		perSecond: int64(perSecond),
		capacity:  capacity,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes one event if the budget permits it.
func (l *Limiter) Allow() bool {
	if l == nil || l.perSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.available < nanoPerEvent {
		return false
	}
	l.available -= nanoPerEvent
	return true
}

func (l *Limiter) refillLocked() {
	now := l.clock.Now()
	if !now.After(l.last) {
		// Clock went backwards or did not move; re-anchor without refilling.
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Nanoseconds()
	l.last = now

	missing := l.capacity - l.available
	if missing <= 0 {
		l.available = l.capacity
		return
	}
	// elapsed*perSecond may overflow; anything past the fill time clamps.
	if elapsed >= missing/l.perSecond {
		l.available = l.capacity
		return
	}
	l.available += elapsed * l.perSecond
	if l.available > l.capacity {
		l.available = l.capacity
	}
}

func toUnits(events int64) int64 {
	if events <= 0 {
		return 0
	}
	if events > maxInt64/nanoPerEvent {
		return maxInt64
	}
	return events * nanoPerEvent
}
