// Package ratelimit throttles operation submissions with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) refill() time.Time {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
		l.lastUpdate = now
	}
	return now
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN takes n tokens if they are all available. A submission costs one
// token per operation, so a batch is admitted or refused whole. A batch
// larger than the burst can never pass.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Burst returns the bucket size.
func (l *Limiter) Burst() int {
	return l.burst
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate
}

// Set holds one limiter per participant, so all sessions of a participant
// share a budget. A limiter is held while any session of its participant
// is connected; released limiters idle for longer than the idle window
// are dropped.
type Set struct {
	limiters map[string]*Limiter
	holders  map[string]int
	rate     float64
	burst    int
	idle     time.Duration
	now      func() time.Time
	mu       sync.Mutex
	stop     chan struct{}
	once     sync.Once
}

func NewSet(rate float64, burst int, idle time.Duration) *Set {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Set{
		limiters: make(map[string]*Limiter),
		holders:  make(map[string]int),
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Acquire returns the participant's limiter and holds it until the
// matching Release.
func (s *Set) Acquire(participant string) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holders[participant]++
	if l, ok := s.limiters[participant]; ok {
		return l
	}
	l := newLimiter(s.rate, s.burst, s.now)
	s.limiters[participant] = l
	return l
}

// Release gives up one hold taken by Acquire. The limiter stays until a
// sweep finds it idle, so a quick reconnect keeps its spent budget.
func (s *Set) Release(participant string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holders[participant] <= 1 {
		delete(s.holders, participant)
		return
	}
	s.holders[participant]--
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// Sweep drops idle limiters nobody holds and returns how many were removed.
func (s *Set) Sweep() int {
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, l := range s.limiters {
		if s.holders[id] > 0 {
			continue
		}
		if l.idleSince().Before(cutoff) {
			delete(s.limiters, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until Stop is called.
func (s *Set) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Set) Stop() {
	s.once.Do(func() { close(s.stop) })
}
