package memory

import (
	"context"
	"sync"
	"time"
)

type limitEntry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Limiter is an in-process sliding-window lockout with the same rules as limiter.PG.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*limitEntry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewLimiter constructs an in-memory limiter.
func NewLimiter(window time.Duration, maxFails int, blockFor time.Duration) *Limiter {
	return &Limiter{
		entries:  make(map[string]*limitEntry),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

func limitKey(subject string, ipHash []byte) string { return subject + "\x00" + string(ipHash) }

func (l *Limiter) Allow(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[limitKey(subject, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Limiter) Success(_ context.Context, subject string, ipHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, limitKey(subject, ipHash))
	return nil
}

func (l *Limiter) Failure(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := limitKey(subject, ipHash)
	e, ok := l.entries[k]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &limitEntry{}
		l.entries[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails < l.maxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
