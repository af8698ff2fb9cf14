// Package ratelimit is a per-source-IP accept-rate limiter guarding both
// peers' accept loops from connection floods. Its self-stopping cleanup
// ticker is adapted from the device lifecycle code's handshake
// ratelimiter, but the admission rule itself is a sliding window log
// rather than a continuously-refilling token bucket: each IP keeps a
// trimmed list of its own recent accept timestamps, and an accept is
// admitted only while fewer than acceptsBurstable of them still fall
// inside the trailing rateWindow. Retargeted from "packets per wire
// handshake" to "TCP accepts per source IP", since this tunnel has no
// handshake message of its own to rate-limit.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// acceptsBurstable is the most accepts any one source IP may have
	// in flight inside rateWindow before further accepts are rejected.
	acceptsBurstable = 5
	// rateWindow is the trailing interval accept timestamps are judged
	// against; once a timestamp falls outside it, it no longer counts
	// against the IP's burst allowance.
	rateWindow         = time.Second
	garbageCollectTime = 10 * time.Second
)

// entry is one source IP's recent accept history: a log of timestamps,
// trimmed to the trailing rateWindow on every Allow call, capped at
// acceptsBurstable entries.
type entry struct {
	mu       sync.Mutex
	lastSeen time.Time
	accepted []time.Time
}

// Limiter is a per-IP sliding-window accept limiter. The zero value is not
// usable; construct with New.
type Limiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset chan struct{}
	table     map[netip.Addr]*entry
}

// New returns a running Limiter. Call Close when the owning peer shuts
// down to stop its background cleanup goroutine.
func New() *Limiter {
	l := &Limiter{timeNow: time.Now}
	l.stopReset = make(chan struct{})
	l.table = make(map[netip.Addr]*entry)

	stopReset := l.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if l.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
	return l
}

// Close stops the background cleanup goroutine.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopReset != nil {
		close(l.stopReset)
		l.stopReset = nil
	}
}

// cleanup drops any per-IP entry that has seen no accept for
// garbageCollectTime, and reports whether the table is now empty so New's
// ticker goroutine can stop polling until the table has something in it
// again.
func (l *Limiter) cleanup() (empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.table {
		e.mu.Lock()
		stale := l.timeNow().Sub(e.lastSeen) > garbageCollectTime
		e.mu.Unlock()
		if stale {
			delete(l.table, key)
		}
	}
	return len(l.table) == 0
}

// Allow admits ip's accept if fewer than acceptsBurstable of its own
// recent accepts still fall inside the trailing rateWindow. Unlike a
// token bucket, admission never depends on an accrued balance — only on
// how many of the IP's own timestamps are still within the window after
// expired ones are trimmed.
func (l *Limiter) Allow(ip netip.Addr) bool {
	l.mu.RLock()
	e := l.table[ip]
	l.mu.RUnlock()

	if e == nil {
		e = &entry{}
		l.mu.Lock()
		if l.stopReset == nil {
			l.mu.Unlock()
			return true
		}
		l.table[ip] = e
		if len(l.table) == 1 {
			l.stopReset <- struct{}{}
		}
		l.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := l.timeNow()
	e.lastSeen = now

	cutoff := now.Add(-rateWindow)
	kept := e.accepted[:0]
	for _, ts := range e.accepted {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.accepted = kept

	if len(e.accepted) >= acceptsBurstable {
		return false
	}
	e.accepted = append(e.accepted, now)
	return true
}
