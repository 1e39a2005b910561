// ABOUTME: Sliding-window rate limiter gating dispatch admission.
// ABOUTME: Tracks two independent keyspaces: agent id and client IP.

package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is used when no window is configured.
const DefaultWindow = 60 * time.Second

// Decision reports the outcome of one keyspace's check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration // time until the oldest counted entry leaves the window
}

// Result combines both keyspace decisions. A request is admitted only when
// both dimensions allow it.
type Result struct {
	Allowed bool
	Agent   Decision
	IP      Decision
}

// Limiter admits requests per agent id and per client IP over a sliding window.
// A non-positive limit disables enforcement for that dimension.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	agentLimit int
	ipLimit    int
	agents     map[string][]time.Time
	ips        map[string][]time.Time

	now func() time.Time // injectable for tests
}

// New creates a limiter. A zero window falls back to DefaultWindow.
func New(window time.Duration, agentLimit, ipLimit int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window:     window,
		agentLimit: agentLimit,
		ipLimit:    ipLimit,
		agents:     make(map[string][]time.Time),
		ips:        make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Check admits or rejects one request. Both buckets are read and mutated in a
// single critical section; timestamps are appended only on admission. An empty
// key skips that dimension (treated as unlimited).
func (l *Limiter) Check(agentID, clientIP string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	agentTimes := prune(l.agents, agentID, cutoff)
	ipTimes := prune(l.ips, clientIP, cutoff)

	res := Result{
		Agent: decide(agentTimes, l.agentLimit, agentID, now, l.window),
		IP:    decide(ipTimes, l.ipLimit, clientIP, now, l.window),
	}
	res.Allowed = res.Agent.Allowed && res.IP.Allowed
	if !res.Allowed {
		return res
	}

	if agentID != "" {
		l.agents[agentID] = append(agentTimes, now)
	}
	if clientIP != "" {
		l.ips[clientIP] = append(ipTimes, now)
	}
	return res
}

// Reset clears all buckets in both keyspaces.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents = make(map[string][]time.Time)
	l.ips = make(map[string][]time.Time)
}

// prune drops bucket entries older than the window and deletes empty buckets.
// Caller holds the limiter lock.
func prune(buckets map[string][]time.Time, key string, cutoff time.Time) []time.Time {
	if key == "" {
		return nil
	}
	times := buckets[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(buckets, key)
		return nil
	}
	buckets[key] = kept
	return kept
}

// decide evaluates one dimension against its pruned bucket.
func decide(times []time.Time, limit int, key string, now time.Time, window time.Duration) Decision {
	if limit <= 0 || key == "" {
		return Decision{Allowed: true, Limit: limit, Remaining: -1}
	}
	d := Decision{
		Allowed:   len(times) < limit,
		Limit:     limit,
		Remaining: limit - len(times),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(times) > 0 {
		d.ResetAfter = times[0].Add(window).Sub(now)
		if d.ResetAfter < 0 {
			d.ResetAfter = 0
		}
	}
	return d
}
