// Package admission implements a sliding-window request limiter with
// escalation to temporary bans. "Not allowed" is an ordinary outcome, not
// an error.
package admission

import (
	"sync"
	"time"
)

// Bucket is an independently rate-limited category of user action.
type Bucket string

// Buckets. Every request also counts against BucketGeneral.
const (
	BucketGeneral Bucket = "general"
	BucketURL     Bucket = "url"
	BucketAI      Bucket = "ai"
)

// ReasonBanned is returned while a previous ban is still in effect.
const ReasonBanned = "banned"

const reasonRateLimitedPrefix = "rate_limit_exceeded_"

// Window is the rolling limit applied to one bucket.
type Window struct {
	Period   time.Duration
	MaxCount int
}

// Config enumerates the per-bucket windows and the ban duration.
type Config struct {
	Windows     map[Bucket]Window
	BanDuration time.Duration
}

// Decision is the outcome of a single Admit call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Limiter tracks per-user request history and temporary bans. It is safe for
// concurrent use by multiple goroutines. State is advisory and lives only in
// memory; losing it on restart merely resets throttling.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	history map[Bucket]map[string][]time.Time
	banned  map[string]time.Time

	now func() time.Time
}

// New creates a Limiter for the given bucket windows.
func New(cfg Config) *Limiter {
	history := make(map[Bucket]map[string][]time.Time, len(cfg.Windows))
	for bucket := range cfg.Windows {
		history[bucket] = make(map[string][]time.Time)
	}
	return &Limiter{
		cfg:     cfg,
		history: history,
		banned:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Admit records a request for userID against bucket (and the general bucket)
// and decides whether the request may proceed. The request that trips a limit
// is itself recorded, so the transition to banned is observable.
func (l *Limiter) Admit(userID string, bucket Bucket) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()

	if until, ok := l.banned[userID]; ok {
		if ts.Before(until) {
			return Decision{Reason: ReasonBanned, RetryAfter: until.Sub(ts)}
		}
		delete(l.banned, userID)
	}

	touched := []Bucket{BucketGeneral}
	l.record(BucketGeneral, userID, ts)
	if bucket != BucketGeneral {
		l.record(bucket, userID, ts)
		touched = append(touched, bucket)
	}

	for _, b := range touched {
		window, ok := l.cfg.Windows[b]
		if !ok {
			continue
		}
		l.prune(b, userID, ts)
		if len(l.history[b][userID]) > window.MaxCount {
			l.banned[userID] = ts.Add(l.cfg.BanDuration)
			return Decision{
				Reason:     reasonRateLimitedPrefix + string(b),
				RetryAfter: l.cfg.BanDuration,
			}
		}
	}

	return Decision{Allowed: true}
}

// IsBanned reports whether userID is currently banned and for how much longer.
func (l *Limiter) IsBanned(userID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.banned[userID]
	if !ok {
		return false, 0
	}
	ts := l.now()
	if ts.Before(until) {
		return true, until.Sub(ts)
	}
	delete(l.banned, userID)
	return false, 0
}

func (l *Limiter) record(bucket Bucket, userID string, ts time.Time) {
	users, ok := l.history[bucket]
	if !ok {
		users = make(map[string][]time.Time)
		l.history[bucket] = users
	}
	users[userID] = append(users[userID], ts)
}

func (l *Limiter) prune(bucket Bucket, userID string, now time.Time) {
	window, ok := l.cfg.Windows[bucket]
	if !ok {
		return
	}
	cutoff := now.Add(-window.Period)
	entries := l.history[bucket][userID]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.history[bucket], userID)
		return
	}
	l.history[bucket][userID] = kept
}

// Stats summarizes limiter state for the admin surface.
type Stats struct {
	TotalUsers     int            `json:"total_users"`
	BannedUsers    int            `json:"banned_users"`
	RequestsByType map[Bucket]int `json:"requests_by_type"`
	ActiveUsers    map[Bucket]int `json:"active_users"`
}

// Stats returns aggregate counters over the current histories.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	st := Stats{
		BannedUsers:    len(l.banned),
		RequestsByType: make(map[Bucket]int, len(l.history)),
		ActiveUsers:    make(map[Bucket]int, len(l.history)),
	}
	for bucket, users := range l.history {
		st.ActiveUsers[bucket] = len(users)
		for userID, entries := range users {
			seen[userID] = struct{}{}
			st.RequestsByType[bucket] += len(entries)
		}
	}
	st.TotalUsers = len(seen)
	return st
}
