package memorylimiter

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Rule allows Max events per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRule applies to buckets with no configured rule and no "default" entry.
var DefaultRule = Rule{Max: 10, Window: time.Minute}

// Limiter is an in-memory sliding-window limiter keyed by (bucket, key).
// It backs the JWKS fetch limiter and the HTTP adapter on single-node setups.
type Limiter struct {
	mu     sync.Mutex
	rules  map[string]Rule
	events map[string][]time.Time
	now    func() time.Time
}

func New(rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Limiter{rules: rules, events: make(map[string][]time.Time), now: time.Now}
}

// WithClock replaces the time source and returns l (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) rule(bucket string) Rule {
	if r, ok := l.rules[bucket]; ok {
		return r
	}
	if r, ok := l.rules["default"]; ok {
		return r
	}
	return DefaultRule
}

// AllowNamed records an event for (bucket, key) unless the window is full.
// Denied events are not recorded.
func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, fmt.Errorf("bucket and key required")
	}
	r := l.rule(bucket)
	now := l.now()
	cutoff := now.Add(-r.Window)
	id := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.events[id]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) >= r.Max {
		l.events[id] = ts
		return false, nil
	}
	l.events[id] = append(ts, now)
	return true, nil
}

// Prune drops keys whose events have all left their window.
func (l *Limiter) Prune() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ts := range l.events {
		if len(ts) == 0 {
			delete(l.events, id)
			continue
		}
		bucket, _, _ := strings.Cut(id, ":")
		if !ts[len(ts)-1].After(now.Add(-l.rule(bucket).Window)) {
			delete(l.events, id)
		}
	}
}
