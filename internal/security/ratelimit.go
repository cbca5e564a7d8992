// Package security implements the hub's security middleware (C7): rate
// limiting in two dimensions (per IP for authentication, per admin for
// operations), exponential-backoff lockout, and a bounded audit trail.
package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig controls both rate-limit dimensions and the lockout
// policy.
type LimiterConfig struct {
	AuthPerMinute    int           // per-IP admin-auth attempts, fast window
	AuthPerHour      int           // per-IP admin-auth attempts, slow window
	OpsPerSecond     int           // per-admin operations, fast window
	OpsPerHour       int           // per-admin operations, slow window
	LockoutThreshold int           // failed auths from one IP before lockout
	LockoutDuration  time.Duration // base lockout; doubles per consecutive lockout
	MaxLockout       time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.AuthPerMinute <= 0 {
		c.AuthPerMinute = 5
	}
	if c.AuthPerHour <= 0 {
		c.AuthPerHour = c.AuthPerMinute * 20
	}
	if c.OpsPerSecond <= 0 {
		c.OpsPerSecond = 10
	}
	if c.OpsPerHour <= 0 {
		c.OpsPerHour = c.OpsPerSecond * 1800
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 10
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	if c.MaxLockout <= 0 {
		c.MaxLockout = 4 * time.Hour
	}
	return c
}

type ipState struct {
	fast        *rate.Limiter
	slow        *rate.Limiter
	failures    int
	lockouts    int // consecutive lockouts, drives the backoff exponent
	lockedUntil time.Time
	lastSeen    time.Time
}

type adminState struct {
	fast     *rate.Limiter
	slow     *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks both rate-limit dimensions. All methods are safe for
// concurrent use; critical sections are short.
type Limiter struct {
	cfg LimiterConfig

	mu       sync.Mutex
	perIP    map[string]*ipState
	perAdmin map[string]*adminState
}

// NewLimiter constructs a Limiter with cfg, applying documented defaults
// for any unset field.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		cfg:      cfg.withDefaults(),
		perIP:    make(map[string]*ipState),
		perAdmin: make(map[string]*adminState),
	}
}

func (l *Limiter) ipStateFor(ip string) *ipState {
	st, ok := l.perIP[ip]
	if !ok {
		st = &ipState{
			fast: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.AuthPerMinute)), l.cfg.AuthPerMinute),
			slow: rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.cfg.AuthPerHour)), l.cfg.AuthPerHour),
		}
		l.perIP[ip] = st
	}
	st.lastSeen = time.Now()
	return st
}

func (l *Limiter) adminStateFor(adminID string) *adminState {
	st, ok := l.perAdmin[adminID]
	if !ok {
		st = &adminState{
			fast: rate.NewLimiter(rate.Limit(l.cfg.OpsPerSecond), l.cfg.OpsPerSecond*2),
			slow: rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.cfg.OpsPerHour)), l.cfg.OpsPerHour),
		}
		l.perAdmin[adminID] = st
	}
	st.lastSeen = time.Now()
	return st
}

// AllowAuth gates one admin-auth attempt from ip. A locked-out IP is
// rejected with its remaining lockout as retryAfter, before any window
// check, so the caller returns the same code regardless of credential
// correctness.
func (l *Limiter) AllowAuth(ip string) (ok bool, retryAfter time.Duration, locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.ipStateFor(ip)
	now := time.Now()
	if now.Before(st.lockedUntil) {
		return false, st.lockedUntil.Sub(now), true
	}
	if !st.fast.Allow() {
		return false, time.Minute / time.Duration(l.cfg.AuthPerMinute), false
	}
	if !st.slow.Allow() {
		return false, time.Hour / time.Duration(l.cfg.AuthPerHour), false
	}
	return true, 0, false
}

// RecordAuthFailure counts a failed authentication from ip, triggering a
// lockout at the configured threshold. Consecutive lockouts back off
// exponentially up to MaxLockout.
func (l *Limiter) RecordAuthFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.ipStateFor(ip)
	st.failures++
	if st.failures < l.cfg.LockoutThreshold {
		return
	}
	d := l.cfg.LockoutDuration
	for i := 0; i < st.lockouts; i++ {
		d *= 2
		if d >= l.cfg.MaxLockout {
			d = l.cfg.MaxLockout
			break
		}
	}
	st.lockedUntil = time.Now().Add(d)
	st.lockouts++
	st.failures = 0
}

// RecordAuthSuccess resets ip's failure and backoff counters.
func (l *Limiter) RecordAuthSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.ipStateFor(ip)
	st.failures = 0
	st.lockouts = 0
}

// LockedOut reports whether ip is currently locked out.
func (l *Limiter) LockedOut(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.perIP[ip]
	return ok && time.Now().Before(st.lockedUntil)
}

// AllowOperation gates one post-auth operation for adminID against both
// the fast and slow windows.
func (l *Limiter) AllowOperation(adminID string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.adminStateFor(adminID)
	if !st.fast.Allow() {
		return false, time.Second
	}
	if !st.slow.Allow() {
		return false, time.Hour / time.Duration(l.cfg.OpsPerHour)
	}
	return true, 0
}

// Sweep drops idle per-key state older than maxIdle, bounding memory.
// Run from the periodic maintenance loop.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for ip, st := range l.perIP {
		if st.lastSeen.Before(cutoff) && !time.Now().Before(st.lockedUntil) {
			delete(l.perIP, ip)
		}
	}
	for id, st := range l.perAdmin {
		if st.lastSeen.Before(cutoff) {
			delete(l.perAdmin, id)
		}
	}
}
