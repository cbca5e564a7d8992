package security

import (
	"testing"
	"time"
)

func TestAuthWindowRejectsBurst(t *testing.T) {
	l := NewLimiter(LimiterConfig{AuthPerMinute: 3})
	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _, _ := l.AllowAuth("1.2.3.4"); ok {
			allowed++
		}
	}
	if allowed > 3 {
		t.Fatalf("allowed = %d, want <= 3 within burst", allowed)
	}
}

func TestLockoutAfterThreshold(t *testing.T) {
	l := NewLimiter(LimiterConfig{AuthPerMinute: 100, AuthPerHour: 1000, LockoutThreshold: 3, LockoutDuration: time.Minute})
	for i := 0; i < 3; i++ {
		l.RecordAuthFailure("9.9.9.9")
	}
	if !l.LockedOut("9.9.9.9") {
		t.Fatal("expected lockout after threshold failures")
	}
	ok, retryAfter, locked := l.AllowAuth("9.9.9.9")
	if ok || !locked {
		t.Fatalf("AllowAuth during lockout: ok=%v locked=%v", ok, locked)
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}
	// Other IPs are unaffected.
	if ok, _, _ := l.AllowAuth("8.8.8.8"); !ok {
		t.Fatal("lockout must be per-IP")
	}
}

func TestLockoutBacksOffExponentially(t *testing.T) {
	l := NewLimiter(LimiterConfig{AuthPerMinute: 100, AuthPerHour: 1000, LockoutThreshold: 1, LockoutDuration: time.Minute, MaxLockout: time.Hour})
	l.RecordAuthFailure("7.7.7.7")
	l.mu.Lock()
	first := time.Until(l.perIP["7.7.7.7"].lockedUntil)
	l.perIP["7.7.7.7"].lockedUntil = time.Time{} // expire the first lockout
	l.mu.Unlock()

	l.RecordAuthFailure("7.7.7.7")
	l.mu.Lock()
	second := time.Until(l.perIP["7.7.7.7"].lockedUntil)
	l.mu.Unlock()

	if second <= first {
		t.Fatalf("second lockout (%v) should exceed first (%v)", second, first)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	l := NewLimiter(LimiterConfig{AuthPerMinute: 100, AuthPerHour: 1000, LockoutThreshold: 3, LockoutDuration: time.Minute})
	l.RecordAuthFailure("5.5.5.5")
	l.RecordAuthFailure("5.5.5.5")
	l.RecordAuthSuccess("5.5.5.5")
	l.RecordAuthFailure("5.5.5.5")
	l.RecordAuthFailure("5.5.5.5")
	if l.LockedOut("5.5.5.5") {
		t.Fatal("success must reset the failure counter")
	}
}

func TestOperationWindow(t *testing.T) {
	l := NewLimiter(LimiterConfig{OpsPerSecond: 2, OpsPerHour: 100000})
	allowed := 0
	for i := 0; i < 20; i++ {
		if ok, _ := l.AllowOperation("admin-1"); ok {
			allowed++
		}
	}
	if allowed > 4 { // burst = 2x per-second rate
		t.Fatalf("allowed = %d, want <= 4", allowed)
	}
}

func TestSweepDropsIdleState(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	l.AllowAuth("1.1.1.1")
	l.AllowOperation("admin-1")
	l.Sweep(0)
	l.mu.Lock()
	ips, admins := len(l.perIP), len(l.perAdmin)
	l.mu.Unlock()
	if ips != 0 || admins != 0 {
		t.Fatalf("after Sweep(0): perIP=%d perAdmin=%d, want 0/0", ips, admins)
	}
}

func TestAuditRingIsBounded(t *testing.T) {
	a := NewAudit(3)
	for i := 0; i < 5; i++ {
		a.Record(Event{Type: EventAuthFailure, Subject: "ip", Operation: "admin-auth"})
	}
	if a.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", a.Len())
	}
	events := a.Snapshot()
	if len(events) != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", len(events))
	}
}

func TestAuditSnapshotOrder(t *testing.T) {
	a := NewAudit(2)
	a.Record(Event{Type: EventAuthFailure, Subject: "a"})
	a.Record(Event{Type: EventAuthSuccess, Subject: "b"})
	a.Record(Event{Type: EventTokenRefreshed, Subject: "c"})
	events := a.Snapshot()
	if events[0].Subject != "b" || events[1].Subject != "c" {
		t.Fatalf("Snapshot() = %v, want oldest-first [b c]", events)
	}
}
