package adminstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetOrCreateFromProviderIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	info := UserInfo{Subject: "sub-1", Username: "alice", Email: "alice@example.com"}
	first, err := s.GetOrCreateFromProvider(info)
	if err != nil {
		t.Fatalf("GetOrCreateFromProvider() error = %v", err)
	}

	info.Email = "alice2@example.com"
	second, err := s.GetOrCreateFromProvider(info)
	if err != nil {
		t.Fatalf("GetOrCreateFromProvider() error = %v", err)
	}

	if first.AdminID != second.AdminID {
		t.Fatalf("AdminID changed across calls: %q vs %q", first.AdminID, second.AdminID)
	}
	if second.Email != "alice2@example.com" {
		t.Errorf("Email not refreshed: got %q", second.Email)
	}

	if _, err := filepath.Abs(filepath.Join(dir, "sub-1.json")); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	info := UserInfo{Subject: "sub-2", Username: "bob", Email: "bob@example.com"}
	if _, err := s.GetOrCreateFromProvider(info); err != nil {
		t.Fatalf("GetOrCreateFromProvider() error = %v", err)
	}
	if err := s.AddOwnedSession("sub-2", "SESSION-2026-001"); err != nil {
		t.Fatalf("AddOwnedSession() error = %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() (reload) error = %v", err)
	}
	rec, ok := reopened.Get("sub-2")
	if !ok {
		t.Fatalf("record sub-2 missing after reload")
	}
	if len(rec.OwnedSessions) != 1 || rec.OwnedSessions[0] != "SESSION-2026-001" {
		t.Errorf("OwnedSessions = %v, want [SESSION-2026-001]", rec.OwnedSessions)
	}
	if len(rec.ActiveSockets) != 0 {
		t.Errorf("ActiveSockets must be empty after reload, got %d", len(rec.ActiveSockets))
	}
}

func TestCleanupNeverDeletesIdentityWithOwnedSessions(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	info := UserInfo{Subject: "sub-3", Username: "carol"}
	if _, err := s.GetOrCreateFromProvider(info); err != nil {
		t.Fatalf("GetOrCreateFromProvider() error = %v", err)
	}
	if err := s.AddOwnedSession("sub-3", "SESSION-2026-002"); err != nil {
		t.Fatalf("AddOwnedSession() error = %v", err)
	}

	s.mu.Lock()
	s.records["sub-3"].LastSeen = time.Now().UTC().Add(-365 * 24 * time.Hour)
	s.mu.Unlock()

	s.runCleanup(90 * 24 * time.Hour)

	if _, ok := s.Get("sub-3"); !ok {
		t.Fatalf("cleanup deleted an identity with a non-empty owned-sessions set")
	}
}

func TestCleanupDeletesStaleEmptyIdentity(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	info := UserInfo{Subject: "sub-4", Username: "dave"}
	if _, err := s.GetOrCreateFromProvider(info); err != nil {
		t.Fatalf("GetOrCreateFromProvider() error = %v", err)
	}

	s.mu.Lock()
	s.records["sub-4"].LastSeen = time.Now().UTC().Add(-365 * 24 * time.Hour)
	s.mu.Unlock()

	s.runCleanup(90 * 24 * time.Hour)

	if _, ok := s.Get("sub-4"); ok {
		t.Fatalf("cleanup should have deleted a stale identity with no owned sessions")
	}
}
