package session

import (
	"testing"
	"time"

	"github.com/livetranslate/hub/internal/apperror"
)

func testConfig() Config {
	return Config{
		EnabledLanguages: []string{"en", "es", "fr"},
		TTSMode:          TTSModeNeural,
		AudioQuality:     AudioQualityHigh,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, orphans, err := Open(RegistryConfig{Dir: dir}, func(string) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("unexpected orphans on fresh dir: %v", orphans)
	}
	return r
}

func TestCreateRejectsInvalidID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("bad id", testConfig(), "admin-1", "sock-1", "Alice")
	assertCode(t, err, apperror.CodeInvalidSessionID)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := r.Create("CHURCH-2025-001", testConfig(), "admin-2", "sock-2", "Bob")
	assertCode(t, err, apperror.CodeSessionAlreadyExists)
}

func TestOwnershipIsImmutable(t *testing.T) {
	r := newTestRegistry(t)
	snap, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if snap.AdminID != "admin-1" {
		t.Fatalf("AdminID = %q at creation, want admin-1", snap.AdminID)
	}

	if _, err := r.UpdateConfig("CHURCH-2025-001", "admin-1", testConfig()); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	later, err := r.Get("CHURCH-2025-001", "admin-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if later.AdminID != "admin-1" {
		t.Fatalf("AdminID = %q after update, want admin-1", later.AdminID)
	}
}

func TestReadAllWriteOwn(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Bob can read.
	snap, err := r.Get("CHURCH-2025-001", "admin-2")
	if err != nil {
		t.Fatalf("Get() (read by non-owner) error = %v", err)
	}
	if snap.IsOwner {
		t.Fatalf("IsOwner should be false for non-owning admin")
	}

	// Bob cannot end it.
	_, err = r.End("CHURCH-2025-001", "admin-2")
	assertCode(t, err, apperror.CodeSessionNotOwned)

	// Session remains active.
	snap, err = r.Get("CHURCH-2025-001", "admin-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Status != StatusActive {
		t.Fatalf("Status = %s, want active after rejected end by non-owner", snap.Status)
	}
}

func TestAddListenerRejectsDisabledLanguage(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err := r.AddListener("CHURCH-2025-001", "listener-1", "de", Capabilities{CanPlaySynthesized: true})
	assertCode(t, err, apperror.CodeInvalidLanguage)
}

func TestLanguageFilterBroadcastFanout(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-es-1", "es", Capabilities{CanPlaySynthesized: true}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-en-1", "en", Capabilities{CanPlaySynthesized: true}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	var seen []string
	r.ForEachListenerInLanguage("CHURCH-2025-001", "es", func(l Listener) {
		seen = append(seen, l.SocketHandle)
	})
	if len(seen) != 1 || seen[0] != "l-es-1" {
		t.Fatalf("ForEachListenerInLanguage(es) = %v, want [l-es-1]", seen)
	}
}

func TestEndClearsRosterAndRejectsFurtherFrames(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-1", "en", Capabilities{CanPlaySynthesized: true}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	sockets, err := r.End("CHURCH-2025-001", "admin-1")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if len(sockets) != 1 || sockets[0] != "l-1" {
		t.Fatalf("End() returned sockets = %v, want [l-1]", sockets)
	}

	err = r.AddListener("CHURCH-2025-001", "l-2", "en", Capabilities{})
	assertCode(t, err, apperror.CodeOperationNotAllowed)
}

func TestPersistenceRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, _, err := Open(RegistryConfig{Dir: dir}, func(string) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r2, orphans, err := Open(RegistryConfig{Dir: dir}, func(id string) bool { return id == "admin-1" })
	if err != nil {
		t.Fatalf("Open() (reload) error = %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("unexpected orphans: %v", orphans)
	}
	snap, err := r2.Get("CHURCH-2025-001", "admin-1")
	if err != nil {
		t.Fatalf("Get() after reload error = %v", err)
	}
	if snap.AdminID != "admin-1" || snap.CurrentAdminSocketID != "" {
		t.Fatalf("reloaded snapshot = %+v, want AdminID=admin-1 and empty CurrentAdminSocketID", snap)
	}
}

func TestOrphanScanFindsUnknownOwner(t *testing.T) {
	dir := t.TempDir()
	r, _, err := Open(RegistryConfig{Dir: dir}, func(string) bool { return true })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-ghost", "sock-1", "Ghost"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	orphans := r.ScanOrphans(func(string) bool { return false })
	if len(orphans) != 1 || orphans[0] != "CHURCH-2025-001" {
		t.Fatalf("ScanOrphans() = %v, want [CHURCH-2025-001]", orphans)
	}
}

func TestListenersSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-1", "en", Capabilities{}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-2", "es", Capabilities{}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if got := len(r.Listeners("CHURCH-2025-001")); got != 2 {
		t.Fatalf("Listeners() len = %d, want 2", got)
	}
	if got := r.ListenerCountTotal(); got != 2 {
		t.Fatalf("ListenerCountTotal() = %d, want 2", got)
	}
}

func TestCleanupPassDeletesEndedAndTimesOutIdle(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create("CHURCH-2025-001", testConfig(), "admin-1", "sock-1", "Alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.AddListener("CHURCH-2025-001", "l-1", "en", Capabilities{}); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	// Idle longer than any positive timeout: force last activity back.
	sess, _ := r.find("CHURCH-2025-001")
	sess.mu.Lock()
	sess.LastActivity = sess.LastActivity.Add(-time.Hour)
	sess.mu.Unlock()

	timedOut, deleted := r.CleanupPass(time.Minute, time.Hour)
	if len(deleted) != 0 {
		t.Fatalf("deleted = %v, want none on first pass", deleted)
	}
	if sockets := timedOut["CHURCH-2025-001"]; len(sockets) != 1 || sockets[0] != "l-1" {
		t.Fatalf("timedOut = %v", timedOut)
	}

	// Now ended and stale: the next pass deletes it.
	sess.mu.Lock()
	sess.LastActivity = sess.LastActivity.Add(-2 * time.Hour)
	sess.mu.Unlock()
	_, deleted = r.CleanupPass(time.Minute, time.Hour)
	if len(deleted) != 1 || deleted[0] != "CHURCH-2025-001" {
		t.Fatalf("deleted = %v, want [CHURCH-2025-001]", deleted)
	}
	if _, err := r.Get("CHURCH-2025-001", "admin-1"); err == nil {
		t.Fatal("deleted session must not resolve")
	}
}

func assertCode(t *testing.T, err error, want apperror.Code) {
	t.Helper()
	var appErr *apperror.Error
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	var ok bool
	appErr, ok = err.(*apperror.Error)
	if !ok {
		t.Fatalf("expected *apperror.Error, got %T: %v", err, err)
	}
	if appErr.Code != want {
		t.Fatalf("Code = %s, want %s", appErr.Code, want)
	}
}
