// Package adminstore implements the hub's admin identity store (C2):
// durable per-subject records with atomic on-disk persistence, a
// secondary username/email index, and a configurable cleanup loop.
package adminstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/livetranslate/hub/internal/apperror"
)

// Identity is the durable per-subject admin record.
type Identity struct {
	AdminID       string    `json:"adminId"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	CreatedAt     time.Time `json:"createdAt"`
	LastSeen      time.Time `json:"lastSeen"`
	OwnedSessions []string  `json:"ownedSessions"`
	Groups        []string  `json:"groups,omitempty"`

	// ActiveSockets is transient: never serialized, never persisted.
	ActiveSockets map[string]struct{} `json:"-"`
}

func (id *Identity) clone() *Identity {
	c := *id
	c.OwnedSessions = append([]string(nil), id.OwnedSessions...)
	c.Groups = append([]string(nil), id.Groups...)
	c.ActiveSockets = make(map[string]struct{}, len(id.ActiveSockets))
	for k := range id.ActiveSockets {
		c.ActiveSockets[k] = struct{}{}
	}
	return &c
}

// UserInfo is what the identity verifier returns and the store ingests on
// every authentication.
type UserInfo struct {
	Subject  string
	Username string
	Email    string
	Groups   []string
}

type recordIndex struct {
	ByUsername map[string]string `json:"byUsername"`
	ByEmail    map[string]string `json:"byEmail"`
}

// CleanupEvent is one line of the bounded cleanup append log.
type CleanupEvent struct {
	AdminID string    `json:"adminId"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Store is the hub's admin identity store (C2).
type Store struct {
	dir string

	mu      sync.RWMutex // protects records, index in memory
	records map[string]*Identity

	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex

	cleanupLog   []CleanupEvent
	cleanupLogMu sync.Mutex
	maxLogLines  int
}

// Config controls the retention/cleanup policy and the on-disk layout.
type Config struct {
	Dir             string
	Retention       time.Duration
	CleanupInterval time.Duration
	CleanupEnabled  bool
}

// Open loads all persisted records from dir, rebuilding the secondary
// index from the records if it is missing or inconsistent (records are
// the source of truth).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("adminstore: create dir: %w", err)
	}
	s := &Store{
		dir:         dir,
		records:     make(map[string]*Identity),
		keyLocks:    make(map[string]*sync.Mutex),
		maxLogLines: 1000,
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	if err := s.reconcileIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRecords() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("adminstore: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()
		if name == "admin-index.json" || name == "cleanup-log.json" {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("adminstore: read %s: %w", name, err)
		}
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			// A single corrupted record must not prevent the rest of the
			// store from loading; skip and let the cleanup/orphan
			// mechanisms reconcile later reads against reality.
			continue
		}
		id.ActiveSockets = make(map[string]struct{})
		s.records[id.AdminID] = &id
	}
	return nil
}

func (s *Store) reconcileIndex() error {
	idx, err := s.readIndex()
	consistent := err == nil && len(idx.ByUsername) == len(s.records)
	if consistent {
		for adminID, rec := range s.records {
			if idx.ByUsername[rec.Username] != adminID {
				consistent = false
				break
			}
		}
	}
	if consistent {
		return nil
	}
	return s.rebuildIndex()
}

func (s *Store) rebuildIndex() error {
	idx := recordIndex{ByUsername: map[string]string{}, ByEmail: map[string]string{}}
	for adminID, rec := range s.records {
		if rec.Username != "" {
			idx.ByUsername[rec.Username] = adminID
		}
		if rec.Email != "" {
			idx.ByEmail[rec.Email] = adminID
		}
	}
	return writeJSONAtomic(filepath.Join(s.dir, "admin-index.json"), idx)
}

func (s *Store) readIndex() (recordIndex, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "admin-index.json"))
	if err != nil {
		return recordIndex{}, err
	}
	var idx recordIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return recordIndex{}, err
	}
	return idx, nil
}

func (s *Store) lockFor(adminID string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[adminID]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[adminID] = l
	}
	return l
}

// tryLockWithRetry attempts to acquire l up to 3 times, 100ms apart.
// Callers that lose report a retryable storage error instead of
// blocking indefinitely. TryLock keeps a timed-out attempt from leaving
// anything pending on the mutex: either the caller holds it, or nothing
// does.
func tryLockWithRetry(l *sync.Mutex) bool {
	for attempt := 0; ; attempt++ {
		if l.TryLock() {
			return true
		}
		if attempt == 2 {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// GetOrCreateFromProvider is idempotent by subject and refreshes the
// cached display attributes on every call.
func (s *Store) GetOrCreateFromProvider(info UserInfo) (*Identity, error) {
	lock := s.lockFor(info.Subject)
	if !tryLockWithRetry(lock) {
		return nil, apperror.New(apperror.CodeStorageError, "admin record lock contention").WithDetails("", info.Subject, "getOrCreateFromProvider")
	}
	defer lock.Unlock()

	s.mu.Lock()
	rec, exists := s.records[info.Subject]
	now := time.Now().UTC()
	if !exists {
		rec = &Identity{
			AdminID:       info.Subject,
			Username:      info.Username,
			Email:         info.Email,
			Groups:        info.Groups,
			CreatedAt:     now,
			LastSeen:      now,
			OwnedSessions: []string{},
			ActiveSockets: make(map[string]struct{}),
		}
		s.records[info.Subject] = rec
	} else {
		rec.Username = info.Username
		rec.Email = info.Email
		rec.Groups = info.Groups
		rec.LastSeen = now
	}
	out := rec.clone()
	s.mu.Unlock()

	if err := s.persist(out); err != nil {
		return nil, err
	}
	if !exists {
		if err := s.rebuildIndexLocked(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) rebuildIndexLocked() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rebuildIndex()
}

func (s *Store) persist(id *Identity) error {
	path := filepath.Join(s.dir, id.AdminID+".json")
	persisted := *id
	persisted.ActiveSockets = nil
	if err := writeJSONAtomic(path, persisted); err != nil {
		return apperror.Wrap(apperror.CodeStorageError, "failed to persist admin record", err)
	}
	return nil
}

// AddOwnedSession records sessionID as owned by adminID and persists the
// updated record.
func (s *Store) AddOwnedSession(adminID, sessionID string) error {
	return s.mutateOwned(adminID, func(rec *Identity) {
		for _, existing := range rec.OwnedSessions {
			if existing == sessionID {
				return
			}
		}
		rec.OwnedSessions = append(rec.OwnedSessions, sessionID)
	})
}

// RemoveOwnedSession removes sessionID from adminID's owned set and
// persists the updated record.
func (s *Store) RemoveOwnedSession(adminID, sessionID string) error {
	return s.mutateOwned(adminID, func(rec *Identity) {
		filtered := rec.OwnedSessions[:0]
		for _, existing := range rec.OwnedSessions {
			if existing != sessionID {
				filtered = append(filtered, existing)
			}
		}
		rec.OwnedSessions = filtered
	})
}

func (s *Store) mutateOwned(adminID string, mutate func(*Identity)) error {
	lock := s.lockFor(adminID)
	if !tryLockWithRetry(lock) {
		return apperror.New(apperror.CodeStorageError, "admin record lock contention").WithDetails("", adminID, "mutateOwned")
	}
	defer lock.Unlock()

	s.mu.Lock()
	rec, ok := s.records[adminID]
	if !ok {
		s.mu.Unlock()
		return apperror.New(apperror.CodeAdminNotFound, "admin record not found").WithDetails("", adminID, "mutateOwned")
	}
	mutate(rec)
	out := rec.clone()
	s.mu.Unlock()

	return s.persist(out)
}

// AddActiveSocket registers socketHandle against adminID. In-memory only;
// never written to disk.
func (s *Store) AddActiveSocket(adminID, socketHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[adminID]
	if !ok {
		return apperror.New(apperror.CodeAdminNotFound, "admin record not found").WithDetails("", adminID, "addActiveSocket")
	}
	if rec.ActiveSockets == nil {
		rec.ActiveSockets = make(map[string]struct{})
	}
	rec.ActiveSockets[socketHandle] = struct{}{}
	return nil
}

// RemoveActiveSocket unregisters socketHandle. In-memory only.
func (s *Store) RemoveActiveSocket(adminID, socketHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[adminID]
	if !ok {
		return nil
	}
	delete(rec.ActiveSockets, socketHandle)
	return nil
}

// LookupBySocket scans active sockets for socketHandle's owner. O(n) in
// the number of admins; the hub serves a small number of operator
// principals.
func (s *Store) LookupBySocket(socketHandle string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for adminID, rec := range s.records {
		if _, ok := rec.ActiveSockets[socketHandle]; ok {
			return adminID, true
		}
	}
	return "", false
}

// LookupByUsername resolves a display name to an adminId. Never used for
// authorization decisions.
func (s *Store) LookupByUsername(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for adminID, rec := range s.records {
		if rec.Username == name {
			return adminID, true
		}
	}
	return "", false
}

// LookupByEmail resolves a display email to an adminId. Never used for
// authorization decisions.
func (s *Store) LookupByEmail(email string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for adminID, rec := range s.records {
		if rec.Email == email {
			return adminID, true
		}
	}
	return "", false
}

// Get returns a snapshot copy of the record for adminID, if present.
func (s *Store) Get(adminID string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[adminID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// ListAll returns a stable-ordered snapshot of every record.
func (s *Store) ListAll() []*Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Identity, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdminID < out[j].AdminID })
	return out
}

// Delete removes adminID's record from memory and disk.
func (s *Store) Delete(adminID string) error {
	s.mu.Lock()
	delete(s.records, adminID)
	s.mu.Unlock()

	path := filepath.Join(s.dir, adminID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperror.Wrap(apperror.CodeStorageError, "failed to delete admin record", err)
	}
	return s.rebuildIndexLocked()
}

// StartCleanup launches the periodic cleanup loop.
// It deletes identities with zero owned sessions that have not been seen
// within retention. Disableable by the caller simply not invoking it.
func (s *Store) StartCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCleanup(retention)
			}
		}
	}()
}

func (s *Store) runCleanup(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	for _, rec := range s.ListAll() {
		if len(rec.OwnedSessions) > 0 {
			continue
		}
		if rec.LastSeen.After(cutoff) {
			continue
		}
		if err := s.Delete(rec.AdminID); err != nil {
			continue
		}
		s.appendCleanupEvent(CleanupEvent{
			AdminID: rec.AdminID,
			Reason:  "no owned sessions; last seen before retention window",
			At:      time.Now().UTC(),
		})
	}
}

func (s *Store) appendCleanupEvent(ev CleanupEvent) {
	s.cleanupLogMu.Lock()
	defer s.cleanupLogMu.Unlock()
	s.cleanupLog = append(s.cleanupLog, ev)
	if len(s.cleanupLog) > s.maxLogLines {
		s.cleanupLog = s.cleanupLog[len(s.cleanupLog)-s.maxLogLines:]
	}
	_ = writeJSONAtomic(filepath.Join(s.dir, "cleanup-log.json"), s.cleanupLog)
}

// writeJSONAtomic serializes v to path using the write-temp-fsync-rename
// protocol. POSIX rename(2) is atomic, so a reader never observes a
// half-written target and the last durable state survives any failure
// before the rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("adminstore: marshal: %w", err)
	}
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("adminstore: create pending file: %w", err)
	}
	defer pendingFile.Cleanup()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("adminstore: write pending file: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("adminstore: atomic replace: %w", err)
	}
	return nil
}
