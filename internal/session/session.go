// Package session implements the hub's session registry (C3): an
// in-memory directory of sessions, their configuration, their per-language
// listener roster, and their ownership, backed by best-effort on-disk
// persistence.
package session

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

// Status is one of a session's lifecycle states.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// TTSMode selects the effective TTS strategy for a session.
type TTSMode string

const (
	TTSModeNeural   TTSMode = "neural"
	TTSModeStandard TTSMode = "standard"
	TTSModeLocal    TTSMode = "local"
	TTSModeDisabled TTSMode = "disabled"
)

// AudioQuality selects the target bitrate/quality tier for synthesis.
type AudioQuality string

const (
	AudioQualityHigh   AudioQuality = "high"
	AudioQualityMedium AudioQuality = "medium"
	AudioQualityLow    AudioQuality = "low"
)

// Config is a session's mutable configuration.
type Config struct {
	EnabledLanguages []string     `json:"enabledLanguages"`
	TTSMode          TTSMode      `json:"ttsMode"`
	AudioQuality     AudioQuality `json:"audioQuality"`
}

func (c Config) hasLanguage(lang string) bool {
	for _, l := range c.EnabledLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// Capabilities describes what a listener's client can render.
type Capabilities struct {
	CanPlaySynthesized bool `json:"canPlaySynthesized"`
}

// Listener is one joined listener connection. Transient: never persisted.
type Listener struct {
	SocketHandle      string
	PreferredLanguage string
	JoinedAt          time.Time
	LastSeen          time.Time
	Capabilities      Capabilities
}

// Session is the hub's in-memory representation of one broadcast session.
type Session struct {
	SessionID            string    `json:"sessionId"`
	AdminID              string    `json:"adminId"`
	CreatedBy            string    `json:"createdBy"`
	CurrentAdminSocketID string    `json:"-"`
	Config               Config    `json:"config"`
	CreatedAt            time.Time `json:"createdAt"`
	LastActivity         time.Time `json:"lastActivity"`
	Status               Status    `json:"status"`

	mu        sync.RWMutex
	listeners map[string]*Listener // keyed by socket handle
}

func newSession(sessionID, adminID, createdBy string, cfg Config) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:    sessionID,
		AdminID:      adminID,
		CreatedBy:    createdBy,
		Config:       cfg,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
		listeners:    make(map[string]*Listener),
	}
}

// Snapshot is an immutable, externally safe view of a session, returned by
// every read operation so callers never hold a pointer into internal
// state.
type Snapshot struct {
	SessionID            string
	AdminID              string
	CreatedBy            string
	CurrentAdminSocketID string
	Config               Config
	CreatedAt            time.Time
	LastActivity         time.Time
	Status               Status
	ListenerCount        int
	IsOwner              bool
}

func (s *Session) snapshot(requestingAdminID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:            s.SessionID,
		AdminID:              s.AdminID,
		CreatedBy:            s.CreatedBy,
		CurrentAdminSocketID: s.CurrentAdminSocketID,
		Config:               s.Config,
		CreatedAt:            s.CreatedAt,
		LastActivity:         s.LastActivity,
		Status:               s.Status,
		ListenerCount:        len(s.listeners),
		IsOwner:              requestingAdminID != "" && requestingAdminID == s.AdminID,
	}
}

// AccessMode distinguishes read access (universal to authenticated
// admins) from write access (owner-only).
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// Registry is the hub's session registry (C3).
type Registry struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*Session

	// keyLocks serialize writers per sessionId so concurrent mutations
	// for the same session cannot interleave their persistence.
	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex

	maxListenersPerSession int
}

func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.keyLocksMu.Lock()
	defer r.keyLocksMu.Unlock()
	l, ok := r.keyLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[sessionID] = l
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

// Config for constructing a Registry.
type RegistryConfig struct {
	Dir                    string
	MaxListenersPerSession int
}

// Open loads every persisted session file from dir. `currentAdminSocketId`
// is cleared on load since no sockets exist yet. Sessions whose on-disk
// owner is absent from knownAdmins are returned separately as orphans for
// the caller to quarantine.
func Open(cfg RegistryConfig, knownAdmins func(adminID string) bool) (*Registry, []string, error) {
	if cfg.MaxListenersPerSession <= 0 {
		cfg.MaxListenersPerSession = 50
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("session: create dir: %w", err)
	}
	r := &Registry{
		dir:                    cfg.Dir,
		sessions:               make(map[string]*Session),
		keyLocks:               make(map[string]*sync.Mutex),
		maxListenersPerSession: cfg.MaxListenersPerSession,
	}

	var orphans []string
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("session: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cfg.Dir, e.Name()))
		if err != nil {
			continue
		}
		var stored struct {
			SessionID    string    `json:"sessionId"`
			AdminID      string    `json:"adminId"`
			CreatedBy    string    `json:"createdBy"`
			Config       Config    `json:"config"`
			CreatedAt    time.Time `json:"createdAt"`
			LastActivity time.Time `json:"lastActivity"`
			Status       Status    `json:"status"`
		}
		if err := json.Unmarshal(data, &stored); err != nil {
			continue
		}
		sess := newSession(stored.SessionID, stored.AdminID, stored.CreatedBy, stored.Config)
		sess.CreatedAt = stored.CreatedAt
		sess.LastActivity = stored.LastActivity
		sess.Status = stored.Status
		r.sessions[sess.SessionID] = sess

		if knownAdmins != nil && !knownAdmins(stored.AdminID) {
			orphans = append(orphans, stored.SessionID)
		}
	}
	return r, orphans, nil
}

// Create installs a new session, rejecting a duplicate id or a malformed
// one.
func (r *Registry) Create(sessionID string, cfg Config, adminID, socketHandle, createdBy string) (Snapshot, error) {
	if !ValidID(sessionID) {
		return Snapshot{}, apperror.New(apperror.CodeInvalidSessionID, "session id does not match the documented pattern").WithDetails(sessionID, adminID, "create")
	}
	if err := validateConfig(cfg); err != nil {
		return Snapshot{}, err
	}

	lock := r.lockFor(sessionID)
	if !tryLockWithRetry(lock) {
		return Snapshot{}, apperror.New(apperror.CodeStorageError, "session record lock contention").WithDetails(sessionID, adminID, "create")
	}
	defer lock.Unlock()

	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return Snapshot{}, apperror.New(apperror.CodeSessionAlreadyExists, "session id already in use").WithDetails(sessionID, adminID, "create")
	}
	sess := newSession(sessionID, adminID, createdBy, cfg)
	sess.CurrentAdminSocketID = socketHandle
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	if err := r.persist(sess); err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return Snapshot{}, err
	}
	return sess.snapshot(adminID), nil
}

func validateConfig(cfg Config) error {
	if len(cfg.EnabledLanguages) == 0 {
		return apperror.New(apperror.CodeInvalidConfig, "enabledLanguages must be non-empty")
	}
	switch cfg.TTSMode {
	case TTSModeNeural, TTSModeStandard, TTSModeLocal, TTSModeDisabled:
	default:
		return apperror.New(apperror.CodeInvalidConfig, "ttsMode must be one of neural, standard, local, disabled")
	}
	switch cfg.AudioQuality {
	case AudioQualityHigh, AudioQualityMedium, AudioQualityLow, "":
	default:
		return apperror.New(apperror.CodeInvalidConfig, "audioQuality must be one of high, medium, low")
	}
	return nil
}

func (r *Registry) find(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Get returns a snapshot of sessionID as seen by requestingAdminID (used
// to populate IsOwner), or a session-not-found error.
func (r *Registry) Get(sessionID, requestingAdminID string) (Snapshot, error) {
	sess, ok := r.find(sessionID)
	if !ok {
		return Snapshot{}, apperror.New(apperror.CodeSessionNotFound, "session not found").WithDetails(sessionID, requestingAdminID, "get")
	}
	return sess.snapshot(requestingAdminID), nil
}

// List returns a stable-ordered snapshot of every session.
func (r *Registry) List(requestingAdminID string) []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snapshot(requestingAdminID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ListOwnedBy returns every session owned by adminID.
func (r *Registry) ListOwnedBy(adminID string) []Snapshot {
	all := r.List(adminID)
	out := all[:0]
	for _, s := range all {
		if s.AdminID == adminID {
			out = append(out, s)
		}
	}
	return out
}

// VerifyAccess implements the read-all/write-own authorization
// asymmetry.
func (r *Registry) VerifyAccess(sessionID, adminID string, mode AccessMode) bool {
	sess, ok := r.find(sessionID)
	if !ok {
		return false
	}
	if mode == AccessRead {
		return true
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.AdminID == adminID
}

// UpdateCurrentAdminSocket is purely advisory bookkeeping; it never
// persists.
func (r *Registry) UpdateCurrentAdminSocket(sessionID, socketHandle string) error {
	sess, ok := r.find(sessionID)
	if !ok {
		return apperror.New(apperror.CodeSessionNotFound, "session not found").WithDetails(sessionID, "", "updateCurrentAdminSocket")
	}
	sess.mu.Lock()
	sess.CurrentAdminSocketID = socketHandle
	sess.LastActivity = time.Now().UTC()
	sess.mu.Unlock()
	return nil
}

// UpdateConfig validates and installs newConfig, persists the session, and
// returns the set of languages removed by the change so the caller can
// notify affected listeners.
func (r *Registry) UpdateConfig(sessionID, adminID string, newConfig Config) (removed []string, err error) {
	if !r.VerifyAccess(sessionID, adminID, AccessWrite) {
		return nil, apperror.New(apperror.CodeSessionNotOwned, "session is not owned by the requesting admin").WithDetails(sessionID, adminID, "updateConfig")
	}
	if err := validateConfig(newConfig); err != nil {
		return nil, err
	}

	lock := r.lockFor(sessionID)
	if !tryLockWithRetry(lock) {
		return nil, apperror.New(apperror.CodeStorageError, "session record lock contention").WithDetails(sessionID, adminID, "updateConfig")
	}
	defer lock.Unlock()

	sess, _ := r.find(sessionID)
	sess.mu.Lock()
	if sess.Status == StatusEnded {
		sess.mu.Unlock()
		return nil, apperror.New(apperror.CodeOperationNotAllowed, "session has ended").WithDetails(sessionID, adminID, "updateConfig")
	}
	old := sess.Config
	sess.Config = newConfig
	sess.LastActivity = time.Now().UTC()
	for _, lang := range old.EnabledLanguages {
		if !newConfig.hasLanguage(lang) {
			removed = append(removed, lang)
		}
	}
	sess.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return nil, err
	}
	return removed, nil
}

// AddListener validates preferredLanguage against the session's enabled
// set and registers the listener. Listener roster changes never persist.
func (r *Registry) AddListener(sessionID, socketHandle, preferredLanguage string, caps Capabilities) error {
	sess, ok := r.find(sessionID)
	if !ok {
		return apperror.New(apperror.CodeSessionNotFound, "session not found").WithDetails(sessionID, "", "addListener")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Status == StatusEnded {
		return apperror.New(apperror.CodeOperationNotAllowed, "session has ended").WithDetails(sessionID, "", "addListener")
	}
	if !sess.Config.hasLanguage(preferredLanguage) {
		return apperror.New(apperror.CodeInvalidLanguage, "preferred language is not enabled for this session").WithDetails(sessionID, "", "addListener")
	}
	if len(sess.listeners) >= r.maxListenersPerSession {
		return apperror.New(apperror.CodeClientLimitReached, "session has reached its listener limit").WithDetails(sessionID, "", "addListener")
	}
	now := time.Now().UTC()
	sess.listeners[socketHandle] = &Listener{
		SocketHandle:      socketHandle,
		PreferredLanguage: preferredLanguage,
		JoinedAt:          now,
		LastSeen:          now,
		Capabilities:      caps,
	}
	sess.LastActivity = now
	return nil
}

// RemoveListener drops socketHandle from sessionID's roster, if present.
func (r *Registry) RemoveListener(sessionID, socketHandle string) {
	sess, ok := r.find(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	delete(sess.listeners, socketHandle)
	sess.mu.Unlock()
}

// ChangeListenerLanguage re-validates and updates a listener's preferred
// language.
func (r *Registry) ChangeListenerLanguage(sessionID, socketHandle, newLanguage string) error {
	sess, ok := r.find(sessionID)
	if !ok {
		return apperror.New(apperror.CodeSessionNotFound, "session not found").WithDetails(sessionID, "", "changeListenerLanguage")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.Config.hasLanguage(newLanguage) {
		return apperror.New(apperror.CodeInvalidLanguage, "preferred language is not enabled for this session").WithDetails(sessionID, "", "changeListenerLanguage")
	}
	l, ok := sess.listeners[socketHandle]
	if !ok {
		return apperror.New(apperror.CodeSessionNotFound, "listener is not joined to this session").WithDetails(sessionID, "", "changeListenerLanguage")
	}
	l.PreferredLanguage = newLanguage
	l.LastSeen = time.Now().UTC()
	return nil
}

// End transitions sessionID to ended, clears its roster, and persists the
// final state. It returns the sockets that were listening so the caller
// can notify them.
func (r *Registry) End(sessionID, adminID string) ([]string, error) {
	if !r.VerifyAccess(sessionID, adminID, AccessWrite) {
		return nil, apperror.New(apperror.CodeSessionNotOwned, "session is not owned by the requesting admin").WithDetails(sessionID, adminID, "end")
	}
	lock := r.lockFor(sessionID)
	if !tryLockWithRetry(lock) {
		return nil, apperror.New(apperror.CodeStorageError, "session record lock contention").WithDetails(sessionID, adminID, "end")
	}
	defer lock.Unlock()

	sess, _ := r.find(sessionID)
	sess.mu.Lock()
	sockets := make([]string, 0, len(sess.listeners))
	for h := range sess.listeners {
		sockets = append(sockets, h)
	}
	sess.listeners = make(map[string]*Listener)
	sess.Status = StatusEnded
	sess.LastActivity = time.Now().UTC()
	sess.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return nil, err
	}
	return sockets, nil
}

// EndUpstream is End without an ownership check, used when the owning
// identity was deleted upstream or the session timed out.
func (r *Registry) EndUpstream(sessionID string) ([]string, error) {
	sess, ok := r.find(sessionID)
	if !ok {
		return nil, apperror.New(apperror.CodeSessionNotFound, "session not found").WithDetails(sessionID, "", "endUpstream")
	}
	lock := r.lockFor(sessionID)
	if !tryLockWithRetry(lock) {
		return nil, apperror.New(apperror.CodeStorageError, "session record lock contention").WithDetails(sessionID, "", "endUpstream")
	}
	defer lock.Unlock()

	sess.mu.Lock()
	sockets := make([]string, 0, len(sess.listeners))
	for h := range sess.listeners {
		sockets = append(sockets, h)
	}
	sess.listeners = make(map[string]*Listener)
	sess.Status = StatusEnded
	sess.LastActivity = time.Now().UTC()
	sess.mu.Unlock()

	if err := r.persist(sess); err != nil {
		return nil, err
	}
	return sockets, nil
}

// ForEachListenerInLanguage iterates a snapshot of sessionID's roster for
// language without blocking concurrent roster mutations.
func (r *Registry) ForEachListenerInLanguage(sessionID, language string, fn func(Listener)) {
	sess, ok := r.find(sessionID)
	if !ok {
		return
	}
	sess.mu.RLock()
	snapshot := make([]Listener, 0, len(sess.listeners))
	for _, l := range sess.listeners {
		if l.PreferredLanguage == language {
			snapshot = append(snapshot, *l)
		}
	}
	sess.mu.RUnlock()

	for _, l := range snapshot {
		fn(l)
	}
}

// Listeners returns a snapshot of sessionID's full roster.
func (r *Registry) Listeners(sessionID string) []Listener {
	sess, ok := r.find(sessionID)
	if !ok {
		return nil
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	out := make([]Listener, 0, len(sess.listeners))
	for _, l := range sess.listeners {
		out = append(out, *l)
	}
	return out
}

// ListenerCountTotal reports the number of joined listeners across every
// session.
func (r *Registry) ListenerCountTotal() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, sess := range r.sessions {
		sess.mu.RLock()
		total += len(sess.listeners)
		sess.mu.RUnlock()
	}
	return total
}

// Delete removes sessionID from memory and disk. Intended for ended
// sessions; the caller decides eligibility.
func (r *Registry) Delete(sessionID string) error {
	lock := r.lockFor(sessionID)
	if !tryLockWithRetry(lock) {
		return apperror.New(apperror.CodeStorageError, "session record lock contention").WithDetails(sessionID, "", "delete")
	}
	defer lock.Unlock()

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	path := filepath.Join(r.dir, sessionID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperror.Wrap(apperror.CodeStorageError, "failed to delete session file", err)
	}
	return nil
}

// CleanupPass ends sessions idle longer than idleTimeout and deletes
// ended sessions whose last activity is older than endedRetention. It
// returns the sockets of listeners evicted by a timeout so the caller can
// notify them, plus the ids of deleted sessions.
func (r *Registry) CleanupPass(idleTimeout, endedRetention time.Duration) (timedOut map[string][]string, deleted []string) {
	now := time.Now().UTC()
	timedOut = make(map[string][]string)
	for _, snap := range r.List("") {
		switch snap.Status {
		case StatusEnded:
			if endedRetention >= 0 && now.Sub(snap.LastActivity) > endedRetention {
				if err := r.Delete(snap.SessionID); err == nil {
					deleted = append(deleted, snap.SessionID)
				}
			}
		case StatusActive, StatusPaused:
			if idleTimeout > 0 && now.Sub(snap.LastActivity) > idleTimeout {
				if sockets, err := r.EndUpstream(snap.SessionID); err == nil {
					timedOut[snap.SessionID] = sockets
				}
			}
		}
	}
	return timedOut, deleted
}

// ScanOrphans reports sessions whose owner is absent from knownAdmins,
// for the periodic maintenance loop.
func (r *Registry) ScanOrphans(knownAdmins func(adminID string) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var orphans []string
	for id, sess := range r.sessions {
		sess.mu.RLock()
		owner := sess.AdminID
		status := sess.Status
		sess.mu.RUnlock()
		if status != StatusEnded && !knownAdmins(owner) {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func (r *Registry) persist(sess *Session) error {
	sess.mu.RLock()
	persisted := struct {
		SessionID    string    `json:"sessionId"`
		AdminID      string    `json:"adminId"`
		CreatedBy    string    `json:"createdBy"`
		Config       Config    `json:"config"`
		CreatedAt    time.Time `json:"createdAt"`
		LastActivity time.Time `json:"lastActivity"`
		Status       Status    `json:"status"`
	}{
		SessionID:    sess.SessionID,
		AdminID:      sess.AdminID,
		CreatedBy:    sess.CreatedBy,
		Config:       sess.Config,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		Status:       sess.Status,
	}
	sess.mu.RUnlock()

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return apperror.Wrap(apperror.CodeStorageError, "failed to marshal session record", err)
	}
	path := filepath.Join(r.dir, persisted.SessionID+".json")
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return apperror.Wrap(apperror.CodeStorageError, "failed to create pending session file", err)
	}
	defer pendingFile.Cleanup()

	if _, err := pendingFile.Write(data); err != nil {
		return apperror.Wrap(apperror.CodeStorageError, "failed to write pending session file", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return apperror.Wrap(apperror.CodeStorageError, "failed to atomically replace session file", err)
	}
	return nil
}

// StartOrphanScan launches a periodic background scan for orphaned
// sessions, reporting discoveries to onOrphan.
func (r *Registry) StartOrphanScan(ctx context.Context, interval time.Duration, knownAdmins func(adminID string) bool, onOrphan func([]string)) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if orphans := r.ScanOrphans(knownAdmins); len(orphans) > 0 && onOrphan != nil {
					onOrphan(orphans)
				}
			}
		}
	}()
}
