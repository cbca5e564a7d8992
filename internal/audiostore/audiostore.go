// Package audiostore implements the hub's audio object store (C5): a
// content-addressed cache of synthesized audio served over HTTP, with an
// in-memory TTL cache optionally backed by disk and evicted by total
// size, entry count, or idle age, whichever binds first.
package audiostore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/livetranslate/hub/internal/logging"
)

// Object is one cached audio payload and its metadata.
type Object struct {
	Key          string
	Bytes        []byte
	Format       string
	MIMEType     string
	Size         int64
	Duration     time.Duration
	VoiceProfile string
	CreatedAt    time.Time
	LastAccess   time.Time
}

// Config controls the store's eviction bounds and serving URL shape.
type Config struct {
	BaseURL    string // e.g. "http://localhost:3001"
	Dir        string // optional disk backing; empty disables it
	MaxBytes   int64
	MaxEntries int
	IdleTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 1 << 30
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 20000
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 6 * time.Hour
	}
	return c
}

// keyPattern is the full key space: lowercase hex SHA-256. Requests whose
// key does not match are refused before any lookup, closing off path
// traversal and enumeration probes.
var keyPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidKey reports whether key is a well-formed content hash.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Key computes the deterministic content address for a synthesis input.
// Text is normalized (whitespace collapsed) so trivial spacing variants
// share an entry.
func Key(text, language, voiceProfile, format string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(voiceProfile))
	h.Write([]byte{0})
	h.Write([]byte(format))
	return hex.EncodeToString(h.Sum(nil))
}

// MIMEFor maps an audio format extension to its MIME type.
func MIMEFor(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// Store is the hub's audio object store (C5). Byte payloads are immutable
// once written; a single mutex guards the metadata.
type Store struct {
	cfg   Config
	cache *gocache.Cache

	mu         sync.Mutex
	totalBytes int64
	entries    int
}

// New constructs a Store. If cfg.Dir is set, payloads are also written to
// disk so a restart does not cold-start the cache for hot entries.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("audiostore: create dir: %w", err)
		}
	}
	s := &Store{
		cfg:   cfg,
		cache: gocache.New(cfg.IdleTTL, cfg.IdleTTL/2),
	}
	s.cache.OnEvicted(func(key string, v any) {
		obj, ok := v.(*Object)
		if !ok {
			return
		}
		s.mu.Lock()
		s.totalBytes -= obj.Size
		s.entries--
		s.mu.Unlock()
		s.removeDisk(obj)
	})
	return s, nil
}

// Put stores a synthesized payload and returns its serving URL.
func (s *Store) Put(text, language, voiceProfile string, data []byte, format string, duration time.Duration) (string, error) {
	key := Key(text, language, voiceProfile, format)
	now := time.Now().UTC()
	obj := &Object{
		Key:          key,
		Bytes:        data,
		Format:       format,
		MIMEType:     MIMEFor(format),
		Size:         int64(len(data)),
		Duration:     duration,
		VoiceProfile: voiceProfile,
		CreatedAt:    now,
		LastAccess:   now,
	}

	if _, exists := s.cache.Get(key); !exists {
		s.mu.Lock()
		s.totalBytes += obj.Size
		s.entries++
		s.mu.Unlock()
	}
	s.cache.Set(key, obj, gocache.DefaultExpiration)

	if s.cfg.Dir != "" {
		path := filepath.Join(s.cfg.Dir, key+"."+format)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			logger := logging.WithComponent("audiostore")
			logger.Warn().Err(err).Str("key", key).Msg("disk backing write failed")
		}
	}

	s.enforceCaps()
	return s.URL(key, format), nil
}

// Get returns the object for key, refreshing its idle clock, or nil if the
// key is malformed, evicted, or unknown.
func (s *Store) Get(key string) *Object {
	if !ValidKey(key) {
		return nil
	}
	if v, ok := s.cache.Get(key); ok {
		obj := v.(*Object)
		obj.LastAccess = time.Now().UTC()
		s.cache.Set(key, obj, gocache.DefaultExpiration)
		return obj
	}
	return s.loadDisk(key)
}

// Has reports a cache hit for a synthesis input without touching the idle
// clock.
func (s *Store) Has(text, language, voiceProfile, format string) bool {
	_, ok := s.cache.Get(Key(text, language, voiceProfile, format))
	return ok
}

// URL builds the serving URL for a stored key.
func (s *Store) URL(key, format string) string {
	return fmt.Sprintf("%s/audio/%s.%s", strings.TrimRight(s.cfg.BaseURL, "/"), key, format)
}

// Stats reports the current entry count and total payload size.
func (s *Store) Stats() (entries int, totalBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries, s.totalBytes
}

// Sweep expires idle entries and re-enforces the size and entry caps. Run
// from the periodic maintenance loop.
func (s *Store) Sweep() {
	s.cache.DeleteExpired()
	s.enforceCaps()
}

// enforceCaps evicts least-recently-accessed entries until both the total
// size and entry caps hold.
func (s *Store) enforceCaps() {
	s.mu.Lock()
	over := s.totalBytes > s.cfg.MaxBytes || s.entries > s.cfg.MaxEntries
	s.mu.Unlock()
	if !over {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	items := s.cache.Items()
	byAge := make([]aged, 0, len(items))
	for k, item := range items {
		obj, ok := item.Object.(*Object)
		if !ok {
			continue
		}
		byAge = append(byAge, aged{key: k, last: obj.LastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].last.Before(byAge[j].last) })

	for _, candidate := range byAge {
		s.mu.Lock()
		over := s.totalBytes > s.cfg.MaxBytes || s.entries > s.cfg.MaxEntries
		s.mu.Unlock()
		if !over {
			return
		}
		s.cache.Delete(candidate.key)
	}
}

func (s *Store) loadDisk(key string) *Object {
	if s.cfg.Dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, key+".*"))
	if err != nil || len(matches) == 0 {
		return nil
	}
	path := matches[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	now := time.Now().UTC()
	obj := &Object{
		Key:        key,
		Bytes:      data,
		Format:     format,
		MIMEType:   MIMEFor(format),
		Size:       int64(len(data)),
		CreatedAt:  now,
		LastAccess: now,
	}
	s.mu.Lock()
	s.totalBytes += obj.Size
	s.entries++
	s.mu.Unlock()
	s.cache.Set(key, obj, gocache.DefaultExpiration)
	return obj
}

func (s *Store) removeDisk(obj *Object) {
	if s.cfg.Dir == "" {
		return
	}
	_ = os.Remove(filepath.Join(s.cfg.Dir, obj.Key+"."+obj.Format))
}
