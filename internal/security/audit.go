package security

import (
	"sync"
	"time"

	"github.com/livetranslate/hub/internal/logging"
)

// EventType is one kind of security event in the audit trail.
type EventType string

const (
	EventAuthSuccess        EventType = "authSuccess"
	EventAuthFailure        EventType = "authFailure"
	EventTokenRejected      EventType = "tokenRejected"
	EventOwnershipViolation EventType = "ownershipViolation"
	EventRateLimited        EventType = "rateLimited"
	EventTokenRefreshed     EventType = "tokenRefreshed"
)

// Event is one audit record: who did what, when, with what outcome.
type Event struct {
	Type      EventType `json:"type"`
	Subject   string    `json:"subject"`
	Operation string    `json:"operation"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Audit is a bounded in-memory ring of security events, mirrored to the
// structured log under a dedicated component.
type Audit struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	count int
}

// NewAudit constructs a ring holding up to capacity events; older events
// are overwritten.
func NewAudit(capacity int) *Audit {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Audit{ring: make([]Event, capacity)}
}

// Record appends an event to the ring and the audit log.
func (a *Audit) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	a.mu.Lock()
	a.ring[a.next] = ev
	a.next = (a.next + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
	a.mu.Unlock()

	logger := logging.WithComponent("audit")
	logger.Info().
		Str("event_type", string(ev.Type)).
		Str("subject", ev.Subject).
		Str("operation", ev.Operation).
		Str("reason", ev.Reason).
		Time("at", ev.At).
		Msg("security event")
}

// Snapshot returns the retained events, oldest first.
func (a *Audit) Snapshot() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, 0, a.count)
	start := a.next - a.count
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < a.count; i++ {
		out = append(out, a.ring[(start+i)%len(a.ring)])
	}
	return out
}

// Len reports how many events are retained.
func (a *Audit) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
