// Package router implements the hub's message router and protocol layer
// (C6): it validates and dispatches every inbound frame to the correct
// handler, enforcing authentication, ownership, and rate limits on the
// way through.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/livetranslate/hub/internal/adminstore"
	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/audiostore"
	"github.com/livetranslate/hub/internal/identity"
	"github.com/livetranslate/hub/internal/logging"
	"github.com/livetranslate/hub/internal/observability"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
	"github.com/livetranslate/hub/internal/tts"
)

// IdentityVerifier is the router's view of C1. Tests supply a fake.
type IdentityVerifier interface {
	AuthenticateCredentials(ctx context.Context, username, password string) (identity.Credentials, error)
	ValidateAccessToken(ctx context.Context, token string) (identity.TokenInfo, error)
	RefreshAccessToken(ctx context.Context, username, refreshToken string) (identity.RefreshResult, error)
}

// Config carries the router's tunables.
type Config struct {
	TTSEnabled           bool
	DefaultVoiceMode     tts.Mode
	SynthesisConcurrency int
	TokenExpiryLead      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultVoiceMode == "" {
		c.DefaultVoiceMode = tts.ModeNeural
	}
	if c.SynthesisConcurrency <= 0 {
		c.SynthesisConcurrency = 4
	}
	if c.TokenExpiryLead <= 0 {
		c.TokenExpiryLead = time.Minute
	}
	return c
}

// Router is the hub's message router (C6).
type Router struct {
	verifier IdentityVerifier
	admins   *adminstore.Store
	sessions *session.Registry
	engine   *tts.Engine
	audio    *audiostore.Store
	limiter  *security.Limiter
	audit    *security.Audit
	metrics  *observability.Metrics
	cfg      Config

	mu      sync.RWMutex
	clients map[string]*Client
}

// New wires the router to its collaborators and registers the TTS
// fallback event relay toward operator connections.
func New(verifier IdentityVerifier, admins *adminstore.Store, sessions *session.Registry, engine *tts.Engine, audio *audiostore.Store, limiter *security.Limiter, audit *security.Audit, metrics *observability.Metrics, cfg Config) *Router {
	r := &Router{
		verifier: verifier,
		admins:   admins,
		sessions: sessions,
		engine:   engine,
		audio:    audio,
		limiter:  limiter,
		audit:    audit,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		clients:  make(map[string]*Client),
	}
	if engine != nil {
		engine.OnFallback(func(ev tts.FallbackEvent) {
			frame := protocol.TTSFallback{
				Type:      protocol.TypeTTSFallback,
				Language:  ev.Language,
				FromTier:  string(ev.From),
				ToTier:    string(ev.To),
				Reason:    ev.Reason,
				Timestamp: protocol.Now(),
			}
			for _, admin := range r.adminClients() {
				admin.Send(frame)
			}
		})
	}
	return r
}

// NewClient registers a fresh connection.
func (r *Router) NewClient(remoteIP string) *Client {
	c := newClient(remoteIP)
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	return c
}

func (r *Router) clientByID(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

func (r *Router) adminClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Role() == RoleAdmin {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) allClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Disconnect tears down a connection's bindings. Owned sessions are
// preserved; a session is never ended because its operator disconnects.
func (r *Router) Disconnect(c *Client) {
	switch c.Role() {
	case RoleAdmin:
		adminID := c.AdminID()
		_ = r.admins.RemoveActiveSocket(adminID, c.ID)
		for _, snap := range r.sessions.ListOwnedBy(adminID) {
			if snap.CurrentAdminSocketID == c.ID {
				_ = r.sessions.UpdateCurrentAdminSocket(snap.SessionID, "")
			}
		}
	case RoleListener:
		if sid := c.SessionID(); sid != "" {
			r.sessions.RemoveListener(sid, c.ID)
		}
	}

	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()
	c.Close()
	r.updateRosterGauges()
}

// BroadcastShutdown notifies every connection that the hub is going down.
func (r *Router) BroadcastShutdown(reason string) {
	frame := protocol.ServerShutdown{Type: protocol.TypeServerShutdown, Reason: reason, Timestamp: protocol.Now()}
	for _, c := range r.allClients() {
		c.Send(frame)
	}
}

// HandleMessage validates and dispatches one inbound frame. Frames on a
// single socket are processed in arrival order by the transport's read
// loop calling this sequentially.
func (r *Router) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	parsed, err := protocol.ParseClientMessage(raw)
	if err != nil {
		if c.Role() == RoleListener {
			c.Send(protocol.ListenerErrorFrom(apperror.New(apperror.CodeInvalidInput, err.Error())))
		} else {
			r.sendAdminError(c, apperror.New(apperror.CodeInvalidInput, err.Error()))
		}
		return
	}
	if t, ok := protocol.MessageTypeOf(parsed); ok && r.metrics != nil {
		r.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
	}

	switch f := parsed.(type) {
	case protocol.AdminAuth:
		r.handleAdminAuth(ctx, c, f)
	case protocol.TokenRefresh:
		r.handleTokenRefresh(ctx, c, f)
	case protocol.StartSession:
		r.handleStartSession(ctx, c, f)
	case protocol.EndSession:
		r.handleEndSession(ctx, c, f)
	case protocol.UpdateSessionConfig:
		r.handleUpdateSessionConfig(ctx, c, f)
	case protocol.ListSessions:
		r.handleListSessions(ctx, c, f)
	case protocol.AdminSessionAccess:
		r.handleAdminSessionAccess(ctx, c, f)
	case protocol.BroadcastTranslation:
		r.handleBroadcastTranslation(ctx, c, f)
	case protocol.GenerateTTS:
		r.handleGenerateTTS(ctx, c, f)
	case protocol.TTSConfigUpdate:
		r.handleTTSConfigUpdate(ctx, c, f)
	case protocol.LanguageUpdate:
		r.handleLanguageUpdate(ctx, c, f)
	case protocol.JoinSession:
		r.handleJoinSession(ctx, c, f)
	case protocol.LeaveSession:
		r.handleLeaveSession(ctx, c, f)
	case protocol.ChangeLanguage:
		r.handleChangeLanguage(ctx, c, f)
	}
}

// classify maps any error to the taxonomy, preserving classified errors
// as-is and downgrading everything else to a generic internal error.
func classify(err error) *apperror.Error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperror.Wrap(apperror.CodeInternalError, "unexpected internal failure", err)
}

func (r *Router) sendAdminError(c *Client, e *apperror.Error) {
	c.Send(protocol.AdminErrorFrom(e))
}

// requireAdmin gates every post-auth operator frame: the socket must have
// a bound adminId and the per-admin operation windows must admit the
// call.
func (r *Router) requireAdmin(c *Client, operation string) (string, bool) {
	if c.Role() != RoleAdmin || c.AdminID() == "" {
		r.sendAdminError(c, apperror.New(apperror.CodeAccessDenied, "operation requires an authenticated admin connection").WithDetails("", "", operation))
		return "", false
	}
	adminID := c.AdminID()
	if ok, retryAfter := r.limiter.AllowOperation(adminID); !ok {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues("admin").Inc()
		}
		r.audit.Record(security.Event{Type: security.EventRateLimited, Subject: adminID, Operation: operation})
		r.sendAdminError(c, apperror.New(apperror.CodeRateLimited, "operation rate limit exceeded").WithRetryAfter(retryAfter).WithDetails("", adminID, operation))
		return "", false
	}
	return adminID, true
}

func (r *Router) updateRosterGauges() {
	if r.metrics == nil {
		return
	}
	active := 0
	for _, s := range r.sessions.List("") {
		if s.Status == session.StatusActive {
			active++
		}
	}
	r.metrics.ActiveSessions.Set(float64(active))
	r.metrics.ActiveListeners.Set(float64(r.sessions.ListenerCountTotal()))
}

// sessionViews converts registry snapshots for the wire.
func sessionViews(snaps []session.Snapshot) []protocol.SessionView {
	out := make([]protocol.SessionView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, protocol.ViewOf(s))
	}
	return out
}

// NotifySessionsEnded pushes a session-ended frame to each socket in the
// given rosters, for maintenance-initiated endings (idle timeout, orphan
// resolution).
func (r *Router) NotifySessionsEnded(rosters map[string][]string, reason string) {
	for sessionID, sockets := range rosters {
		frame := protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID, Reason: reason, Timestamp: protocol.Now()}
		for _, handle := range sockets {
			if lc := r.clientByID(handle); lc != nil {
				lc.Send(frame)
				lc.unbindListener()
			}
		}
	}
	r.updateRosterGauges()
}

var log = logging.WithComponent("router")
