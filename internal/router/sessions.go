package router

import (
	"context"

	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
)

func (r *Router) handleStartSession(_ context.Context, c *Client, f protocol.StartSession) {
	adminID, ok := r.requireAdmin(c, "start-session")
	if !ok {
		return
	}
	c.mu.Lock()
	createdBy := c.username
	c.mu.Unlock()

	snap, err := r.sessions.Create(f.SessionID, f.Config, adminID, c.ID, createdBy)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	if err := r.admins.AddOwnedSession(adminID, f.SessionID); err != nil {
		// Roll back so owner → session consistency holds.
		_, _ = r.sessions.End(f.SessionID, adminID)
		_ = r.sessions.Delete(f.SessionID)
		r.sendAdminError(c, classify(err))
		return
	}

	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	r.updateRosterGauges()
	log.Info().Str("session_id", f.SessionID).Str("admin_id", adminID).Msg("session created")

	c.Send(protocol.StartSessionResponse{
		Type:      protocol.TypeStartSessionResponse,
		Success:   true,
		Session:   protocol.ViewOf(snap),
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleEndSession(_ context.Context, c *Client, f protocol.EndSession) {
	adminID, ok := r.requireAdmin(c, "end-session")
	if !ok {
		return
	}
	sockets, err := r.sessions.End(f.SessionID, adminID)
	if err != nil {
		ae := classify(err)
		if ae.Code == apperror.CodeSessionNotOwned {
			r.audit.Record(security.Event{Type: security.EventOwnershipViolation, Subject: adminID, Operation: "end-session", Reason: f.SessionID})
		}
		r.sendAdminError(c, ae)
		return
	}

	ended := protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: f.SessionID, Reason: "ended by operator", Timestamp: protocol.Now()}
	for _, handle := range sockets {
		if lc := r.clientByID(handle); lc != nil {
			lc.Send(ended)
			lc.unbindListener()
		}
	}
	_ = r.admins.RemoveOwnedSession(adminID, f.SessionID)

	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	r.updateRosterGauges()
	log.Info().Str("session_id", f.SessionID).Str("admin_id", adminID).Int("listeners_notified", len(sockets)).Msg("session ended")

	c.Send(protocol.EndSessionResponse{
		Type:      protocol.TypeEndSessionResponse,
		Success:   true,
		SessionID: f.SessionID,
		Timestamp: protocol.Now(),
	})
}

// applyConfigUpdate installs newConfig and notifies listeners: those whose
// language was removed get language-removed and leave the roster; the
// rest get config-updated.
func (r *Router) applyConfigUpdate(c *Client, adminID, sessionID string, newConfig session.Config, operation string) (session.Snapshot, []string, bool) {
	removed, err := r.sessions.UpdateConfig(sessionID, adminID, newConfig)
	if err != nil {
		ae := classify(err)
		if ae.Code == apperror.CodeSessionNotOwned {
			r.audit.Record(security.Event{Type: security.EventOwnershipViolation, Subject: adminID, Operation: operation, Reason: sessionID})
		}
		r.sendAdminError(c, ae)
		return session.Snapshot{}, nil, false
	}

	for _, lang := range removed {
		frame := protocol.LanguageRemoved{
			Type:               protocol.TypeLanguageRemoved,
			SessionID:          sessionID,
			Language:           lang,
			RemainingLanguages: newConfig.EnabledLanguages,
			Timestamp:          protocol.Now(),
		}
		r.sessions.ForEachListenerInLanguage(sessionID, lang, func(l session.Listener) {
			if lc := r.clientByID(l.SocketHandle); lc != nil {
				lc.Send(frame)
				lc.unbindListener()
			}
			r.sessions.RemoveListener(sessionID, l.SocketHandle)
		})
	}

	updated := protocol.ConfigUpdated{Type: protocol.TypeConfigUpdated, SessionID: sessionID, Config: newConfig, Timestamp: protocol.Now()}
	for _, l := range r.sessions.Listeners(sessionID) {
		if lc := r.clientByID(l.SocketHandle); lc != nil {
			lc.Send(updated)
		}
	}

	snap, err := r.sessions.Get(sessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return session.Snapshot{}, nil, false
	}
	r.updateRosterGauges()
	return snap, removed, true
}

func (r *Router) handleUpdateSessionConfig(_ context.Context, c *Client, f protocol.UpdateSessionConfig) {
	adminID, ok := r.requireAdmin(c, "update-session-config")
	if !ok {
		return
	}
	snap, removed, ok := r.applyConfigUpdate(c, adminID, f.SessionID, f.Config, "update-session-config")
	if !ok {
		return
	}
	c.Send(protocol.UpdateSessionConfigResponse{
		Type:             protocol.TypeUpdateSessionConfigResponse,
		Success:          true,
		Session:          protocol.ViewOf(snap),
		RemovedLanguages: removed,
		Timestamp:        protocol.Now(),
	})
}

func (r *Router) handleLanguageUpdate(_ context.Context, c *Client, f protocol.LanguageUpdate) {
	adminID, ok := r.requireAdmin(c, "language-update")
	if !ok {
		return
	}
	current, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	cfg := current.Config
	cfg.EnabledLanguages = f.Languages

	snap, _, ok := r.applyConfigUpdate(c, adminID, f.SessionID, cfg, "language-update")
	if !ok {
		return
	}
	c.Send(protocol.SessionMetadataUpdate{
		Type:      protocol.TypeSessionMetadataUpdate,
		Session:   protocol.ViewOf(snap),
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleTTSConfigUpdate(_ context.Context, c *Client, f protocol.TTSConfigUpdate) {
	adminID, ok := r.requireAdmin(c, "tts-config-update")
	if !ok {
		return
	}
	current, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	cfg := current.Config
	if f.TTSMode != "" {
		cfg.TTSMode = f.TTSMode
	}
	if f.AudioQuality != "" {
		cfg.AudioQuality = f.AudioQuality
	}

	snap, _, ok := r.applyConfigUpdate(c, adminID, f.SessionID, cfg, "tts-config-update")
	if !ok {
		return
	}
	frame := protocol.TTSConfigUpdated{
		Type:         protocol.TypeTTSConfigUpdate,
		SessionID:    f.SessionID,
		TTSMode:      snap.Config.TTSMode,
		AudioQuality: snap.Config.AudioQuality,
		Timestamp:    protocol.Now(),
	}
	for _, l := range r.sessions.Listeners(f.SessionID) {
		if lc := r.clientByID(l.SocketHandle); lc != nil {
			lc.Send(frame)
		}
	}
	c.Send(frame)
}

func (r *Router) handleListSessions(_ context.Context, c *Client, f protocol.ListSessions) {
	adminID, ok := r.requireAdmin(c, "list-sessions")
	if !ok {
		return
	}
	var snaps []session.Snapshot
	if f.Filter == "owned" {
		snaps = r.sessions.ListOwnedBy(adminID)
	} else {
		snaps = r.sessions.List(adminID)
	}
	c.Send(protocol.ListSessionsResponse{
		Type:      protocol.TypeListSessionsResponse,
		Sessions:  sessionViews(snaps),
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleAdminSessionAccess(_ context.Context, c *Client, f protocol.AdminSessionAccess) {
	adminID, ok := r.requireAdmin(c, "admin-session-access")
	if !ok {
		return
	}
	snap, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	// Read access is universal; write access is owner-only.
	if f.Mode == "write" && !snap.IsOwner {
		r.audit.Record(security.Event{Type: security.EventOwnershipViolation, Subject: adminID, Operation: "admin-session-access", Reason: f.SessionID})
		r.sendAdminError(c, apperror.New(apperror.CodeSessionNotOwned, "write access requires ownership").WithDetails(f.SessionID, adminID, "admin-session-access"))
		return
	}
	c.Send(protocol.SessionMetadata{
		Type:      protocol.TypeSessionMetadata,
		Session:   protocol.ViewOf(snap),
		Timestamp: protocol.Now(),
	})
}
