package router

import (
	"context"

	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/protocol"
)

func (r *Router) sendListenerError(c *Client, e *apperror.Error) {
	c.Send(protocol.ListenerErrorFrom(e))
}

func (r *Router) handleJoinSession(_ context.Context, c *Client, f protocol.JoinSession) {
	if c.Role() == RoleAdmin {
		r.sendAdminError(c, apperror.New(apperror.CodeOperationNotAllowed, "operator connections cannot join as listeners"))
		return
	}
	if prev := c.SessionID(); prev != "" && prev != f.SessionID {
		r.sessions.RemoveListener(prev, c.ID)
	}
	if err := r.sessions.AddListener(f.SessionID, c.ID, f.PreferredLanguage, f.Capabilities); err != nil {
		r.sendListenerError(c, classify(err))
		return
	}
	c.bindListener(f.SessionID)
	r.updateRosterGauges()
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues("listener_joined").Inc()
	}

	snap, err := r.sessions.Get(f.SessionID, "")
	if err != nil {
		r.sendListenerError(c, classify(err))
		return
	}
	c.Send(protocol.SessionMetadata{
		Type:      protocol.TypeSessionMetadata,
		Session:   protocol.ViewOf(snap),
		Timestamp: protocol.Now(),
	})
}

func (r *Router) handleLeaveSession(_ context.Context, c *Client, f protocol.LeaveSession) {
	if c.Role() != RoleListener {
		return
	}
	r.sessions.RemoveListener(f.SessionID, c.ID)
	c.unbindListener()
	r.updateRosterGauges()
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues("listener_left").Inc()
	}
}

func (r *Router) handleChangeLanguage(_ context.Context, c *Client, f protocol.ChangeLanguage) {
	if c.Role() != RoleListener {
		r.sendListenerError(c, apperror.New(apperror.CodeOperationNotAllowed, "change-language requires a joined listener connection"))
		return
	}
	if err := r.sessions.ChangeListenerLanguage(f.SessionID, c.ID, f.NewLanguage); err != nil {
		r.sendListenerError(c, classify(err))
		return
	}
	snap, err := r.sessions.Get(f.SessionID, "")
	if err != nil {
		r.sendListenerError(c, classify(err))
		return
	}
	c.Send(protocol.SessionMetadataUpdate{
		Type:      protocol.TypeSessionMetadataUpdate,
		Session:   protocol.ViewOf(snap),
		Timestamp: protocol.Now(),
	})
}
