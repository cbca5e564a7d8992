package router

import (
	"context"
	"time"

	"github.com/livetranslate/hub/internal/adminstore"
	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
)

func (r *Router) handleAdminAuth(ctx context.Context, c *Client, f protocol.AdminAuth) {
	if ok, retryAfter, locked := r.limiter.AllowAuth(c.RemoteIP); !ok {
		if r.metrics != nil {
			r.metrics.RateLimitRejections.WithLabelValues("ip").Inc()
			r.metrics.AuthAttempts.WithLabelValues(string(f.Method), "rate_limited").Inc()
		}
		reason := "auth rate limit exceeded"
		if locked {
			reason = "ip locked out"
		}
		r.audit.Record(security.Event{Type: security.EventRateLimited, Subject: c.RemoteIP, Operation: "admin-auth", Reason: reason})
		// During lockout the code is the same regardless of credential
		// correctness.
		r.sendAdminError(c, apperror.New(apperror.CodeRateLimited, "too many authentication attempts").WithRetryAfter(retryAfter).WithDetails("", "", "admin-auth"))
		return
	}

	switch f.Method {
	case protocol.AuthMethodCredentials:
		r.authWithCredentials(ctx, c, f)
	case protocol.AuthMethodToken:
		r.authWithToken(ctx, c, f)
	}
}

func (r *Router) authWithCredentials(ctx context.Context, c *Client, f protocol.AdminAuth) {
	creds, err := r.verifier.AuthenticateCredentials(ctx, f.Username, f.Password)
	if err != nil {
		r.limiter.RecordAuthFailure(c.RemoteIP)
		ae := classify(err)
		r.audit.Record(security.Event{Type: security.EventAuthFailure, Subject: f.Username, Operation: "admin-auth", Reason: string(ae.Code)})
		if r.metrics != nil {
			r.metrics.AuthAttempts.WithLabelValues("credentials", "failure").Inc()
		}
		r.sendAdminError(c, ae.WithDetails("", "", "admin-auth"))
		return
	}

	rec, err := r.admins.GetOrCreateFromProvider(adminstore.UserInfo{
		Subject:  creds.Subject,
		Username: creds.Username,
		Email:    creds.Email,
		Groups:   creds.Groups,
	})
	if err != nil {
		r.sendAdminError(c, classify(err).WithDetails("", creds.Subject, "admin-auth"))
		return
	}

	r.limiter.RecordAuthSuccess(c.RemoteIP)
	_ = r.admins.AddActiveSocket(rec.AdminID, c.ID)
	c.bindAdmin(rec.AdminID, rec.Username)
	r.audit.Record(security.Event{Type: security.EventAuthSuccess, Subject: rec.AdminID, Operation: "admin-auth"})
	if r.metrics != nil {
		r.metrics.AuthAttempts.WithLabelValues("credentials", "success").Inc()
	}

	c.Send(protocol.AdminAuthResponse{
		Type:     protocol.TypeAdminAuthResponse,
		Success:  true,
		AdminID:  rec.AdminID,
		Username: rec.Username,
		Email:    rec.Email,
		Tokens: &protocol.Tokens{
			AccessToken:  creds.AccessToken,
			IDToken:      creds.IDToken,
			RefreshToken: creds.RefreshToken,
			ExpiresIn:    creds.ExpiresIn,
		},
		OwnedSessions: sessionViews(r.sessions.ListOwnedBy(rec.AdminID)),
		AllSessions:   sessionViews(r.sessions.List(rec.AdminID)),
		Permissions:   protocol.Permissions{CanCreateSessions: true},
		Timestamp:     protocol.Now(),
	})
	r.scheduleExpiryWarning(c, creds.ExpiresIn)
}

func (r *Router) authWithToken(ctx context.Context, c *Client, f protocol.AdminAuth) {
	info, err := r.verifier.ValidateAccessToken(ctx, f.Token)
	if err != nil {
		r.limiter.RecordAuthFailure(c.RemoteIP)
		ae := classify(err)
		r.audit.Record(security.Event{Type: security.EventTokenRejected, Subject: c.RemoteIP, Operation: "admin-auth", Reason: string(ae.Code)})
		if r.metrics != nil {
			r.metrics.AuthAttempts.WithLabelValues("token", "failure").Inc()
		}
		r.sendAdminError(c, ae.WithDetails("", "", "admin-auth"))
		return
	}

	rec, err := r.admins.GetOrCreateFromProvider(adminstore.UserInfo{
		Subject:  info.Subject,
		Username: info.Username,
		Email:    info.Email,
		Groups:   info.Groups,
	})
	if err != nil {
		r.sendAdminError(c, classify(err).WithDetails("", info.Subject, "admin-auth"))
		return
	}

	r.limiter.RecordAuthSuccess(c.RemoteIP)
	_ = r.admins.AddActiveSocket(rec.AdminID, c.ID)
	c.bindAdmin(rec.AdminID, rec.Username)
	r.audit.Record(security.Event{Type: security.EventAuthSuccess, Subject: rec.AdminID, Operation: "admin-auth"})
	if r.metrics != nil {
		r.metrics.AuthAttempts.WithLabelValues("token", "success").Inc()
	}

	// Token re-auth never mints tokens; the client already holds them.
	c.Send(protocol.AdminAuthResponse{
		Type:          protocol.TypeAdminAuthResponse,
		Success:       true,
		AdminID:       rec.AdminID,
		Username:      rec.Username,
		Email:         rec.Email,
		OwnedSessions: sessionViews(r.sessions.ListOwnedBy(rec.AdminID)),
		AllSessions:   sessionViews(r.sessions.List(rec.AdminID)),
		Permissions:   protocol.Permissions{CanCreateSessions: true},
		Timestamp:     protocol.Now(),
	})

	var recovered []string
	for _, snap := range r.sessions.ListOwnedBy(rec.AdminID) {
		if snap.Status != session.StatusEnded {
			_ = r.sessions.UpdateCurrentAdminSocket(snap.SessionID, c.ID)
			recovered = append(recovered, snap.SessionID)
		}
	}
	if len(recovered) > 0 {
		c.Send(protocol.AdminReconnection{
			Type:              protocol.TypeAdminReconnection,
			AdminID:           rec.AdminID,
			RecoveredSessions: recovered,
			Timestamp:         protocol.Now(),
		})
	}
}

func (r *Router) handleTokenRefresh(ctx context.Context, c *Client, f protocol.TokenRefresh) {
	adminID, ok := r.requireAdmin(c, "token-refresh")
	if !ok {
		return
	}
	res, err := r.verifier.RefreshAccessToken(ctx, f.Username, f.RefreshToken)
	if err != nil {
		r.sendAdminError(c, classify(err).WithDetails("", adminID, "token-refresh"))
		return
	}
	r.audit.Record(security.Event{Type: security.EventTokenRefreshed, Subject: adminID, Operation: "token-refresh"})
	c.Send(protocol.TokenRefreshResponse{
		Type:        protocol.TypeTokenRefreshResponse,
		Success:     true,
		AccessToken: res.AccessToken,
		ExpiresIn:   res.ExpiresIn,
		Timestamp:   protocol.Now(),
	})
	r.scheduleExpiryWarning(c, res.ExpiresIn)
}

// scheduleExpiryWarning arms a one-shot warning ahead of token expiry so
// the operator can refresh without interruption. Refreshing re-arms it.
func (r *Router) scheduleExpiryWarning(c *Client, expiresIn int32) {
	lead := r.cfg.TokenExpiryLead
	expiry := time.Duration(expiresIn) * time.Second
	if expiresIn <= 0 || expiry <= lead {
		return
	}
	timer := time.AfterFunc(expiry-lead, func() {
		c.Send(protocol.TokenExpiryWarning{
			Type:             protocol.TypeTokenExpiryWarning,
			ExpiresInSeconds: int32(lead.Seconds()),
			Timestamp:        protocol.Now(),
		})
	})
	c.setExpiryTimer(timer)
}
