package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/livetranslate/hub/internal/adminstore"
	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/audiostore"
	"github.com/livetranslate/hub/internal/identity"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
	"github.com/livetranslate/hub/internal/tts"
)

// fakeVerifier implements IdentityVerifier without the external provider.
type fakeVerifier struct{}

func (fakeVerifier) AuthenticateCredentials(_ context.Context, username, password string) (identity.Credentials, error) {
	if password != "p@ss" {
		return identity.Credentials{}, apperror.New(apperror.CodeInvalidCredentials, "provider rejected credentials")
	}
	return identity.Credentials{
		Subject:      "sub-" + username,
		Username:     username,
		Email:        username + "@example.com",
		AccessToken:  "access-" + username,
		IDToken:      "id-" + username,
		RefreshToken: "refresh-" + username,
		ExpiresIn:    3600,
	}, nil
}

func (fakeVerifier) ValidateAccessToken(_ context.Context, token string) (identity.TokenInfo, error) {
	var username string
	if _, err := fmt.Sscanf(token, "access-%s", &username); err != nil || username == "" {
		return identity.TokenInfo{}, apperror.New(apperror.CodeTokenInvalid, "unknown token")
	}
	return identity.TokenInfo{Subject: "sub-" + username, Username: username, Email: username + "@example.com"}, nil
}

func (fakeVerifier) RefreshAccessToken(_ context.Context, username, refreshToken string) (identity.RefreshResult, error) {
	if refreshToken != "refresh-"+username {
		return identity.RefreshResult{}, apperror.New(apperror.CodeRefreshTokenExpired, "refresh token rejected")
	}
	return identity.RefreshResult{AccessToken: "access-" + username, ExpiresIn: 3600}, nil
}

type testHub struct {
	router     *Router
	sessions   *session.Registry
	admins     *adminstore.Store
	sessionDir string
}

func newTestHub(t *testing.T, provider tts.Provider, limiterCfg security.LimiterConfig) *testHub {
	t.Helper()
	admins, err := adminstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("adminstore.Open() error = %v", err)
	}
	sessionDir := t.TempDir()
	sessions, _, err := session.Open(session.RegistryConfig{Dir: sessionDir}, nil)
	if err != nil {
		t.Fatalf("session.Open() error = %v", err)
	}
	audio, err := audiostore.New(audiostore.Config{BaseURL: "http://localhost:3001"})
	if err != nil {
		t.Fatalf("audiostore.New() error = %v", err)
	}
	if limiterCfg.AuthPerMinute == 0 {
		limiterCfg.AuthPerMinute = 1000
	}
	if limiterCfg.OpsPerSecond == 0 {
		limiterCfg.OpsPerSecond = 1000
	}
	engine := tts.NewEngine(provider, tts.EngineConfig{Timeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond})
	rtr := New(fakeVerifier{}, admins, sessions, engine, audio, security.NewLimiter(limiterCfg), security.NewAudit(64), nil, Config{
		TTSEnabled: provider != nil,
	})
	return &testHub{router: rtr, sessions: sessions, admins: admins, sessionDir: sessionDir}
}

func (h *testHub) send(c *Client, frame string) {
	h.router.HandleMessage(context.Background(), c, []byte(frame))
}

func recv(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case v := <-c.Outbound():
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func authAdmin(t *testing.T, h *testHub, username string) *Client {
	t.Helper()
	c := h.router.NewClient("10.0.0.1")
	h.send(c, fmt.Sprintf(`{"type":"admin-auth","method":"credentials","username":%q,"password":"p@ss"}`, username))
	resp, ok := recv(t, c).(protocol.AdminAuthResponse)
	if !ok || !resp.Success {
		t.Fatalf("expected successful auth for %s, got %+v", username, resp)
	}
	return c
}

func startSession(t *testing.T, h *testHub, c *Client, sessionID string) {
	t.Helper()
	h.send(c, fmt.Sprintf(`{"type":"start-session","sessionId":%q,"config":{"enabledLanguages":["en","es","fr"],"ttsMode":"neural","audioQuality":"high"}}`, sessionID))
	resp, ok := recv(t, c).(protocol.StartSessionResponse)
	if !ok || !resp.Success {
		t.Fatalf("expected start-session-response, got %+v", resp)
	}
}

func joinListener(t *testing.T, h *testHub, lang string) *Client {
	t.Helper()
	l := h.router.NewClient("10.0.0.2")
	h.send(l, fmt.Sprintf(`{"type":"join-session","sessionId":"CHURCH-2025-001","preferredLanguage":%q,"capabilities":{"canPlaySynthesized":true}}`, lang))
	if _, ok := recv(t, l).(protocol.SessionMetadata); !ok {
		t.Fatalf("expected session-metadata after join for %s", lang)
	}
	return l
}

func TestCredentialsAuthReturnsTokensAndPermissions(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	c := h.router.NewClient("10.0.0.1")
	h.send(c, `{"type":"admin-auth","method":"credentials","username":"alice","password":"p@ss"}`)

	resp, ok := recv(t, c).(protocol.AdminAuthResponse)
	if !ok {
		t.Fatal("expected admin-auth-response")
	}
	if resp.AdminID != "sub-alice" || resp.Tokens == nil || resp.Tokens.RefreshToken != "refresh-alice" {
		t.Fatalf("resp = %+v", resp)
	}
	if !resp.Permissions.CanCreateSessions {
		t.Fatal("permissions.canCreateSessions must be true")
	}
	if len(resp.OwnedSessions) != 0 || len(resp.AllSessions) != 0 {
		t.Fatalf("fresh admin should own nothing: %+v", resp)
	}
}

func TestInvalidCredentialsRejected(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	c := h.router.NewClient("10.0.0.1")
	h.send(c, `{"type":"admin-auth","method":"credentials","username":"alice","password":"wrong"}`)

	frame, ok := recv(t, c).(protocol.AdminError)
	if !ok || frame.ErrorCode != apperror.CodeInvalidCredentials {
		t.Fatalf("frame = %+v, want invalid_credentials", frame)
	}
}

func TestOperationsRequireAuth(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	c := h.router.NewClient("10.0.0.1")
	h.send(c, `{"type":"list-sessions"}`)

	frame, ok := recv(t, c).(protocol.AdminError)
	if !ok || frame.ErrorCode != apperror.CodeAccessDenied {
		t.Fatalf("frame = %+v, want access_denied", frame)
	}
}

func TestStartSessionPersistsWithOwner(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")

	path := filepath.Join(h.sessionDir, "CHURCH-2025-001.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("session file missing: %v", err)
	}
	if want := `"adminId": "sub-alice"`; !strings.Contains(string(data), want) {
		t.Fatalf("session file %s does not record owner: %s", path, data)
	}

	rec, ok := h.admins.Get("sub-alice")
	if !ok || len(rec.OwnedSessions) != 1 || rec.OwnedSessions[0] != "CHURCH-2025-001" {
		t.Fatalf("owner record = %+v", rec)
	}
}

func TestReadAllWriteOwnAcrossAdmins(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	listener := joinListener(t, h, "es")

	bob := authAdmin(t, h, "bob")
	h.send(bob, `{"type":"list-sessions","filter":"all"}`)
	list, ok := recv(t, bob).(protocol.ListSessionsResponse)
	if !ok || len(list.Sessions) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list.Sessions[0].IsOwner {
		t.Fatal("isOwner must be false for bob")
	}

	h.send(bob, `{"type":"end-session","sessionId":"CHURCH-2025-001"}`)
	frame, ok := recv(t, bob).(protocol.AdminError)
	if !ok || frame.ErrorCode != apperror.CodeSessionNotOwned {
		t.Fatalf("frame = %+v, want session_not_owned", frame)
	}

	snap, err := h.sessions.Get("CHURCH-2025-001", "sub-alice")
	if err != nil || snap.Status != session.StatusActive {
		t.Fatalf("session must remain active after rejected end: %+v err=%v", snap, err)
	}
	if len(h.sessions.Listeners("CHURCH-2025-001")) != 1 {
		t.Fatal("listener must remain subscribed")
	}
	_ = listener
}

func TestBroadcastLanguageFilter(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")

	esListener := joinListener(t, h, "es")
	frListener := joinListener(t, h, "fr")

	// Translations cover es and en only; the fr listener receives
	// nothing and is not disconnected.
	h.send(alice, `{"type":"broadcast-translation","sessionId":"CHURCH-2025-001","sourceText":"Welcome","translations":{"en":"Welcome","es":"Bienvenidos"},"generateTts":false}`)

	tr, ok := recv(t, esListener).(protocol.Translation)
	if !ok {
		t.Fatal("es listener expected a translation frame")
	}
	if tr.Language != "es" || tr.Text != "Bienvenidos" || tr.SourceText != "Welcome" {
		t.Fatalf("frame = %+v", tr)
	}
	if tr.AudioURL != nil {
		t.Fatal("audioUrl must be null when generateTts=false")
	}

	select {
	case v := <-frListener.Outbound():
		t.Fatalf("fr listener should receive nothing, got %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
	if len(h.sessions.Listeners("CHURCH-2025-001")) != 2 {
		t.Fatal("skipped listener must stay subscribed")
	}
}

func TestBroadcastWithSynthesisAttachesAudioURL(t *testing.T) {
	h := newTestHub(t, tts.NewMockProvider(0), security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	esListener := joinListener(t, h, "es")

	h.send(alice, `{"type":"broadcast-translation","sessionId":"CHURCH-2025-001","sourceText":"Welcome","translations":{"es":"Bienvenidos"},"generateTts":true,"voiceTier":"neural"}`)

	tr, ok := recv(t, esListener).(protocol.Translation)
	if !ok {
		t.Fatal("expected translation frame")
	}
	if tr.AudioURL == nil || !tr.TTSAvailable {
		t.Fatalf("frame = %+v, want non-null audioUrl and ttsAvailable", tr)
	}
	if tr.Audio == nil || tr.Audio.MIMEType != "audio/mpeg" {
		t.Fatalf("audio metadata = %+v", tr.Audio)
	}
	if tr.Tier != string(tts.TierNeural) {
		t.Fatalf("tier = %s, want neural", tr.Tier)
	}
}

func TestBroadcastDuringProviderOutageDegradesToTextOnly(t *testing.T) {
	h := newTestHub(t, tts.NewMockProvider(1000), security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	esListener := joinListener(t, h, "es")

	h.send(alice, `{"type":"broadcast-translation","sessionId":"CHURCH-2025-001","sourceText":"Welcome","translations":{"es":"Bienvenidos"},"generateTts":true}`)

	var tr protocol.Translation
	for {
		frame := recv(t, esListener)
		var ok bool
		if tr, ok = frame.(protocol.Translation); ok {
			break
		}
	}
	if tr.AudioURL != nil || tr.TTSAvailable {
		t.Fatalf("frame = %+v, want null audioUrl and ttsAvailable=false", tr)
	}
	if tr.Tier != string(tts.TierTextOnly) {
		t.Fatalf("tier = %s, want text-only", tr.Tier)
	}
	if tr.Text != "Bienvenidos" {
		t.Fatalf("text = %q, must be unchanged", tr.Text)
	}
}

func TestSynthesisIsCachedAcrossBroadcasts(t *testing.T) {
	provider := tts.NewMockProvider(0)
	h := newTestHub(t, provider, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	esListener := joinListener(t, h, "es")

	frame := `{"type":"broadcast-translation","sessionId":"CHURCH-2025-001","sourceText":"Welcome","translations":{"es":"Bienvenidos"},"generateTts":true}`
	for i := 0; i < 3; i++ {
		h.send(alice, frame)
		if _, ok := recv(t, esListener).(protocol.Translation); !ok {
			t.Fatalf("broadcast %d: expected translation frame", i)
		}
	}
	if provider.Calls() != 1 {
		t.Fatalf("provider calls = %d, want 1 (cache idempotence)", provider.Calls())
	}
}

func TestReconnectRecoversOwnedSessions(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	esListener := joinListener(t, h, "es")

	h.router.Disconnect(alice)
	snap, err := h.sessions.Get("CHURCH-2025-001", "sub-alice")
	if err != nil || snap.CurrentAdminSocketID != "" {
		t.Fatalf("after disconnect: %+v err=%v, want cleared socket id", snap, err)
	}
	if snap.AdminID != "sub-alice" {
		t.Fatal("ownership must survive disconnect")
	}

	// Reconnect with method=token.
	alice2 := h.router.NewClient("10.0.0.1")
	h.send(alice2, `{"type":"admin-auth","method":"token","token":"access-alice"}`)
	resp, ok := recv(t, alice2).(protocol.AdminAuthResponse)
	if !ok || !resp.Success {
		t.Fatalf("token auth failed: %+v", resp)
	}
	if resp.Tokens != nil {
		t.Fatal("token re-auth must not mint new tokens")
	}
	rec, ok := recv(t, alice2).(protocol.AdminReconnection)
	if !ok {
		t.Fatal("expected admin-reconnection")
	}
	if len(rec.RecoveredSessions) != 1 || rec.RecoveredSessions[0] != "CHURCH-2025-001" {
		t.Fatalf("recovered = %v", rec.RecoveredSessions)
	}

	// Ending now succeeds and notifies the listener.
	h.send(alice2, `{"type":"end-session","sessionId":"CHURCH-2025-001"}`)
	if ended, ok := recv(t, esListener).(protocol.SessionEnded); !ok || ended.SessionID != "CHURCH-2025-001" {
		t.Fatalf("listener expected session-ended, got %+v", ended)
	}
	if resp, ok := recv(t, alice2).(protocol.EndSessionResponse); !ok || !resp.Success {
		t.Fatalf("expected end-session-response, got %+v", resp)
	}
}

func TestLockoutRejectsValidCredentials(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{
		AuthPerMinute:    1000,
		AuthPerHour:      10000,
		LockoutThreshold: 2,
		LockoutDuration:  time.Minute,
	})
	c := h.router.NewClient("10.0.0.9")
	for i := 0; i < 2; i++ {
		h.send(c, `{"type":"admin-auth","method":"credentials","username":"alice","password":"wrong"}`)
		if frame, ok := recv(t, c).(protocol.AdminError); !ok || frame.ErrorCode != apperror.CodeInvalidCredentials {
			t.Fatalf("attempt %d: frame = %+v", i, frame)
		}
	}

	// Correct password, same locked IP: the code must not reveal it.
	h.send(c, `{"type":"admin-auth","method":"credentials","username":"alice","password":"p@ss"}`)
	frame, ok := recv(t, c).(protocol.AdminError)
	if !ok || frame.ErrorCode != apperror.CodeRateLimited {
		t.Fatalf("frame = %+v, want rate_limited during lockout", frame)
	}
	if frame.RetryAfter <= 0 {
		t.Fatal("lockout error must carry retryAfter")
	}
}

func TestJoinSessionRejectsDisabledLanguage(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")

	l := h.router.NewClient("10.0.0.2")
	h.send(l, `{"type":"join-session","sessionId":"CHURCH-2025-001","preferredLanguage":"de","capabilities":{}}`)
	frame, ok := recv(t, l).(protocol.ErrorFrame)
	if !ok || frame.Code != string(apperror.CodeInvalidLanguage) {
		t.Fatalf("frame = %+v, want invalid_language listener error", frame)
	}
}

func TestConfigUpdateNotifiesRemovedLanguage(t *testing.T) {
	h := newTestHub(t, nil, security.LimiterConfig{})
	alice := authAdmin(t, h, "alice")
	startSession(t, h, alice, "CHURCH-2025-001")
	esListener := joinListener(t, h, "es")
	enListener := joinListener(t, h, "en")

	h.send(alice, `{"type":"update-session-config","sessionId":"CHURCH-2025-001","config":{"enabledLanguages":["en","fr"],"ttsMode":"neural","audioQuality":"high"}}`)

	removed, ok := recv(t, esListener).(protocol.LanguageRemoved)
	if !ok || removed.Language != "es" {
		t.Fatalf("es listener frame = %+v, want language-removed", removed)
	}
	if updated, ok := recv(t, enListener).(protocol.ConfigUpdated); !ok || len(updated.Config.EnabledLanguages) != 2 {
		t.Fatalf("en listener frame = %+v, want config-updated", updated)
	}
	resp, ok := recv(t, alice).(protocol.UpdateSessionConfigResponse)
	if !ok || !resp.Success || len(resp.RemovedLanguages) != 1 {
		t.Fatalf("admin frame = %+v", resp)
	}

	// The es listener left the roster; en remains.
	if n := len(h.sessions.Listeners("CHURCH-2025-001")); n != 1 {
		t.Fatalf("roster size = %d, want 1", n)
	}
}
