package protocol

import (
	"errors"
	"testing"

	"github.com/livetranslate/hub/internal/apperror"
)

func TestParseAdminAuthCredentials(t *testing.T) {
	raw := []byte(`{"type":"admin-auth","method":"credentials","username":"alice@example.com","password":"p@ss"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	auth, ok := parsed.(AdminAuth)
	if !ok {
		t.Fatalf("parsed type = %T, want AdminAuth", parsed)
	}
	if auth.Method != AuthMethodCredentials || auth.Username != "alice@example.com" {
		t.Fatalf("parsed = %+v", auth)
	}
}

func TestParseAdminAuthRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"credentials without password", `{"type":"admin-auth","method":"credentials","username":"alice"}`},
		{"token without token", `{"type":"admin-auth","method":"token"}`},
		{"unknown method", `{"type":"admin-auth","method":"magic"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %s", tc.raw)
			}
		})
	}
}

func TestParseBroadcastTranslation(t *testing.T) {
	raw := []byte(`{"type":"broadcast-translation","sessionId":"CHURCH-2025-001","sourceText":"Welcome","translations":{"en":"Welcome","es":"Bienvenidos"},"generateTts":true,"voiceTier":"neural"}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	b, ok := parsed.(BroadcastTranslation)
	if !ok {
		t.Fatalf("parsed type = %T, want BroadcastTranslation", parsed)
	}
	if !b.GenerateTTS || b.Translations["es"] != "Bienvenidos" {
		t.Fatalf("parsed = %+v", b)
	}
}

func TestParseBroadcastTranslationRequiresTranslations(t *testing.T) {
	raw := []byte(`{"type":"broadcast-translation","sessionId":"CHURCH-2025-001"}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatal("expected error for broadcast without translations")
	}
}

func TestParseJoinSession(t *testing.T) {
	raw := []byte(`{"type":"join-session","sessionId":"CHURCH-2025-001","preferredLanguage":"es","capabilities":{"canPlaySynthesized":true}}`)
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	j := parsed.(JoinSession)
	if j.PreferredLanguage != "es" || !j.Capabilities.CanPlaySynthesized {
		t.Fatalf("parsed = %+v", j)
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"mystery"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}

func TestParseInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestAdminErrorFromCarriesTaxonomy(t *testing.T) {
	e := apperror.New(apperror.CodeSessionNotOwned, "not owner").WithDetails("CHURCH-2025-001", "admin-2", "end-session")
	frame := AdminErrorFrom(e)
	if frame.Type != TypeAdminError {
		t.Fatalf("Type = %s", frame.Type)
	}
	if frame.ErrorCode != apperror.CodeSessionNotOwned || frame.Retryable {
		t.Fatalf("frame = %+v, want non-retryable session_not_owned", frame)
	}
	if frame.Details == nil || frame.Details.SessionID != "CHURCH-2025-001" {
		t.Fatalf("Details = %+v", frame.Details)
	}
	if frame.Timestamp == "" {
		t.Fatal("Timestamp must be set")
	}
}

func TestAdminErrorRetryAfterSeconds(t *testing.T) {
	e := apperror.New(apperror.CodeRateLimited, "slow down").WithRetryAfter(900000000000) // 15m
	frame := AdminErrorFrom(e)
	if frame.RetryAfter != 900 {
		t.Fatalf("RetryAfter = %d, want 900", frame.RetryAfter)
	}
	if !frame.Retryable {
		t.Fatal("rate_limited must be retryable")
	}
}
