package tts

import (
	"context"
	"testing"
	"time"
)

func fastEngineConfig() EngineConfig {
	return EngineConfig{
		Timeout:               time.Second,
		MaxAttempts:           2,
		BackoffBase:           time.Millisecond,
		BackoffCap:            5 * time.Millisecond,
		RollingWindowSize:     10,
		RollingWindowDuration: time.Minute,
	}
}

func TestSynthesizeRejectsOverlongText(t *testing.T) {
	e := NewEngine(NewMockProvider(0), fastEngineConfig())
	longText := make([]byte, 3001)
	for i := range longText {
		longText[i] = 'a'
	}
	_, err := e.Synthesize(context.Background(), string(longText), "en", ModeNeural)
	if err == nil {
		t.Fatalf("expected validation error for text exceeding 3000 characters")
	}
}

func TestSynthesizeHappyPathNeuralTier(t *testing.T) {
	e := NewEngine(NewMockProvider(0), fastEngineConfig())
	res, err := e.Synthesize(context.Background(), "hello", "en", ModeNeural)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Tier != TierNeural {
		t.Errorf("Tier = %s, want neural", res.Tier)
	}
	if res.VoiceProfileUsed != "Joanna" {
		t.Errorf("VoiceProfileUsed = %q, want Joanna", res.VoiceProfileUsed)
	}
}

func TestSynthesizeFallsBackToLocalOnProviderFailure(t *testing.T) {
	e := NewEngine(NewMockProvider(100), fastEngineConfig())
	var events []FallbackEvent
	e.OnFallback(func(ev FallbackEvent) { events = append(events, ev) })

	res, err := e.Synthesize(context.Background(), "hello", "en", ModeNeural)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Tier != TierLocal {
		t.Errorf("Tier = %s, want local", res.Tier)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one fallback event, got %d", len(events))
	}
}

func TestSynthesizeUnknownLanguageSkipsProviderTier(t *testing.T) {
	mock := NewMockProvider(0)
	e := NewEngine(mock, fastEngineConfig())
	res, err := e.Synthesize(context.Background(), "hello", "zz", ModeNeural)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Tier != TierLocal {
		t.Errorf("Tier = %s, want local", res.Tier)
	}
	if mock.Calls() != 0 {
		t.Errorf("provider should not be called for an unlisted language, got %d calls", mock.Calls())
	}
}

func TestAdaptiveGateClosesAfterRepeatedFailures(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.RollingWindowSize = 5
	cfg.MinSuccessRateFraction = 0.20
	mock := NewMockProvider(1000)
	e := NewEngine(mock, cfg)

	for i := 0; i < 5; i++ {
		if _, err := e.Synthesize(context.Background(), "hello", "en", ModeNeural); err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
	}
	callsAfterWindow := mock.Calls()

	if _, err := e.Synthesize(context.Background(), "hello", "en", ModeNeural); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if mock.Calls() != callsAfterWindow {
		t.Errorf("gate should have skipped the provider once success rate fell below threshold: calls went from %d to %d", callsAfterWindow, mock.Calls())
	}
}

func TestSynthesizeWithNilProviderAlwaysLocal(t *testing.T) {
	e := NewEngine(nil, fastEngineConfig())
	res, err := e.Synthesize(context.Background(), "hello", "en", ModeNeural)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Tier != TierLocal {
		t.Errorf("Tier = %s, want local when TTS is disabled", res.Tier)
	}
}

func TestVoiceRejectsUnlistedLanguage(t *testing.T) {
	if _, ok := Voice("zz", ModeNeural); ok {
		t.Fatalf("Voice() should not guess for an unlisted language")
	}
}
