// Package tts implements the hub's TTS engine with fallback (C4): a
// stateless-per-request synthesis pipeline that degrades from a neural or
// standard cloud voice through a local sentinel to a text-only sentinel,
// tracking the provider's rolling success rate to avoid thrashing during
// an outage.
package tts

import (
	"context"
	"sync"
	"time"

	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/logging"
)

// Tier describes how a SynthesizeResult's audio was produced.
type Tier string

const (
	TierNeural   Tier = "neural"
	TierStandard Tier = "standard"
	TierLocal    Tier = "local"
	TierTextOnly Tier = "text-only"
)

const maxTextLength = 3000

// Result is what Synthesize returns.
type Result struct {
	Bytes            []byte
	Format           string
	VoiceProfileUsed string
	DurationEstimate time.Duration
	Tier             Tier
}

// FallbackEvent is emitted on every tier transition, consumed by the
// router and surfaced to operators as a non-fatal notification.
type FallbackEvent struct {
	Language string
	From     Tier
	To       Tier
	Reason   string
	At       time.Time
}

// EngineConfig controls timeouts, retry, and the adaptive gate.
type EngineConfig struct {
	Timeout                time.Duration
	MaxAttempts            int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	RollingWindowSize      int
	RollingWindowDuration  time.Duration
	MinSuccessRateFraction float64 // default 0.20
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Second
	}
	if c.RollingWindowSize <= 0 {
		c.RollingWindowSize = 10
	}
	if c.RollingWindowDuration <= 0 {
		c.RollingWindowDuration = 5 * time.Minute
	}
	if c.MinSuccessRateFraction <= 0 {
		c.MinSuccessRateFraction = 0.20
	}
	return c
}

// Engine is the hub's TTS engine with fallback (C4).
type Engine struct {
	provider Provider
	cfg      EngineConfig

	mu      sync.Mutex
	history []attemptRecord

	onFallback func(FallbackEvent)
}

type attemptRecord struct {
	at      time.Time
	success bool
}

// NewEngine constructs an Engine around provider. provider may be nil, in
// which case every request resolves directly to the local/text-only
// tiers (used when ENABLE_TTS is off).
func NewEngine(provider Provider, cfg EngineConfig) *Engine {
	return &Engine{provider: provider, cfg: cfg.withDefaults()}
}

// OnFallback registers a callback invoked on every tier transition.
func (e *Engine) OnFallback(fn func(FallbackEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFallback = fn
}

// Synthesize runs the tiered pipeline: cloud provider first (behind the
// adaptive gate), then the local sentinel, with text-only as the caller's
// last resort.
func (e *Engine) Synthesize(ctx context.Context, text, language string, mode Mode) (Result, error) {
	if len(text) > maxTextLength {
		return Result{}, apperror.New(apperror.CodeInvalidInput, "text exceeds maximum synthesizable length")
	}

	log := logging.WithComponent("tts")

	if e.provider != nil && e.gateOpen() {
		voiceID, ok := Voice(language, mode)
		if ok {
			res, err := e.attemptProvider(ctx, text, language, voiceID, mode)
			if err == nil {
				e.recordAttempt(true)
				tier := TierStandard
				if mode == ModeNeural {
					tier = TierNeural
				}
				return Result{
					Bytes:            res.Bytes,
					Format:           res.Format,
					VoiceProfileUsed: voiceID,
					DurationEstimate: estimateDuration(text),
					Tier:             tier,
				}, nil
			}
			e.recordAttempt(false)
			log.Warn().Err(err).Str("language", language).Msg("tts provider tier failed, falling back")
			e.emitFallback(language, tierFor(mode), TierLocal, err.Error())
		} else {
			log.Warn().Str("language", language).Msg("no voice profile for language, skipping provider tier")
		}
	} else if e.provider != nil {
		e.emitFallback(language, tierFor(mode), TierLocal, "adaptive gate closed: rolling success rate below threshold")
	}

	return Result{Tier: TierLocal, DurationEstimate: estimateDuration(text)}, nil
}

func tierFor(mode Mode) Tier {
	if mode == ModeNeural {
		return TierNeural
	}
	return TierStandard
}

func (e *Engine) attemptProvider(ctx context.Context, text, language, voiceID string, mode Mode) (SynthesisResult, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return SynthesisResult{}, ctx.Err()
			case <-time.After(exponentialBackoff(attempt, e.cfg.BackoffBase, e.cfg.BackoffCap)):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		res, err := e.provider.Synthesize(attemptCtx, SynthesisRequest{
			Text:     text,
			Language: language,
			VoiceID:  voiceID,
			Mode:     mode,
		})
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return SynthesisResult{}, lastErr
}

// exponentialBackoff computes a deterministic capped backoff duration,
// mirroring the hub-wide retry idiom.
func exponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

func (e *Engine) recordAttempt(success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, attemptRecord{at: time.Now().UTC(), success: success})
	e.trimHistoryLocked()
}

func (e *Engine) trimHistoryLocked() {
	cutoff := time.Now().UTC().Add(-e.cfg.RollingWindowDuration)
	trimmed := e.history[:0]
	for _, r := range e.history {
		if r.at.After(cutoff) {
			trimmed = append(trimmed, r)
		}
	}
	e.history = trimmed
	if len(e.history) > e.cfg.RollingWindowSize {
		e.history = e.history[len(e.history)-e.cfg.RollingWindowSize:]
	}
}

// gateOpen inspects the rolling success rate of the provider over the
// last N requests / last window duration; it prevents thrashing after a
// provider outage by skipping the provider tier once the rate drops below
// the configured threshold.
func (e *Engine) gateOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trimHistoryLocked()
	if len(e.history) < e.cfg.RollingWindowSize {
		return true
	}
	successes := 0
	for _, r := range e.history {
		if r.success {
			successes++
		}
	}
	rate := float64(successes) / float64(len(e.history))
	return rate >= e.cfg.MinSuccessRateFraction
}

func (e *Engine) emitFallback(language string, from, to Tier, reason string) {
	e.mu.Lock()
	cb := e.onFallback
	e.mu.Unlock()
	if cb == nil {
		return
	}
	cb(FallbackEvent{Language: language, From: from, To: to, Reason: reason, At: time.Now().UTC()})
}

// estimateDuration gives a rough spoken-duration estimate for text, used
// only for client-side progress UI; ~150 words/minute, ~5 chars/word.
func estimateDuration(text string) time.Duration {
	words := float64(len(text)) / 5.0
	minutes := words / 150.0
	return time.Duration(minutes * float64(time.Minute))
}
