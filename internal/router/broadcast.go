package router

import (
	"context"
	"sync"
	"time"

	"github.com/livetranslate/hub/internal/apperror"
	"github.com/livetranslate/hub/internal/audiostore"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
	"github.com/livetranslate/hub/internal/tts"
)

// synthOutcome is one language's synthesis result for a broadcast: a URL
// when cloud synthesis succeeded, otherwise the tier the listener should
// degrade to.
type synthOutcome struct {
	url  string
	meta *protocol.AudioMetadata
	tier tts.Tier
}

func (r *Router) handleBroadcastTranslation(ctx context.Context, c *Client, f protocol.BroadcastTranslation) {
	adminID, ok := r.requireAdmin(c, "broadcast-translation")
	if !ok {
		return
	}
	if !r.sessions.VerifyAccess(f.SessionID, adminID, session.AccessWrite) {
		if _, err := r.sessions.Get(f.SessionID, adminID); err != nil {
			r.sendAdminError(c, classify(err))
			return
		}
		r.audit.Record(security.Event{Type: security.EventOwnershipViolation, Subject: adminID, Operation: "broadcast-translation", Reason: f.SessionID})
		r.sendAdminError(c, apperror.New(apperror.CodeSessionNotOwned, "broadcast requires ownership").WithDetails(f.SessionID, adminID, "broadcast-translation"))
		return
	}

	snap, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	if snap.Status == session.StatusEnded {
		r.sendAdminError(c, apperror.New(apperror.CodeOperationNotAllowed, "session has ended").WithDetails(f.SessionID, adminID, "broadcast-translation"))
		return
	}

	start := time.Now()
	roster := r.sessions.Listeners(f.SessionID)
	if len(roster) == 0 {
		log.Debug().Str("session_id", f.SessionID).Msg("broadcast with no listeners")
		return
	}

	// Languages that at least one listener prefers and the operator
	// actually translated.
	wanted := make(map[string]string)
	for _, l := range roster {
		if text, ok := f.Translations[l.PreferredLanguage]; ok {
			wanted[l.PreferredLanguage] = text
		}
	}

	ttsRequested := f.GenerateTTS && snap.Config.TTSMode != session.TTSModeDisabled && r.cfg.TTSEnabled && r.engine != nil
	outcomes := make(map[string]*synthOutcome, len(wanted))
	if ttsRequested {
		mode := r.effectiveMode(f.VoiceTier, snap.Config.TTSMode)
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			sem = make(chan struct{}, r.cfg.SynthesisConcurrency)
		)
		for lang, text := range wanted {
			wg.Add(1)
			go func(lang, text string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcome := r.synthesizeOne(ctx, text, lang, mode)
				mu.Lock()
				outcomes[lang] = outcome
				mu.Unlock()
			}(lang, text)
		}
		wg.Wait()
	}

	// The session may have ended or vanished while synthesis ran;
	// remaining frames are dropped.
	recheck, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil || recheck.Status == session.StatusEnded {
		return
	}

	sent := 0
	for _, l := range roster {
		text, ok := f.Translations[l.PreferredLanguage]
		if !ok {
			continue
		}
		frame := protocol.Translation{
			Type:       protocol.TypeTranslation,
			SessionID:  f.SessionID,
			SourceText: f.SourceText,
			Language:   l.PreferredLanguage,
			Text:       text,
			Timestamp:  protocol.Now(),
		}
		outcome := outcomes[l.PreferredLanguage]
		if outcome != nil && outcome.url != "" && l.Capabilities.CanPlaySynthesized {
			url := outcome.url
			frame.AudioURL = &url
			frame.Audio = outcome.meta
			frame.Tier = string(outcome.tier)
			frame.TTSAvailable = true
		} else {
			frame.Tier = string(r.degradedTier(snap.Config))
			frame.TTSAvailable = false
		}
		if lc := r.clientByID(l.SocketHandle); lc != nil {
			if lc.Send(frame) {
				sent++
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ObserveBroadcastFanout(time.Since(start))
	}
	log.Debug().
		Str("session_id", f.SessionID).
		Int("listeners", len(roster)).
		Int("frames_sent", sent).
		Bool("tts", ttsRequested).
		Msg("broadcast fan-out complete")
}

// effectiveMode resolves the operator-requested voice tier, falling back
// to the session default, then the hub default.
func (r *Router) effectiveMode(requested string, sessionMode session.TTSMode) tts.Mode {
	switch requested {
	case "neural":
		return tts.ModeNeural
	case "standard":
		return tts.ModeStandard
	}
	switch sessionMode {
	case session.TTSModeNeural:
		return tts.ModeNeural
	case session.TTSModeStandard:
		return tts.ModeStandard
	}
	return r.cfg.DefaultVoiceMode
}

// degradedTier is what listeners are told when no audio URL is available:
// use their own synthesis if the session runs in local mode, otherwise
// plain text.
func (r *Router) degradedTier(cfg session.Config) tts.Tier {
	if cfg.TTSMode == session.TTSModeLocal {
		return tts.TierLocal
	}
	return tts.TierTextOnly
}

// synthesizeOne resolves one language's audio, hitting the cache before
// the engine. Per-language failure is tolerated; the broadcast proceeds
// with a nil URL for that language only.
func (r *Router) synthesizeOne(ctx context.Context, text, lang string, mode tts.Mode) *synthOutcome {
	voiceID, _ := tts.Voice(lang, mode)

	if r.audio != nil && r.audio.Has(text, lang, voiceID, "mp3") {
		key := audiostore.Key(text, lang, voiceID, "mp3")
		if obj := r.audio.Get(key); obj != nil {
			if r.metrics != nil {
				r.metrics.CacheEvents.WithLabelValues("hit").Inc()
			}
			return &synthOutcome{
				url: r.audio.URL(obj.Key, obj.Format),
				meta: &protocol.AudioMetadata{
					Format:       obj.Format,
					MIMEType:     obj.MIMEType,
					SizeBytes:    obj.Size,
					DurationMS:   obj.Duration.Milliseconds(),
					VoiceProfile: obj.VoiceProfile,
					Tier:         string(tierForMode(mode)),
				},
				tier: tierForMode(mode),
			}
		}
	}
	if r.metrics != nil {
		r.metrics.CacheEvents.WithLabelValues("miss").Inc()
	}

	synthStart := time.Now()
	res, err := r.engine.Synthesize(ctx, text, lang, mode)
	if r.metrics != nil {
		r.metrics.ObserveSynthesize(time.Since(synthStart))
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.SynthesisRequests.WithLabelValues(string(mode), "error").Inc()
		}
		log.Warn().Err(err).Str("language", lang).Msg("synthesis failed for broadcast language")
		return &synthOutcome{tier: tts.TierTextOnly}
	}
	if r.metrics != nil {
		r.metrics.SynthesisRequests.WithLabelValues(string(res.Tier), "ok").Inc()
	}

	if len(res.Bytes) == 0 || r.audio == nil {
		return &synthOutcome{tier: res.Tier}
	}

	url, err := r.audio.Put(text, lang, res.VoiceProfileUsed, res.Bytes, res.Format, res.DurationEstimate)
	if err != nil {
		log.Warn().Err(err).Str("language", lang).Msg("audio cache write failed")
		return &synthOutcome{tier: tts.TierTextOnly}
	}
	return &synthOutcome{
		url: url,
		meta: &protocol.AudioMetadata{
			Format:       res.Format,
			MIMEType:     audiostore.MIMEFor(res.Format),
			SizeBytes:    int64(len(res.Bytes)),
			DurationMS:   res.DurationEstimate.Milliseconds(),
			VoiceProfile: res.VoiceProfileUsed,
			Tier:         string(res.Tier),
		},
		tier: res.Tier,
	}
}

func (r *Router) handleGenerateTTS(ctx context.Context, c *Client, f protocol.GenerateTTS) {
	adminID, ok := r.requireAdmin(c, "generate-tts")
	if !ok {
		return
	}
	if !r.sessions.VerifyAccess(f.SessionID, adminID, session.AccessWrite) {
		r.audit.Record(security.Event{Type: security.EventOwnershipViolation, Subject: adminID, Operation: "generate-tts", Reason: f.SessionID})
		r.sendAdminError(c, apperror.New(apperror.CodeSessionNotOwned, "generate-tts requires ownership").WithDetails(f.SessionID, adminID, "generate-tts"))
		return
	}
	snap, err := r.sessions.Get(f.SessionID, adminID)
	if err != nil {
		r.sendAdminError(c, classify(err))
		return
	}
	if !r.cfg.TTSEnabled || r.engine == nil || snap.Config.TTSMode == session.TTSModeDisabled {
		r.sendAdminError(c, apperror.New(apperror.CodeOperationNotAllowed, "tts is disabled for this session").WithDetails(f.SessionID, adminID, "generate-tts"))
		return
	}

	mode := r.effectiveMode(f.VoiceTier, snap.Config.TTSMode)
	outcome := r.synthesizeOne(ctx, f.Text, f.Language, mode)
	resp := protocol.GenerateTTSResponse{
		Type:      protocol.TypeGenerateTTSResponse,
		Success:   outcome.url != "",
		SessionID: f.SessionID,
		Language:  f.Language,
		Tier:      string(outcome.tier),
		Timestamp: protocol.Now(),
	}
	if outcome.url != "" {
		resp.AudioURL = outcome.url
		resp.Audio = outcome.meta
	}
	c.Send(resp)
}

func tierForMode(mode tts.Mode) tts.Tier {
	if mode == tts.ModeStandard {
		return tts.TierStandard
	}
	return tts.TierNeural
}
