package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livetranslate/hub/internal/adminstore"
	"github.com/livetranslate/hub/internal/audiostore"
	"github.com/livetranslate/hub/internal/config"
	"github.com/livetranslate/hub/internal/httpapi"
	"github.com/livetranslate/hub/internal/identity"
	"github.com/livetranslate/hub/internal/logging"
	"github.com/livetranslate/hub/internal/observability"
	"github.com/livetranslate/hub/internal/router"
	"github.com/livetranslate/hub/internal/security"
	"github.com/livetranslate/hub/internal/session"
	"github.com/livetranslate/hub/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Configuration failure stops startup before any component is
		// built; name the problem and exit non-zero.
		fmt.Fprintf(os.Stderr, `{"level":"fatal","component":"config","error":%q}`+"\n", err.Error())
		os.Exit(1)
	}

	logging.Configure(logging.Config{Level: os.Getenv("LOG_LEVEL"), Service: "translationhub"})
	log := logging.WithComponent("main")

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	ctx := context.Background()

	verifier, err := identity.New(ctx, identity.Config{
		Region:     cfg.CognitoRegion,
		UserPoolID: cfg.CognitoUserPoolID,
		ClientID:   cfg.CognitoClientID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("identity verifier init failed")
	}

	admins, err := adminstore.Open(cfg.AdminIdentitiesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("admin identity store init failed")
	}
	knownAdmins := func(adminID string) bool {
		_, ok := admins.Get(adminID)
		return ok
	}

	sessions, orphans, err := session.Open(session.RegistryConfig{
		Dir:                    cfg.SessionPersistenceDir,
		MaxListenersPerSession: cfg.MaxClientsPerSession,
	}, knownAdmins)
	if err != nil {
		log.Fatal().Err(err).Msg("session registry init failed")
	}
	if len(orphans) > 0 {
		log.Warn().Strs("sessions", orphans).Msg("quarantined orphaned sessions; owner missing from identity store")
	}

	if !cfg.EnableTTS && os.Getenv("TTS_PROVIDER_REGION") != "" {
		log.Warn().Msg("TTS_PROVIDER_REGION is set but ENABLE_TTS is off; value unused")
	}

	var provider tts.Provider
	if cfg.EnableTTS {
		p, err := tts.NewPollyProvider(ctx, cfg.TTSRegion)
		if err != nil {
			// TTS is degradable; the fallback chain covers a missing
			// provider.
			log.Warn().Err(err).Msg("tts provider init failed; synthesis will fall back to local/text-only")
		} else {
			provider = p
			log.Info().Str("region", cfg.TTSRegion).Msg("tts provider: polly")
		}
	}
	engine := tts.NewEngine(provider, tts.EngineConfig{})

	audio, err := audiostore.New(audiostore.Config{
		BaseURL:    cfg.PublicBaseURL,
		Dir:        cfg.AudioCacheDir,
		MaxBytes:   cfg.AudioCacheMaxBytes,
		MaxEntries: cfg.AudioCacheMaxEntries,
		IdleTTL:    cfg.AudioCacheIdleTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("audio store init failed")
	}

	limiter := security.NewLimiter(security.LimiterConfig{
		AuthPerMinute:    cfg.AdminAuthRateLimitPerMinute,
		OpsPerSecond:     cfg.WebsocketRateLimitPerSecond,
		LockoutThreshold: cfg.AdminLockoutThreshold,
		LockoutDuration:  cfg.AdminLockoutDuration,
	})
	audit := security.NewAudit(1024)

	voiceMode := tts.ModeNeural
	if cfg.TTSVoiceMode == "standard" {
		voiceMode = tts.ModeStandard
	}
	rtr := router.New(verifier, admins, sessions, engine, audio, limiter, audit, metrics, router.Config{
		TTSEnabled:       cfg.EnableTTS,
		DefaultVoiceMode: voiceMode,
	})

	api := httpapi.New(cfg, rtr, audio, engine, sessions, metrics)
	httpServer := &http.Server{
		Addr:    ":" + cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	startMaintenance(runCtx, cfg, admins, sessions, audio, limiter, rtr, knownAdmins)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("hub listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	// Stop maintenance, tell every connection, then drain with a bounded
	// deadline.
	runCancel()
	rtr.BroadcastShutdown("server shutting down")
	time.Sleep(500 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

// startMaintenance schedules the hub's periodic loops: identity cleanup,
// session timeout/deletion, orphan scanning, cache eviction, and
// rate-limit state trimming. All stop when ctx is cancelled.
func startMaintenance(ctx context.Context, cfg config.Config, admins *adminstore.Store, sessions *session.Registry, audio *audiostore.Store, limiter *security.Limiter, rtr *router.Router, knownAdmins func(string) bool) {
	log := logging.WithComponent("maintenance")

	if cfg.AdminCleanupInterval > 0 {
		admins.StartCleanup(ctx, cfg.AdminCleanupInterval, cfg.AdminIdentityRetention)
	}

	sessions.StartOrphanScan(ctx, time.Hour, knownAdmins, func(orphans []string) {
		rosters := make(map[string][]string)
		for _, id := range orphans {
			if sockets, err := sessions.EndUpstream(id); err == nil {
				rosters[id] = sockets
			}
		}
		rtr.NotifySessionsEnded(rosters, "session owner no longer exists")
		log.Warn().Strs("sessions", orphans).Msg("ended orphaned sessions")
	})

	if cfg.SessionCleanupEnabled && cfg.SessionCleanupInterval > 0 {
		idle := time.Duration(cfg.SessionTimeoutMinutes) * time.Minute
		go func() {
			ticker := time.NewTicker(cfg.SessionCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					timedOut, deleted := sessions.CleanupPass(idle, cfg.SessionCleanupInterval)
					if len(timedOut) > 0 {
						rtr.NotifySessionsEnded(timedOut, "session timed out")
					}
					if len(deleted) > 0 {
						log.Info().Strs("sessions", deleted).Msg("deleted ended sessions")
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				audio.Sweep()
				limiter.Sweep(24 * time.Hour)
			}
		}
	}()
}
