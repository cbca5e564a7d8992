// Package httpapi is the hub's server shell (C8): the HTTP multiplexer,
// the websocket upgrade path, audio object serving, and health reporting.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/livetranslate/hub/internal/audiostore"
	"github.com/livetranslate/hub/internal/config"
	"github.com/livetranslate/hub/internal/logging"
	"github.com/livetranslate/hub/internal/observability"
	"github.com/livetranslate/hub/internal/protocol"
	"github.com/livetranslate/hub/internal/router"
	"github.com/livetranslate/hub/internal/session"
	"github.com/livetranslate/hub/internal/tts"
)

// Server owns the HTTP surface and hands websocket connections to the
// router.
type Server struct {
	cfg      config.Config
	router   *router.Router
	audio    *audiostore.Store
	engine   *tts.Engine
	sessions *session.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, rtr *router.Router, audio *audiostore.Store, engine *tts.Engine, sessions *session.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		router:   rtr,
		audio:    audio,
		engine:   engine,
		sessions: sessions,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Listeners are anonymous browser clients on arbitrary
			// origins; authentication happens at the protocol layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/audio/{file}", s.handleAudio)

	r.Group(func(g chi.Router) {
		g.Use(httprate.Limit(
			s.cfg.AdminAuthRateLimitPerMinute*6,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
		g.Get("/ws", s.handleWS)
		g.Post("/v1/tts/preview", s.handlePreviewTTS)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	entries, totalBytes := 0, int64(0)
	if s.audio != nil {
		entries, totalBytes = s.audio.Stats()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"components": map[string]any{
			"identity": "ready",
			"sessions": map[string]any{
				"count":     len(s.sessions.List("")),
				"listeners": s.sessions.ListenerCountTotal(),
			},
			"tts": map[string]any{
				"enabled": s.cfg.EnableTTS,
			},
			"audioCache": map[string]any{
				"entries":    entries,
				"totalBytes": totalBytes,
			},
		},
	})
}

// handleAudio serves one cached audio object. Keys outside the content
// hash space are refused before any lookup.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	dot := strings.LastIndex(file, ".")
	if dot <= 0 {
		http.NotFound(w, r)
		return
	}
	key := file[:dot]
	if !audiostore.ValidKey(key) {
		http.NotFound(w, r)
		return
	}
	obj := s.audio.Get(key)
	if obj == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", obj.MIMEType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, file, obj.CreatedAt, bytes.NewReader(obj.Bytes))
}

type previewRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Mode     string `json:"mode"`
}

// handlePreviewTTS lets an operator audition a voice profile without a
// session or listeners.
func (s *Server) handlePreviewTTS(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil || !s.cfg.EnableTTS {
		respondError(w, http.StatusNotImplemented, "tts_disabled", "tts is not enabled")
		return
	}
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	defer r.Body.Close()
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Language) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text and language are required")
		return
	}
	mode := tts.ModeNeural
	if req.Mode == "standard" {
		mode = tts.ModeStandard
	}

	res, err := s.engine.Synthesize(r.Context(), req.Text, req.Language, mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "synthesis_failed", err.Error())
		return
	}
	if len(res.Bytes) == 0 {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error": "provider_unavailable",
			"tier":  string(res.Tier),
		})
		return
	}
	w.Header().Set("Content-Type", audiostore.MIMEFor(res.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		ip = r.RemoteAddr
	}
	client := s.router.NewClient(ip)
	defer s.router.Disconnect(client)

	log := logging.WithComponent("httpapi")
	log.Debug().Str("client_id", client.ID).Str("remote_ip", ip).Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case msg := <-client.Outbound():
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					}
					cancel()
					return
				}
				if t, ok := protocol.MessageTypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	// Per-connection inbound frame budget.
	frameLimiter := rate.NewLimiter(rate.Limit(s.cfg.WebsocketRateLimitPerSecond), s.cfg.WebsocketRateLimitPerSecond*2)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		if !frameLimiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimitRejections.WithLabelValues("connection").Inc()
			}
			continue
		}
		s.router.HandleMessage(ctx, client, data)
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-writerDone
	log.Debug().Str("client_id", client.ID).Msg("websocket disconnected")
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
