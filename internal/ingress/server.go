// Package ingress is the public HTTP(S) surface of the gateway: carrier
// webhooks, media-stream WebSocket upgrades, the LLM proxy the agent's
// think stage is pointed at, and health/metrics endpoints.
package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/internal/bridge"
	"github.com/voicegate/voicegate/internal/ingress/middleware"
	"github.com/voicegate/voicegate/internal/provider"
)

// maxWebhookBody caps carrier webhook payloads.
const maxWebhookBody = 1 << 20 // 1 MiB

// CallEvents is the manager slice webhook handling feeds.
type CallEvents interface {
	ProcessEvent(ev provider.Event)
}

// Speaker plays a phrase into a live call. Used by the LLM proxy's filler.
type Speaker interface {
	Speak(ctx context.Context, callID, text string) error
}

// StreamSession is one bridged media stream as the ingress drives it.
type StreamSession interface {
	OnCallerAudio(audio []byte)
	CallID() string
	Stop()
}

// StreamBridge attaches an AI session to a connected media stream.
type StreamBridge interface {
	StartSession(ctx context.Context, params bridge.StartParams, stream bridge.MediaStream) (StreamSession, error)
}

// BridgeStarter adapts *bridge.Bridge to StreamBridge.
type BridgeStarter struct {
	Bridge *bridge.Bridge
}

func (a BridgeStarter) StartSession(ctx context.Context, params bridge.StartParams, stream bridge.MediaStream) (StreamSession, error) {
	sess, err := a.Bridge.StartSession(ctx, params, stream)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Config tunes the ingress server.
type Config struct {
	// StreamTokenSecret signs and verifies media-stream bearer tokens.
	StreamTokenSecret []byte

	// WebhookPaths are the POST paths routed to the provider's webhook
	// parser (the provider dispatches internally by path suffix).
	WebhookPaths []string
	// CarrierStreamPath serves carrier JSON-framed media streams.
	CarrierStreamPath string
	// BrowserStreamPath serves the minimal binary framing used by
	// browser/test clients.
	BrowserStreamPath string

	// GatewayURL and GatewayToken locate the upstream LLM gateway the
	// chat-completions proxy forwards to.
	GatewayURL   string
	GatewayToken string

	// FillerThreshold and FillerPhrases mask slow LLM turns: if the
	// upstream has produced no assistant content by the threshold, a phrase
	// is spoken into the call. Zero threshold disables.
	FillerThreshold time.Duration
	FillerPhrases   []string

	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
}

// Server is the ingress HTTP handler.
type Server struct {
	router  *chi.Mux
	cfg     Config
	prov    provider.Provider
	events  CallEvents
	streams StreamBridge
	speaker Speaker
	logger  *slog.Logger

	limiter  *middleware.IPRateLimiter
	upgrader websocket.Upgrader
	proxy    *http.Client

	phraseMu  sync.Mutex
	phraseIdx int
}

// NewServer creates the ingress handler with all routes mounted. speaker may
// be nil to disable proxy fillers.
func NewServer(cfg Config, prov provider.Provider, events CallEvents, streams StreamBridge, speaker Speaker, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		prov:    prov,
		events:  events,
		streams: streams,
		speaker: speaker,
		logger:  logger.With("subsystem", "ingress"),
		limiter: middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig()),
		upgrader: websocket.Upgrader{
			// Carriers and the agent service connect server-to-server; no
			// browser origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		// Streaming proxy: no overall timeout, SSE responses stay open for
		// the duration of an LLM turn.
		proxy: &http.Client{},
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work (rate limiter cleanup).
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		for _, path := range s.cfg.WebhookPaths {
			r.Post(path, s.handleWebhook)
		}
	})

	if s.cfg.CarrierStreamPath != "" {
		r.Get(s.cfg.CarrierStreamPath, s.handleCarrierStream)
	}
	if s.cfg.BrowserStreamPath != "" {
		r.Get(s.cfg.BrowserStreamPath, s.handleBrowserStream)
	}

	r.Post("/v1/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}
