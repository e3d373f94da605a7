package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicegate/voicegate/internal/agent"
	"github.com/voicegate/voicegate/internal/bridge"
	"github.com/voicegate/voicegate/internal/callmgr"
	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/config"
	"github.com/voicegate/voicegate/internal/fallback"
	"github.com/voicegate/voicegate/internal/gateway"
	"github.com/voicegate/voicegate/internal/ingress"
	"github.com/voicegate/voicegate/internal/metrics"
	"github.com/voicegate/voicegate/internal/provider/twilio"
	"github.com/voicegate/voicegate/internal/timers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicegate",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_url", cfg.PublicURL,
	)

	store, err := callstore.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open call store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// The provider's stream-params callback needs the manager, which needs
	// the provider; the variable is bound before any webhook can arrive.
	var mgr *callmgr.Manager
	secret := []byte(cfg.StreamTokenSecret)

	prov, err := twilio.New(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		CallerID:   cfg.CallerID,
		PublicURL:  cfg.PublicURL,
		Logger:     logger,
		StreamParams: func(callID, providerCallID, from, to string) (map[string]string, error) {
			if callID == "" {
				rec, err := mgr.CreateInboundCall(providerCallID, from, to)
				if err != nil {
					return nil, err
				}
				callID = rec.CallID
			}
			token, err := ingress.MintStreamToken(secret, callID)
			if err != nil {
				return nil, err
			}
			return map[string]string{
				"callId": callID,
				"token":  token,
				"from":   from,
				"to":     to,
			}, nil
		},
	})
	if err != nil {
		slog.Error("failed to create telephony provider", "error", err)
		os.Exit(1)
	}

	mgr = callmgr.New(callmgr.Config{
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		CallerID:           cfg.CallerID,
	}, store, prov, logger)

	counters := metrics.NewCounters()
	mgr.OnStateChange(counters.ObserveCall)

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(mgr, counters, time.Now()))

	var notifier bridge.Notifier
	if cfg.GatewayURL != "" {
		notifier = gateway.New(cfg.GatewayURL, cfg.GatewayToken, logger)
	}

	br := bridge.New(bridge.Config{
		AgentURL:         cfg.AgentURL,
		AgentAPIKey:      cfg.AgentAPIKey,
		ListenModel:      cfg.ListenModel,
		ThinkModel:       cfg.ThinkModel,
		ThinkTemperature: cfg.ThinkTemperature,
		Voice:            cfg.Voice,

		SystemPrompt:    systemPrompt(),
		DefaultGreeting: cfg.Greeting,

		GatewayURL:   cfg.GatewayURL,
		GatewayToken: cfg.GatewayToken,
		AgentID:      cfg.AgentID,

		Location:            cfg.Location(),
		HistoryLookback:     time.Duration(cfg.HistoryLookbackDays) * 24 * time.Hour,
		HistoryMaxSessions:  cfg.HistoryMaxSessions,
		HistoryExcerptBytes: cfg.HistoryExcerptBytes,

		Timers: timers.Config{
			Enabled:                 cfg.TimersEnabled,
			ResponseReengage:        cfg.ResponseReengage,
			ResponseExit:            cfg.ResponseExit,
			IdlePrompt:              cfg.IdlePrompt,
			IdleExit:                cfg.IdleExit,
			PostExitDelay:           cfg.PostExitDelay,
			ResponseReengageMessage: cfg.ResponseReengageMsg,
			ResponseExitMessage:     cfg.ResponseExitMsg,
			IdlePromptMessage:       cfg.IdlePromptMsg,
			IdleExitMessage:         cfg.IdleExitMsg,
		},
		Fallback: fallback.Config{
			MaxRetries:     cfg.FallbackMaxRetries,
			CallTimeout:    cfg.FallbackCallTimeout,
			HangupDelay:    cfg.FallbackHangupDelay,
			DegradedPrompt: cfg.FallbackDegradedPrompt,
			Phrases:        cfg.FallbackPhrasesList(),
		},
		Filler: agent.FillerConfig{
			Threshold: cfg.FillerThreshold,
			Phrases:   cfg.FillerPhrasesList(),
		},
		NotifyHangupDelay: cfg.NotifyHangupDelay,

		OnFallback:       counters.ObserveFallback,
		OnAgentReconnect: counters.ObserveAgentReconnect,
	}, store, mgr, prov, notifier, logger)

	handler := ingress.NewServer(ingress.Config{
		StreamTokenSecret: secret,
		WebhookPaths:      []string{twilio.VoiceWebhookPath, twilio.StatusWebhookPath},
		CarrierStreamPath: twilio.StreamPath,
		BrowserStreamPath: "/stream",
		GatewayURL:        cfg.GatewayURL,
		GatewayToken:      cfg.GatewayToken,
		FillerThreshold:   cfg.FillerThreshold,
		FillerPhrases:     cfg.FillerPhrasesList(),
		Metrics:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, prov, mgr, ingress.BridgeStarter{Bridge: br}, mgr, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
		// No WriteTimeout: the chat-completions proxy holds SSE responses
		// open for the length of an LLM turn.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voicegate stopped")
}

// systemPrompt is the base instruction set for the voice persona; call
// context (time, caller identity, history) is appended per call by the
// bridge.
func systemPrompt() string {
	return "You are a friendly, capable voice assistant on a phone call. " +
		"Keep responses short and conversational: one or two sentences unless " +
		"the caller asks for detail. Never use markdown, lists, or emoji; you " +
		"are speaking out loud. When the conversation has clearly concluded, " +
		"use the end_call function to say goodbye and hang up."
}
