// Package bridge joins one telephony media stream to one AI agent session
// per call and keeps the call manager, session timers and fallback ladder
// in sync with what happens on the wire.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicegate/voicegate/internal/agent"
	"github.com/voicegate/voicegate/internal/callmgr"
	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/fallback"
	"github.com/voicegate/voicegate/internal/provider"
	"github.com/voicegate/voicegate/internal/timers"
)

// MediaStream is the telephony leg as the bridge sees it: somewhere to
// write agent audio and a buffer to clear on barge-in.
type MediaStream interface {
	WriteAudio(audio []byte) error
	Clear() error
}

// CallManager is the slice of the call manager the bridge drives.
type CallManager interface {
	EnsureCall(callID, providerCallID, from, to string) (*callstore.CallRecord, error)
	ProcessEvent(ev provider.Event)
	ClearPendingGreeting(callID string)
	AttachSession(callID string, session callmgr.AgentSession)
	DetachSession(callID string)
	EndCall(ctx context.Context, callID string) error
	Get(callID string) *callstore.CallRecord
}

// Notifier redirects sessions spawned during the call once it ends.
type Notifier interface {
	NotifyChildSessions(ctx context.Context, parentKey, message string) (int, error)
}

// Config tunes every per-call session the bridge creates.
type Config struct {
	AgentURL    string
	AgentAPIKey string
	ListenModel string
	ThinkModel  string
	// ThinkTemperature, when positive, overrides the service's default LLM
	// sampling temperature.
	ThinkTemperature float64
	Voice            string

	// SystemPrompt is the base instruction set; call context (time,
	// caller, history) is appended per call.
	SystemPrompt string
	// DefaultGreeting opens inbound conversation calls.
	DefaultGreeting string

	// GatewayURL and GatewayToken point the agent's LLM traffic at the
	// local proxy with call-scoped credentials.
	GatewayURL   string
	GatewayToken string
	AgentID      string

	Location            *time.Location
	HistoryLookback     time.Duration
	HistoryMaxSessions  int
	HistoryExcerptBytes int

	Timers   timers.Config
	Fallback fallback.Config
	Filler   agent.FillerConfig

	// GreetingDelay is the pause before speaking a pending greeting.
	GreetingDelay time.Duration
	// FarewellDelay is the pause between the end_call farewell's audio
	// completing and the hangup.
	FarewellDelay time.Duration
	// NotifyHangupDelay is the pause after a notify-mode message's audio
	// completes before the call auto-ends.
	NotifyHangupDelay time.Duration

	// OnAgentReconnect and OnFallback are metrics hooks.
	OnAgentReconnect func()
	OnFallback       func(fallback.Event)
	// PostCall runs after a session ends, with the final record.
	PostCall func(rec *callstore.CallRecord)
}

// Bridge creates per-call sessions.
type Bridge struct {
	cfg      Config
	store    *callstore.Store
	mgr      CallManager
	prov     provider.Provider
	notifier Notifier
	logger   *slog.Logger
}

// New creates a bridge. notifier may be nil.
func New(cfg Config, store *callstore.Store, mgr CallManager, prov provider.Provider, notifier Notifier, logger *slog.Logger) *Bridge {
	if cfg.GreetingDelay <= 0 {
		cfg.GreetingDelay = 500 * time.Millisecond
	}
	if cfg.FarewellDelay <= 0 {
		cfg.FarewellDelay = time.Second
	}
	if cfg.NotifyHangupDelay <= 0 {
		cfg.NotifyHangupDelay = 3 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Bridge{
		cfg:      cfg,
		store:    store,
		mgr:      mgr,
		prov:     prov,
		notifier: notifier,
		logger:   logger.With("subsystem", "bridge"),
	}
}

// StartParams identify the call behind a freshly connected media stream.
type StartParams struct {
	CallID         string
	ProviderCallID string
	StreamSID      string
	From           string
	To             string
}

// Session is one live call: agent client, timers, fallback and the media
// stream, wired together.
type Session struct {
	bridge         *Bridge
	callID         string
	providerCallID string
	sessionKey     string
	mode           string
	stream         MediaStream
	logger         *slog.Logger

	client     *agent.Client
	timers     *timers.SessionTimers
	fb         *fallback.Manager
	dispatcher *agent.Dispatcher

	// ready gates event handling until the session is fully wired; the
	// agent can emit events the moment the socket opens.
	ready chan struct{}

	mu              sync.Mutex
	farewellPending bool
	notifyPending   bool
	listening       bool
	stopped         bool

	stopOnce sync.Once
}

// StartSession attaches an AI session to a connected media stream. The
// record is synthesized if the stream beat every webhook.
func (b *Bridge) StartSession(ctx context.Context, params StartParams, stream MediaStream) (*Session, error) {
	rec, err := b.mgr.EnsureCall(params.CallID, params.ProviderCallID, params.From, params.To)
	if err != nil {
		return nil, fmt.Errorf("resolve call for stream: %w", err)
	}

	s := &Session{
		bridge:         b,
		callID:         rec.CallID,
		providerCallID: rec.ProviderCallID,
		sessionKey:     b.sessionKey(rec),
		mode:           rec.Mode,
		stream:         stream,
		logger:         b.logger.With("call_id", rec.CallID),
		ready:          make(chan struct{}),
		notifyPending:  rec.Mode == callstore.ModeNotify,
	}

	timerCfg := b.cfg.Timers
	if rec.Mode == callstore.ModeNotify {
		timerCfg.Enabled = false
	}
	s.timers = timers.New(timerCfg, timers.Callbacks{
		InjectMessage: func(msg string) error { return s.client.InjectAgentMessage(msg) },
		EndCall:       s.hangup,
	}, s.logger)

	s.fb = fallback.New(b.cfg.Fallback, fallback.Actions{
		SetPrompt: func(prompt string) error { return s.client.UpdatePrompt(prompt) },
		Speak:     func(phrase string) error { return s.client.InjectAgentMessage(phrase) },
		EndCall:   s.hangup,
	}, rec.CallID, b.logger)
	if b.cfg.OnFallback != nil {
		s.fb.OnEvent(b.cfg.OnFallback)
	}

	client, err := agent.Dial(ctx, agent.Config{
		URL:         b.cfg.AgentURL,
		APIKey:      b.cfg.AgentAPIKey,
		Settings:    b.buildSettings(rec),
		OnEvent:     s.handleEvent,
		OnAudio:     s.handleAgentAudio,
		OnReconnect: b.cfg.OnAgentReconnect,
		Logger:      s.logger,
	})
	if err != nil {
		s.timers.ClearAll()
		return nil, fmt.Errorf("connect agent session: %w", err)
	}
	s.client = client
	s.dispatcher = agent.NewDispatcher(client, s.fb, b.cfg.Filler, s.logger)
	s.dispatcher.Register("end_call", s.handleEndCallFunction)

	b.mgr.AttachSession(rec.CallID, client)
	if attacher, ok := b.prov.(provider.MediaAttacher); ok && rec.ProviderCallID != "" {
		attacher.AttachMedia(rec.ProviderCallID, s)
	}
	close(s.ready)

	if greeting := rec.PendingGreeting; greeting != "" {
		time.AfterFunc(b.cfg.GreetingDelay, func() {
			if err := s.client.InjectAgentMessage(greeting); err != nil {
				s.logger.Warn("pending greeting injection failed", "error", err)
			}
			b.mgr.ClearPendingGreeting(s.callID)
		})
	}

	s.logger.Info("media bridge started",
		"stream_sid", params.StreamSID, "mode", s.mode, "session_key", s.sessionKey)
	return s, nil
}

func (b *Bridge) sessionKey(rec *callstore.CallRecord) string {
	agentID := rec.AgentID
	if agentID == "" {
		agentID = b.cfg.AgentID
	}
	return fmt.Sprintf("agent:%s:voice:%s", agentID, rec.CallID)
}

// buildSettings assembles the per-call agent configuration: caller context
// in the prompt, LLM traffic routed through the local gateway under the
// call's session key, and the end_call function.
func (b *Bridge) buildSettings(rec *callstore.CallRecord) agent.Settings {
	s := agent.TelephonySettings()
	s.Agent.Listen.Provider = agent.Provider{Type: "deepgram", Model: b.cfg.ListenModel}
	s.Agent.Speak.Provider = agent.Provider{Type: "deepgram", Model: b.cfg.Voice}
	s.Agent.Think.Provider = agent.ThinkProvider{Type: "open_ai", Model: b.cfg.ThinkModel}
	if b.cfg.ThinkTemperature > 0 {
		temp := b.cfg.ThinkTemperature
		s.Agent.Think.Provider.Temperature = &temp
	}
	s.Agent.Think.Endpoint = &agent.Endpoint{
		URL: strings.TrimSuffix(b.cfg.GatewayURL, "/") + "/v1/chat/completions",
		Headers: map[string]string{
			"Authorization":         "Bearer " + b.cfg.GatewayToken,
			"X-Gateway-Session-Key": b.sessionKey(rec),
		},
	}
	s.Agent.Think.Prompt = b.buildPrompt(rec)
	s.Agent.Think.Functions = []agent.FunctionDef{endCallFunction()}

	// A pending greeting is injected after the stream settles instead, so
	// it can be cleared once spoken and never replays on reconnect.
	if rec.PendingGreeting == "" && rec.Mode != callstore.ModeNotify {
		s.Agent.Greeting = b.cfg.DefaultGreeting
	}
	return s
}

func (b *Bridge) buildPrompt(rec *callstore.CallRecord) string {
	var sb strings.Builder
	sb.WriteString(b.cfg.SystemPrompt)

	now := time.Now().In(b.cfg.Location)
	fmt.Fprintf(&sb, "\n\nCurrent local time: %s.", now.Format("Monday, January 2, 2006 at 3:04 PM MST"))

	peer := rec.From
	if rec.Direction == callstore.DirectionOutbound {
		peer = rec.To
	}
	if peer != "" {
		fmt.Fprintf(&sb, "\nYou are on a phone call with %s.", peer)
	}

	history := b.store.History(callstore.HistoryQuery{
		From:         peer,
		Lookback:     b.cfg.HistoryLookback,
		MaxSessions:  b.cfg.HistoryMaxSessions,
		ExcerptBytes: b.cfg.HistoryExcerptBytes,
	})
	if len(history) > 0 {
		sb.WriteString("\n\nRecent calls with this number, newest first:")
		for _, h := range history {
			fmt.Fprintf(&sb, "\n[%s]\n%s", h.StartedAt.In(b.cfg.Location).Format("Jan 2, 3:04 PM"), h.Excerpt)
		}
	}
	return sb.String()
}

func endCallFunction() agent.FunctionDef {
	return agent.FunctionDef{
		Name: "end_call",
		Description: "End the phone call gracefully. Use when the conversation " +
			"has concluded or the caller says goodbye.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"farewell": {
					"type": "string",
					"description": "Goodbye message to speak before hanging up"
				}
			},
			"required": ["farewell"]
		}`),
	}
}

// OnCallerAudio forwards one caller audio frame to the agent.
func (s *Session) OnCallerAudio(audio []byte) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if err := s.client.SendAudio(audio); err != nil {
		s.logger.Debug("caller audio dropped", "error", err)
	}
}

// CallID returns the gateway call id this session serves.
func (s *Session) CallID() string { return s.callID }

// Speak renders text through the AI voice. Implements provider.MediaSession
// so carrier-level TTS requests route through the live session.
func (s *Session) Speak(text string) error {
	return s.client.InjectAgentMessage(text)
}

// SetListening records whether an operator is waiting on the caller's next
// utterance. Implements provider.MediaSession.
func (s *Session) SetListening(listening bool) {
	s.mu.Lock()
	s.listening = listening
	s.mu.Unlock()
}

func (s *Session) handleAgentAudio(audio []byte) {
	if err := s.stream.WriteAudio(audio); err != nil {
		s.logger.Debug("agent audio dropped", "error", err)
	}
}

func (s *Session) handleEvent(ev agent.Event) {
	<-s.ready

	switch e := ev.(type) {
	case *agent.ConversationText:
		s.onConversationText(e)
	case *agent.UserStartedSpeaking:
		if err := s.stream.Clear(); err != nil {
			s.logger.Debug("clear buffered audio failed", "error", err)
		}
		s.timers.OnUserStartedSpeaking()
	case *agent.AgentStartedSpeaking:
		s.timers.OnAgentStartedSpeaking()
	case *agent.AgentAudioDone:
		s.onAgentAudioDone()
	case *agent.FunctionCallRequest:
		go s.dispatcher.HandleRequest(context.Background(), e)
	case *agent.InjectionRefused:
		s.logger.Debug("injection refused", "message", e.Message)
	case *agent.Warning:
		s.logger.Warn("agent warning", "code", e.Code, "description", e.Description)
	case *agent.ServiceError:
		s.logger.Error("agent error", "code", e.Code, "description", e.Description)
	case *agent.Closed:
		s.onAgentClosed(e)
	}
}

func (s *Session) onConversationText(e *agent.ConversationText) {
	speaker := callstore.SpeakerBot
	if e.Role == "user" {
		speaker = callstore.SpeakerUser
	}
	s.bridge.mgr.ProcessEvent(provider.Event{
		Type:           provider.EventTranscript,
		CallID:         s.callID,
		Provider:       s.bridge.prov.Name(),
		ProviderCallID: s.providerCallID,
		Speaker:        string(speaker),
		Text:           e.Content,
		IsFinal:        true,
		Timestamp:      time.Now(),
	})

	if speaker == callstore.SpeakerUser {
		s.timers.OnUserSpoke()
	} else {
		s.timers.OnAgentStartedSpeaking()
	}
}

func (s *Session) onAgentAudioDone() {
	s.timers.OnAgentAudioDone()

	s.mu.Lock()
	farewell := s.farewellPending
	s.farewellPending = false
	notify := s.notifyPending && !farewell
	if notify {
		s.notifyPending = false
	}
	s.mu.Unlock()

	switch {
	case farewell:
		s.logger.Info("farewell spoken, hanging up", "delay", s.bridge.cfg.FarewellDelay)
		time.AfterFunc(s.bridge.cfg.FarewellDelay, s.hangup)
	case notify:
		s.logger.Info("notification delivered, hanging up", "delay", s.bridge.cfg.NotifyHangupDelay)
		time.AfterFunc(s.bridge.cfg.NotifyHangupDelay, s.hangup)
	}
}

// handleEndCallFunction lets the model end the call: the function is ACKed
// immediately, the farewell is injected, and the hangup waits for the
// farewell's audio to finish.
func (s *Session) handleEndCallFunction(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Farewell string `json:"farewell"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		s.logger.Warn("end_call arguments undecodable", "error", err)
	}
	farewell := in.Farewell
	if farewell == "" {
		farewell = "Goodbye!"
	}

	s.logger.Info("model requested hangup")
	s.timers.ClearAll()
	s.mu.Lock()
	s.farewellPending = true
	s.mu.Unlock()

	if err := s.client.InjectAgentMessage(farewell); err != nil {
		s.logger.Warn("farewell injection failed, hanging up now", "error", err)
		s.mu.Lock()
		s.farewellPending = false
		s.mu.Unlock()
		s.hangup()
	}
	return `{"ok":true}`, nil
}

func (s *Session) onAgentClosed(e *agent.Closed) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if e.Err != nil {
		s.logger.Error("agent session lost, ending call", "error", e.Err)
	}
	s.hangup()
}

// hangup ends the call through the manager; the carrier tears down the
// media stream, which in turn stops this session.
func (s *Session) hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.bridge.mgr.EndCall(ctx, s.callID); err != nil {
		s.logger.Warn("hangup failed", "error", err)
	}
}

// Stop tears the session down after the media stream is gone: timers are
// cleared, the call is forced terminal even without a carrier callback, the
// agent socket is closed, and post-call work runs in the background.
// Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.timers.ClearAll()
		s.fb.Stop()
		s.bridge.mgr.DetachSession(s.callID)
		if attacher, ok := s.bridge.prov.(provider.MediaAttacher); ok && s.providerCallID != "" {
			attacher.DetachMedia(s.providerCallID)
		}

		s.bridge.mgr.ProcessEvent(provider.Event{
			Type:           provider.EventCallEnded,
			CallID:         s.callID,
			Provider:       s.bridge.prov.Name(),
			ProviderCallID: s.providerCallID,
			Timestamp:      time.Now(),
		})

		if err := s.client.Close(); err != nil {
			s.logger.Debug("agent close", "error", err)
		}

		go s.postCall()
		s.logger.Info("media bridge stopped")
	})
}

func (s *Session) postCall() {
	rec := s.bridge.mgr.Get(s.callID)
	if rec != nil && s.bridge.cfg.PostCall != nil {
		s.bridge.cfg.PostCall(rec)
	}

	if s.bridge.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, err := s.bridge.notifier.NotifyChildSessions(ctx, s.sessionKey,
			"The phone call has ended. Deliver any remaining results through your asynchronous channel instead of the call.")
		if err != nil {
			s.logger.Debug("child session notification failed", "error", err)
		}
	}
}
