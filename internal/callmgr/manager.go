// Package callmgr owns the call lifecycle: it holds the active-call table,
// drives state transitions, persists every mutation to the call store, and
// translates operator commands into provider actions.
package callmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/provider"
)

// Sentinel errors for expected command failures.
var (
	ErrUnknownCall     = errors.New("unknown call")
	ErrCallTerminal    = errors.New("call already ended")
	ErrNoSession       = errors.New("no agent session attached")
	ErrContinuePending = errors.New("a continue is already pending for this call")
	ErrNoCallerID      = errors.New("no caller id configured")
)

// CapacityError rejects an outbound call at the concurrency ceiling. It
// carries the oldest active calls so the operator can decide what to end.
type CapacityError struct {
	Limit  int
	Oldest []CallSummary
}

// CallSummary identifies one active call in a capacity rejection.
type CallSummary struct {
	CallID    string    `json:"callId"`
	To        string    `json:"to"`
	StartedAt time.Time `json:"startedAt"`
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("concurrency ceiling reached (%d active calls)", e.Limit)
}

// AgentSession is the slice of a live AI session the manager drives for
// speech and persona changes. The bridge attaches one per call.
type AgentSession interface {
	InjectAgentMessage(message string) error
	UpdatePrompt(prompt string) error
	UpdateSpeak(model string) error
}

// Config tunes the manager.
type Config struct {
	// MaxConcurrentCalls caps outbound calls. Inbound calls are never
	// rejected for capacity; the carrier already accepted them.
	MaxConcurrentCalls int
	// CallerID is the default outbound From number.
	CallerID string
	// RingTimeout is passed to the provider on outbound calls.
	RingTimeout time.Duration
	// ContinueTimeout bounds how long ContinueCall waits for the caller's
	// reply when the request context carries no earlier deadline.
	ContinueTimeout time.Duration
}

type waitResult struct {
	text string
	err  error
}

type callEntry struct {
	rec       *callstore.CallRecord
	session   AgentSession
	waiter    chan waitResult
	listening bool
}

// Manager is the single owner of live call state. All exported methods are
// safe for concurrent use; mutations and their durable appends happen under
// one lock so the log order matches the in-memory order.
type Manager struct {
	cfg    Config
	store  *callstore.Store
	prov   provider.Provider
	logger *slog.Logger

	// onStateChange, when set, observes every persisted transition
	// (metrics hook).
	onStateChange func(rec *callstore.CallRecord)

	mu         sync.Mutex
	active     map[string]*callEntry // call id -> entry
	byProvider map[string]string     // provider call id -> call id
}

// New builds a manager and rehydrates the active-call table from the store,
// so calls that were live before a restart keep routing events.
func New(cfg Config, store *callstore.Store, prov provider.Provider, logger *slog.Logger) *Manager {
	if cfg.ContinueTimeout <= 0 {
		cfg.ContinueTimeout = 60 * time.Second
	}
	m := &Manager{
		cfg:        cfg,
		store:      store,
		prov:       prov,
		logger:     logger.With("subsystem", "callmgr"),
		active:     make(map[string]*callEntry),
		byProvider: make(map[string]string),
	}
	for _, rec := range store.Active() {
		m.active[rec.CallID] = &callEntry{rec: rec}
		if rec.ProviderCallID != "" {
			m.byProvider[rec.ProviderCallID] = rec.CallID
		}
	}
	if n := len(m.active); n > 0 {
		m.logger.Info("recovered live calls from log", "count", n)
	}
	return m
}

// OnStateChange registers an observer for persisted transitions.
func (m *Manager) OnStateChange(fn func(rec *callstore.CallRecord)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// InitiateOptions carry optional outbound-call settings.
type InitiateOptions struct {
	From string
	// Greeting is spoken once the media stream starts, then cleared.
	Greeting string
	// Mode is conversation (default) or notify.
	Mode    string
	AgentID string
	// DetectMachine asks the carrier for answering-machine detection.
	DetectMachine bool
}

// InitiateCall dials out. It enforces the concurrency ceiling, resolves the
// caller id, persists the initiated record, and only then touches the
// carrier; a carrier failure is persisted as a failed terminal record.
func (m *Manager) InitiateCall(ctx context.Context, to string, opts InitiateOptions) (*callstore.CallRecord, error) {
	from := opts.From
	if from == "" {
		from = m.cfg.CallerID
	}
	if from == "" {
		return nil, ErrNoCallerID
	}
	mode := opts.Mode
	if mode == "" {
		mode = callstore.ModeConversation
	}

	m.mu.Lock()
	if m.cfg.MaxConcurrentCalls > 0 && len(m.active) >= m.cfg.MaxConcurrentCalls {
		capErr := &CapacityError{Limit: m.cfg.MaxConcurrentCalls, Oldest: m.oldestLocked(3)}
		m.mu.Unlock()
		return nil, capErr
	}

	rec := &callstore.CallRecord{
		CallID:          uuid.NewString(),
		Provider:        m.prov.Name(),
		Direction:       callstore.DirectionOutbound,
		State:           callstore.StateInitiated,
		From:            from,
		To:              to,
		StartedAt:       time.Now(),
		PendingGreeting: opts.Greeting,
		Mode:            mode,
		AgentID:         opts.AgentID,
	}
	m.active[rec.CallID] = &callEntry{rec: rec}
	m.persistLocked(rec)
	m.mu.Unlock()

	providerCallID, err := m.prov.InitiateCall(ctx, provider.CallParams{
		CallID:        rec.CallID,
		To:            to,
		From:          from,
		RingTimeout:   m.cfg.RingTimeout,
		DetectMachine: opts.DetectMachine,
	})

	m.mu.Lock()
	entry, ok := m.active[rec.CallID]
	if !ok {
		// Ended while the carrier request was in flight. The record is
		// already terminal, but the carrier leg, if one was created, is live
		// and unindexed; hang it up.
		clone := rec.Clone()
		m.mu.Unlock()
		if err == nil && providerCallID != "" {
			hangCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if herr := m.prov.HangupCall(hangCtx, providerCallID); herr != nil {
				m.logger.Warn("hangup of orphaned carrier call failed",
					"call_id", rec.CallID, "provider_call_id", providerCallID, "error", herr)
			}
		}
		return clone, err
	}
	if err != nil {
		m.terminateLocked(entry, callstore.StateFailed, "provider: "+err.Error())
		m.mu.Unlock()
		return nil, fmt.Errorf("initiate call: %w", err)
	}
	entry.rec.ProviderCallID = providerCallID
	m.byProvider[providerCallID] = rec.CallID
	m.persistLocked(entry.rec)
	clone := entry.rec.Clone()
	m.mu.Unlock()
	return clone, nil
}

// Speak plays text to the caller and records it as a bot transcript entry.
func (m *Manager) Speak(ctx context.Context, callID, text string) error {
	m.mu.Lock()
	entry, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return m.rejectMissing(callID)
	}
	entry.rec.AppendTranscript(callstore.TranscriptEntry{
		Timestamp: time.Now(),
		Speaker:   callstore.SpeakerBot,
		Text:      text,
		IsFinal:   true,
	})
	entry.rec.State = callstore.StateSpeaking
	m.persistLocked(entry.rec)
	providerCallID := entry.rec.ProviderCallID
	m.mu.Unlock()

	if err := m.prov.PlayTTS(ctx, providerCallID, text); err != nil {
		return fmt.Errorf("play tts: %w", err)
	}
	return nil
}

// ContinueCall speaks a prompt, opens listening, and blocks until the
// caller's next final utterance, the context ends, or the continue timeout
// expires. Listening is closed on every exit path.
func (m *Manager) ContinueCall(ctx context.Context, callID, prompt string) (string, error) {
	if prompt != "" {
		if err := m.Speak(ctx, callID, prompt); err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	entry, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return "", m.rejectMissing(callID)
	}
	if entry.waiter != nil {
		m.mu.Unlock()
		return "", ErrContinuePending
	}
	waiter := make(chan waitResult, 1)
	entry.waiter = waiter
	entry.listening = true
	entry.rec.State = callstore.StateListening
	m.persistLocked(entry.rec)
	providerCallID := entry.rec.ProviderCallID
	m.mu.Unlock()

	if err := m.prov.StartListening(ctx, providerCallID); err != nil {
		m.logger.Warn("start listening failed, waiting anyway", "call_id", callID, "error", err)
	}
	defer func() {
		m.mu.Lock()
		if e, ok := m.active[callID]; ok {
			if e.waiter == waiter {
				e.waiter = nil
			}
			e.listening = false
		}
		m.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.prov.StopListening(stopCtx, providerCallID); err != nil {
			m.logger.Debug("stop listening failed", "call_id", callID, "error", err)
		}
	}()

	timeout := m.cfg.ContinueTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("no reply within %s", timeout)
	}
}

// HandoffParams describe a mid-call persona switch.
type HandoffParams struct {
	// Prompt is the new system instruction set. Required.
	Prompt string
	// Voice optionally switches the TTS voice.
	Voice string
	// Greeting is optionally spoken in the new persona right away.
	Greeting string
}

// HandoffCall rewrites the live session's instructions and optionally its
// voice, then speaks a greeting in the new persona.
func (m *Manager) HandoffCall(callID string, params HandoffParams) error {
	m.mu.Lock()
	entry, ok := m.active[callID]
	if !ok {
		m.mu.Unlock()
		return m.rejectMissing(callID)
	}
	session := entry.session
	m.mu.Unlock()

	if session == nil {
		return ErrNoSession
	}
	if err := session.UpdatePrompt(params.Prompt); err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	if params.Voice != "" {
		if err := session.UpdateSpeak(params.Voice); err != nil {
			return fmt.Errorf("update voice: %w", err)
		}
	}
	if params.Greeting != "" {
		if err := session.InjectAgentMessage(params.Greeting); err != nil {
			return fmt.Errorf("inject greeting: %w", err)
		}
	}
	m.logger.Info("call handed off", "call_id", callID, "voice", params.Voice)
	return nil
}

// EndCall hangs up. Ending a call that already reached a terminal state is
// a no-op success; ending an unknown call is an error.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	entry, ok := m.active[callID]
	if !ok {
		if rec := m.store.Get(callID); rec != nil && rec.State.Terminal() {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		return ErrUnknownCall
	}
	providerCallID := entry.rec.ProviderCallID
	m.terminateLocked(entry, callstore.StateHangupBot, "operator hangup")
	m.mu.Unlock()

	if providerCallID != "" {
		if err := m.prov.HangupCall(ctx, providerCallID); err != nil {
			m.logger.Warn("carrier hangup failed, record already terminal",
				"call_id", callID, "error", err)
		}
	}
	return nil
}

// ProcessEvent is the single entry point for normalized provider events.
// Events are deduplicated per call via their ids, applied to the record,
// and persisted. Events for terminal calls are dropped.
func (m *Manager) ProcessEvent(ev provider.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	callID := ev.CallID
	if callID == "" {
		var ok bool
		callID, ok = m.byProvider[ev.ProviderCallID]
		if !ok {
			if ev.Type == provider.EventCallInitiated && ev.Direction == "inbound" {
				m.synthesizeInboundLocked(ev)
				return
			}
			m.logger.Debug("event for unknown call dropped",
				"type", ev.Type, "provider_call_id", ev.ProviderCallID)
			return
		}
	}
	entry, ok := m.active[callID]
	if !ok {
		return
	}
	rec := entry.rec

	if ev.ID != "" && rec.HasProcessed(ev.ID) {
		return
	}
	rec.MarkProcessed(ev.ID)

	switch ev.Type {
	case provider.EventCallInitiated:
		// Already initiated locally; nothing to transition.
		m.persistLocked(rec)
	case provider.EventCallRinging:
		rec.State = callstore.StateRinging
		m.persistLocked(rec)
	case provider.EventCallAnswered:
		rec.State = callstore.StateAnswered
		m.persistLocked(rec)
	case provider.EventCallCompleted:
		m.terminateLocked(entry, callstore.StateCompleted, "carrier completed")
	case provider.EventCallFailed:
		m.terminateLocked(entry, callstore.StateFailed, "carrier failed")
	case provider.EventCallBusy:
		m.terminateLocked(entry, callstore.StateBusy, "busy")
	case provider.EventCallNoAnswer:
		m.terminateLocked(entry, callstore.StateNoAnswer, "no answer")
	case provider.EventCallVoicemail:
		m.terminateLocked(entry, callstore.StateVoicemail, "answering machine")
	case provider.EventCallEnded:
		m.terminateLocked(entry, callstore.StateHangupUser, "media stream ended")
	case provider.EventTranscript:
		m.applyTranscriptLocked(entry, ev)
	default:
		m.logger.Warn("unhandled event type", "type", ev.Type)
	}
}

func (m *Manager) applyTranscriptLocked(entry *callEntry, ev provider.Event) {
	speaker := callstore.Speaker(ev.Speaker)
	if speaker != callstore.SpeakerUser && speaker != callstore.SpeakerBot {
		speaker = callstore.SpeakerUser
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	entry.rec.AppendTranscript(callstore.TranscriptEntry{
		Timestamp: ts,
		Speaker:   speaker,
		Text:      ev.Text,
		IsFinal:   ev.IsFinal,
	})
	m.persistLocked(entry.rec)

	if ev.IsFinal && speaker == callstore.SpeakerUser && entry.waiter != nil {
		entry.waiter <- waitResult{text: ev.Text}
		entry.waiter = nil
	}
}

// synthesizeInboundLocked creates the record for an inbound call whose
// first sign of life is a provider event.
func (m *Manager) synthesizeInboundLocked(ev provider.Event) *callstore.CallRecord {
	rec := &callstore.CallRecord{
		CallID:         uuid.NewString(),
		ProviderCallID: ev.ProviderCallID,
		Provider:       ev.Provider,
		Direction:      callstore.DirectionInbound,
		State:          callstore.StateInitiated,
		From:           ev.From,
		To:             ev.To,
		StartedAt:      time.Now(),
		Mode:           callstore.ModeConversation,
	}
	rec.MarkProcessed(ev.ID)
	m.active[rec.CallID] = &callEntry{rec: rec}
	if ev.ProviderCallID != "" {
		m.byProvider[ev.ProviderCallID] = rec.CallID
	}
	m.persistLocked(rec)
	m.logger.Info("inbound call", "call_id", rec.CallID, "from", ev.From)
	return rec
}

// CreateInboundCall mints a record for an inbound call during webhook
// handling, before the media stream connects. Used to embed the call id
// and stream token in the carrier's call-control response.
func (m *Manager) CreateInboundCall(providerCallID, from, to string) (*callstore.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callID, ok := m.byProvider[providerCallID]; ok {
		if entry, ok := m.active[callID]; ok {
			return entry.rec.Clone(), nil
		}
	}
	rec := m.synthesizeInboundLocked(provider.Event{
		Provider:       m.prov.Name(),
		ProviderCallID: providerCallID,
		From:           from,
		To:             to,
		Direction:      "inbound",
	})
	return rec.Clone(), nil
}

// EnsureCall returns the active record for a media stream, synthesizing one
// when the stream arrives before any webhook. The record is marked active.
func (m *Manager) EnsureCall(callID, providerCallID, from, to string) (*callstore.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.active[callID]
	if !ok {
		if callID == "" {
			return nil, ErrUnknownCall
		}
		if rec := m.store.Get(callID); rec != nil && rec.State.Terminal() {
			return nil, ErrCallTerminal
		}
		rec := &callstore.CallRecord{
			CallID:         callID,
			ProviderCallID: providerCallID,
			Provider:       m.prov.Name(),
			Direction:      callstore.DirectionInbound,
			State:          callstore.StateActive,
			From:           from,
			To:             to,
			StartedAt:      time.Now(),
			Mode:           callstore.ModeConversation,
		}
		entry = &callEntry{rec: rec}
		m.active[callID] = entry
		m.logger.Info("synthesized record for early media stream", "call_id", callID)
	}

	rec := entry.rec
	if providerCallID != "" && rec.ProviderCallID == "" {
		rec.ProviderCallID = providerCallID
	}
	if rec.ProviderCallID != "" {
		m.byProvider[rec.ProviderCallID] = rec.CallID
	}
	if !rec.State.Terminal() {
		rec.State = callstore.StateActive
	}
	m.persistLocked(rec)
	return rec.Clone(), nil
}

// ClearPendingGreeting wipes the one-shot greeting after it has been spoken
// so a stream reconnect cannot replay it.
func (m *Manager) ClearPendingGreeting(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.active[callID]
	if !ok || entry.rec.PendingGreeting == "" {
		return
	}
	entry.rec.PendingGreeting = ""
	m.persistLocked(entry.rec)
}

// AttachSession registers the live AI session for a call.
func (m *Manager) AttachSession(callID string, session AgentSession) {
	m.mu.Lock()
	if entry, ok := m.active[callID]; ok {
		entry.session = session
	}
	m.mu.Unlock()
}

// DetachSession removes the session registration.
func (m *Manager) DetachSession(callID string) {
	m.mu.Lock()
	if entry, ok := m.active[callID]; ok {
		entry.session = nil
	}
	m.mu.Unlock()
}

// Get returns the current record for a call, live or finished.
func (m *Manager) Get(callID string) *callstore.CallRecord {
	m.mu.Lock()
	if entry, ok := m.active[callID]; ok {
		rec := entry.rec.Clone()
		m.mu.Unlock()
		return rec
	}
	m.mu.Unlock()
	return m.store.Get(callID)
}

// ActiveCalls returns the live calls ordered oldest first.
func (m *Manager) ActiveCalls() []*callstore.CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*callstore.CallRecord, 0, len(m.active))
	for _, entry := range m.active {
		out = append(out, entry.rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of live calls.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// terminateLocked moves a live call to a terminal state, persists it, drops
// it from the active table, and fails any pending continue wait.
func (m *Manager) terminateLocked(entry *callEntry, state callstore.CallState, reason string) {
	rec := entry.rec
	if rec.State.Terminal() {
		return
	}
	rec.State = state
	rec.EndReason = reason
	now := time.Now()
	rec.EndedAt = &now
	m.persistLocked(rec)

	delete(m.active, rec.CallID)
	if rec.ProviderCallID != "" {
		delete(m.byProvider, rec.ProviderCallID)
	}
	if entry.waiter != nil {
		entry.waiter <- waitResult{err: fmt.Errorf("call ended: %s", reason)}
		entry.waiter = nil
	}
	entry.session = nil
	m.logger.Info("call ended",
		"call_id", rec.CallID, "state", rec.State, "reason", reason)
}

func (m *Manager) persistLocked(rec *callstore.CallRecord) {
	if err := m.store.Append(rec); err != nil {
		m.logger.Error("persist call record failed", "call_id", rec.CallID, "error", err)
	}
	if m.onStateChange != nil {
		m.onStateChange(rec)
	}
}

// rejectMissing distinguishes a finished call from one never seen.
func (m *Manager) rejectMissing(callID string) error {
	if rec := m.store.Get(callID); rec != nil && rec.State.Terminal() {
		return ErrCallTerminal
	}
	return ErrUnknownCall
}

func (m *Manager) oldestLocked(n int) []CallSummary {
	entries := make([]*callstore.CallRecord, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e.rec)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.Before(entries[j].StartedAt) })
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]CallSummary, len(entries))
	for i, rec := range entries {
		out[i] = CallSummary{CallID: rec.CallID, To: rec.To, StartedAt: rec.StartedAt}
	}
	return out
}
