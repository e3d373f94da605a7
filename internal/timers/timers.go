// Package timers implements per-call watchdogs for two failure modes:
// an unresponsive agent after the user speaks (dead air), and a caller who
// goes silent after the agent finishes speaking (idle).
package timers

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds the watchdog deadlines and the phrases spoken when they
// fire. A zero duration disables that stage; Enabled=false disables the
// whole subsystem.
type Config struct {
	Enabled bool

	ResponseReengage time.Duration
	ResponseExit     time.Duration
	IdlePrompt       time.Duration
	IdleExit         time.Duration

	// PostExitDelay is the pause between injecting an exit phrase and
	// hanging up, giving TTS time to finish speaking.
	PostExitDelay time.Duration

	ResponseReengageMessage string
	ResponseExitMessage     string
	IdlePromptMessage       string
	IdleExitMessage         string
}

// Callbacks connect the watchdogs to the live call. InjectMessage speaks a
// phrase through the agent session; EndCall tears the call down.
type Callbacks struct {
	InjectMessage func(msg string) error
	EndCall       func()
}

// SessionTimers manages the response and idle watchdog chains for one call.
//
// Response chain: armed when the user speaks; the re-engage deadline injects
// a recovery phrase, the exit deadline injects a goodbye and ends the call.
// The chain is canceled the moment the agent speaks.
//
// Idle chain: armed when the agent finishes speaking; the prompt deadline
// injects an "are you there" phrase and sets a guard so that phrase's own
// completion cannot re-arm the chain; the exit deadline after the prompt
// injects a goodbye and ends the call. Any user speech cancels the chain
// and clears the guard.
type SessionTimers struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	mu sync.Mutex

	responseReengage *time.Timer
	responseExit     *time.Timer
	idlePrompt       *time.Timer
	idleExit         *time.Timer
	hangup           *time.Timer

	idlePrompted bool
	exiting      bool
}

// New creates session timers for one call. The returned timers are inert
// until an event arms them.
func New(cfg Config, cb Callbacks, logger *slog.Logger) *SessionTimers {
	return &SessionTimers{
		cfg:    cfg,
		cb:     cb,
		logger: logger.With("subsystem", "session-timers"),
	}
}

// OnUserSpoke arms the response chain and clears the idle chain. Called on
// every final user utterance.
func (t *SessionTimers) OnUserSpoke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled || t.exiting {
		return
	}

	t.clearResponseLocked()
	t.clearIdleLocked()
	t.idlePrompted = false

	if d := t.cfg.ResponseReengage; d > 0 {
		t.responseReengage = time.AfterFunc(d, t.fireResponseReengage)
	}
	if d := t.cfg.ResponseExit; d > 0 {
		t.responseExit = time.AfterFunc(d, t.fireResponseExit)
	}
}

// OnAgentStartedSpeaking cancels the response chain (silent recovery).
func (t *SessionTimers) OnAgentStartedSpeaking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled || t.exiting {
		return
	}
	t.clearResponseLocked()
}

// OnUserStartedSpeaking cancels the idle chain on barge-in and clears the
// prompt guard.
func (t *SessionTimers) OnUserStartedSpeaking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled || t.exiting {
		return
	}
	t.clearIdleLocked()
	t.idlePrompted = false
}

// OnAgentAudioDone arms the idle chain. The completion of the idle prompt
// itself is guarded so it cannot re-arm the chain.
func (t *SessionTimers) OnAgentAudioDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled || t.exiting || t.idlePrompted {
		return
	}

	t.clearIdleLocked()
	if d := t.cfg.IdlePrompt; d > 0 {
		t.idlePrompt = time.AfterFunc(d, t.fireIdlePrompt)
	}
}

// ClearAll cancels every pending timer and permanently suppresses further
// starts. Idempotent.
func (t *SessionTimers) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exiting = true
	t.clearResponseLocked()
	t.clearIdleLocked()
	if t.hangup != nil {
		t.hangup.Stop()
		t.hangup = nil
	}
}

func (t *SessionTimers) fireResponseReengage() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		return
	}
	msg := t.cfg.ResponseReengageMessage
	t.mu.Unlock()

	t.logger.Info("response re-engage deadline hit, injecting message")
	t.inject(msg)
}

func (t *SessionTimers) fireResponseExit() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		return
	}
	t.exiting = true
	t.clearResponseLocked()
	t.clearIdleLocked()
	msg := t.cfg.ResponseExitMessage
	t.mu.Unlock()

	t.logger.Info("response exit deadline hit, ending call")
	t.inject(msg)
	t.scheduleHangup()
}

func (t *SessionTimers) fireIdlePrompt() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		return
	}
	t.idlePrompted = true
	msg := t.cfg.IdlePromptMessage
	if d := t.cfg.IdleExit; d > 0 {
		t.idleExit = time.AfterFunc(d, t.fireIdleExit)
	}
	t.mu.Unlock()

	t.logger.Info("idle prompt deadline hit, injecting message")
	t.inject(msg)
}

func (t *SessionTimers) fireIdleExit() {
	t.mu.Lock()
	if t.exiting {
		t.mu.Unlock()
		return
	}
	t.exiting = true
	t.clearIdleLocked()
	t.clearResponseLocked()
	msg := t.cfg.IdleExitMessage
	t.mu.Unlock()

	t.logger.Info("idle exit deadline hit, ending call")
	t.inject(msg)
	t.scheduleHangup()
}

// scheduleHangup ends the call after PostExitDelay so the exit phrase has
// time to be spoken. Bypasses the exiting flag on purpose.
func (t *SessionTimers) scheduleHangup() {
	d := t.cfg.PostExitDelay
	if d <= 0 {
		t.cb.EndCall()
		return
	}
	t.mu.Lock()
	t.hangup = time.AfterFunc(d, t.cb.EndCall)
	t.mu.Unlock()
}

func (t *SessionTimers) inject(msg string) {
	if msg == "" || t.cb.InjectMessage == nil {
		return
	}
	if err := t.cb.InjectMessage(msg); err != nil {
		t.logger.Warn("failed to inject timer message, proceeding", "error", err)
	}
}

func (t *SessionTimers) clearResponseLocked() {
	if t.responseReengage != nil {
		t.responseReengage.Stop()
		t.responseReengage = nil
	}
	if t.responseExit != nil {
		t.responseExit.Stop()
		t.responseExit = nil
	}
}

func (t *SessionTimers) clearIdleLocked() {
	if t.idlePrompt != nil {
		t.idlePrompt.Stop()
		t.idlePrompt = nil
	}
	if t.idleExit != nil {
		t.idleExit.Stop()
		t.idleExit = nil
	}
}
