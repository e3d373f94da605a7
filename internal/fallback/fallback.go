// Package fallback wraps function-call handlers with a tiered degradation
// ladder so a failing tool never leaves the caller in dead air.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tier identifies an escalation level on the degradation ladder.
type Tier int

const (
	// TierDegradedPrompt switches the agent to degraded instructions and
	// reports a structured fallback payload.
	TierDegradedPrompt Tier = 1
	// TierCannedPhrase speaks a round-robin canned phrase.
	TierCannedPhrase Tier = 2
	// TierTroublePhrase speaks an honest "having trouble" phrase.
	TierTroublePhrase Tier = 3
	// TierHangup speaks an exit message and ends the call shortly after.
	TierHangup Tier = 4
)

// Config tunes the ladder.
type Config struct {
	// MaxRetries is the number of consecutive failures tolerated before
	// tier 4 ends the call.
	MaxRetries int
	// CallTimeout bounds each handler invocation; a timeout counts as a
	// failure.
	CallTimeout time.Duration
	// HangupDelay is the pause between the tier-4 exit message and the
	// hangup, giving TTS time to speak it.
	HangupDelay time.Duration

	// DegradedPrompt, when non-empty, is applied to the agent at tier 1.
	DegradedPrompt string
	// Phrases are the tier-2 canned phrases, spoken round-robin.
	Phrases []string
	// TroublePhrase is the tier-3 phrase.
	TroublePhrase string
	// ExitMessage is spoken before the tier-4 hangup.
	ExitMessage string
}

// Actions connect the ladder to the live call.
type Actions struct {
	// SetPrompt rewrites the agent's instructions (tier 1).
	SetPrompt func(prompt string) error
	// Speak injects a phrase into the call (tiers 2-4).
	Speak func(phrase string) error
	// EndCall hangs up (tier 4).
	EndCall func()
}

// Event is emitted once per escalation for observability.
type Event struct {
	CallID    string
	Tier      Tier
	Function  string
	Timestamp time.Time
}

// Handler executes one function call and returns its serialized output.
// It is an alias so callers can pass plain functions and interfaces can be
// satisfied without conversion.
type Handler = func(ctx context.Context, args json.RawMessage) (string, error)

// Manager tracks consecutive-failure state for one call and applies the
// escalation ladder around handler invocations.
type Manager struct {
	cfg    Config
	act    Actions
	callID string
	logger *slog.Logger

	// onEvent, when set, observes every escalation (metrics hook).
	onEvent func(Event)

	mu        sync.Mutex
	failures  map[string]int // consecutive failures per function name
	phraseIdx int
	hangup    *time.Timer
}

// New creates a fallback manager for one call.
func New(cfg Config, act Actions, callID string, logger *slog.Logger) *Manager {
	if cfg.TroublePhrase == "" {
		cfg.TroublePhrase = "I'm having trouble with that right now. Let's try something else."
	}
	if cfg.ExitMessage == "" {
		cfg.ExitMessage = "I'm sorry, something isn't working on my end. I'll let you go. Goodbye."
	}
	return &Manager{
		cfg:      cfg,
		act:      act,
		callID:   callID,
		logger:   logger.With("subsystem", "fallback", "call_id", callID),
		failures: make(map[string]int),
	}
}

// OnEvent registers an observer invoked once per escalation.
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

// Execute runs the handler bounded by the configured timeout. On success
// the function's consecutive-failure counter resets and the handler output
// is returned. On failure the ladder escalates and a serialized error
// payload is returned; Execute itself never returns an error, so the
// result can always be delivered as a function-call response.
func (m *Manager) Execute(ctx context.Context, name string, args json.RawMessage, handler Handler) string {
	out, err := m.invoke(ctx, name, args, handler)
	if err == nil {
		m.mu.Lock()
		m.failures[name] = 0
		m.mu.Unlock()
		return out
	}

	m.mu.Lock()
	m.failures[name]++
	count := m.failures[name]
	m.mu.Unlock()

	tier := m.selectTier(count)
	m.logger.Warn("function call failed",
		"function", name,
		"consecutive_failures", count,
		"tier", int(tier),
		"error", err,
	)
	m.emit(Event{CallID: m.callID, Tier: tier, Function: name, Timestamp: time.Now()})
	m.apply(tier)

	payload, _ := json.Marshal(map[string]any{
		"error":    err.Error(),
		"fallback": true,
		"tier":     int(tier),
	})
	return string(payload)
}

// invoke runs the handler with the timeout applied. The handler runs in its
// own goroutine so a hung tool cannot wedge the caller.
func (m *Manager) invoke(ctx context.Context, name string, args json.RawMessage, handler Handler) (string, error) {
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := handler(ctx, args)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("function %s: %w", name, ctx.Err())
	}
}

// selectTier maps a consecutive-failure count to a ladder tier, skipping
// tiers whose prerequisites are not configured.
func (m *Manager) selectTier(count int) Tier {
	if count > m.cfg.MaxRetries {
		return TierHangup
	}
	tier := Tier(count)
	if tier > TierTroublePhrase {
		tier = TierTroublePhrase
	}
	if tier == TierDegradedPrompt && m.cfg.DegradedPrompt == "" {
		tier = TierCannedPhrase
	}
	if tier == TierCannedPhrase && len(m.cfg.Phrases) == 0 {
		tier = TierTroublePhrase
	}
	return tier
}

func (m *Manager) apply(tier Tier) {
	switch tier {
	case TierDegradedPrompt:
		if m.act.SetPrompt != nil {
			if err := m.act.SetPrompt(m.cfg.DegradedPrompt); err != nil {
				m.logger.Warn("failed to apply degraded prompt", "error", err)
			}
		}
	case TierCannedPhrase:
		m.speak(m.nextPhrase())
	case TierTroublePhrase:
		m.speak(m.cfg.TroublePhrase)
	case TierHangup:
		m.speak(m.cfg.ExitMessage)
		m.mu.Lock()
		if m.hangup == nil {
			if m.cfg.HangupDelay > 0 {
				m.hangup = time.AfterFunc(m.cfg.HangupDelay, m.act.EndCall)
			} else {
				defer m.act.EndCall()
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) nextPhrase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	phrase := m.cfg.Phrases[m.phraseIdx%len(m.cfg.Phrases)]
	m.phraseIdx++
	return phrase
}

func (m *Manager) speak(phrase string) {
	if phrase == "" || m.act.Speak == nil {
		return
	}
	if err := m.act.Speak(phrase); err != nil {
		m.logger.Warn("failed to speak fallback phrase", "error", err)
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fn := m.onEvent
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Stop cancels a pending tier-4 hangup, e.g. when the call ends first.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hangup != nil {
		m.hangup.Stop()
		m.hangup = nil
	}
}
