package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc executes one client-side function call.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Runner wraps handler execution, typically with fallback escalation.
// fallback.Manager satisfies this.
type Runner interface {
	Execute(ctx context.Context, name string, args json.RawMessage, handler func(context.Context, json.RawMessage) (string, error)) string
}

// Responder is the slice of Client the dispatcher needs.
type Responder interface {
	InjectAgentMessage(message string) error
	FunctionCallResponse(id, name, content string) error
}

// directRunner executes handlers with no escalation; errors are serialized
// into the response payload.
type directRunner struct{}

func (directRunner) Execute(ctx context.Context, name string, args json.RawMessage, handler func(context.Context, json.RawMessage) (string, error)) string {
	out, err := handler(ctx, args)
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(payload)
	}
	return out
}

// FillerConfig masks tool latency: if a handler has not finished by
// Threshold, one short phrase is injected so the caller hears something
// instead of dead air.
type FillerConfig struct {
	Threshold time.Duration
	Phrases   []string
}

// Dispatcher routes FunctionCallRequest events to registered handlers and
// always answers with a FunctionCallResponse. Unregistered or server-side
// functions are acknowledged with an error payload rather than left
// hanging.
type Dispatcher struct {
	responder Responder
	runner    Runner
	filler    FillerConfig
	logger    *slog.Logger

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	phraseIdx int
}

// NewDispatcher creates a dispatcher. runner may be nil for plain
// execution without escalation.
func NewDispatcher(responder Responder, runner Runner, filler FillerConfig, logger *slog.Logger) *Dispatcher {
	if runner == nil {
		runner = directRunner{}
	}
	return &Dispatcher{
		responder: responder,
		runner:    runner,
		filler:    filler,
		logger:    logger.With("subsystem", "agent-functions"),
		handlers:  make(map[string]HandlerFunc),
	}
}

// Register installs the handler for a function name, replacing any previous
// one.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.mu.Lock()
	d.handlers[name] = handler
	d.mu.Unlock()
}

// HandleRequest runs every client-side call in the request and responds to
// each. It blocks until all responses are sent; callers wanting async
// behavior run it in a goroutine.
func (d *Dispatcher) HandleRequest(ctx context.Context, req *FunctionCallRequest) {
	for _, call := range req.Functions {
		if !call.ClientSide {
			continue
		}
		d.runOne(ctx, call)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, call FunctionCall) {
	d.mu.Lock()
	handler, ok := d.handlers[call.Name]
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("no handler for function call", "function", call.Name)
		payload, _ := json.Marshal(map[string]string{"error": "unknown function: " + call.Name})
		d.respond(call, string(payload))
		return
	}

	stopFiller := d.armFiller(call.Name)
	output := d.runner.Execute(ctx, call.Name, call.Arguments, handler)
	stopFiller()

	d.respond(call, output)
}

// armFiller schedules the dead-air phrase and returns a cancel func. The
// cancel is a no-op once the phrase has been spoken.
func (d *Dispatcher) armFiller(function string) func() {
	if d.filler.Threshold <= 0 || len(d.filler.Phrases) == 0 {
		return func() {}
	}
	timer := time.AfterFunc(d.filler.Threshold, func() {
		phrase := d.nextPhrase()
		d.logger.Info("function call running long, speaking filler",
			"function", function, "phrase", phrase)
		if err := d.responder.InjectAgentMessage(phrase); err != nil {
			d.logger.Warn("filler injection failed", "error", err)
		}
	})
	return func() { timer.Stop() }
}

func (d *Dispatcher) nextPhrase() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	phrase := d.filler.Phrases[d.phraseIdx%len(d.filler.Phrases)]
	d.phraseIdx++
	return phrase
}

func (d *Dispatcher) respond(call FunctionCall, content string) {
	if err := d.responder.FunctionCallResponse(call.ID, call.Name, content); err != nil {
		d.logger.Warn("function call response failed",
			"function", call.Name, "error", err)
	}
}
