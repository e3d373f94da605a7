// Package fake is a deterministic, network-free telephony provider used in
// tests. It records every invocation and can be scripted to fail.
package fake

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/voicegate/voicegate/internal/provider"
)

// Provider implements provider.Provider and provider.MediaAttacher.
type Provider struct {
	// Failure injection. Nil means success.
	InitiateErr error
	HangupErr   error
	PlayTTSErr  error
	ListenErr   error
	VerifyErr   error
	ParseErr    error

	// InitiateHook, when set, runs during InitiateCall after the carrier id
	// is assigned but before it is returned. Lets tests interleave other
	// manager calls with an in-flight dial.
	InitiateHook func()

	mu        sync.Mutex
	nextSID   int
	initiated []provider.CallParams
	hangups   []string
	spoken    map[string][]string
	listening map[string]bool
	media     map[string]provider.MediaSession
	scripted  []scriptedWebhook
}

type scriptedWebhook struct {
	events []provider.Event
	resp   *provider.WebhookResponse
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.MediaAttacher = (*Provider)(nil)
)

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{
		spoken:    make(map[string][]string),
		listening: make(map[string]bool),
		media:     make(map[string]provider.MediaSession),
	}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) VerifyWebhook(r *http.Request, body []byte) error {
	return p.VerifyErr
}

// Script queues the result of the next ParseWebhookEvent call.
func (p *Provider) Script(events []provider.Event, resp *provider.WebhookResponse) {
	p.mu.Lock()
	p.scripted = append(p.scripted, scriptedWebhook{events: events, resp: resp})
	p.mu.Unlock()
}

func (p *Provider) ParseWebhookEvent(r *http.Request, body []byte) ([]provider.Event, *provider.WebhookResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ParseErr != nil {
		return nil, nil, p.ParseErr
	}
	if len(p.scripted) == 0 {
		return nil, &provider.WebhookResponse{StatusCode: http.StatusNoContent}, nil
	}
	next := p.scripted[0]
	p.scripted = p.scripted[1:]
	return next.events, next.resp, nil
}

func (p *Provider) InitiateCall(ctx context.Context, params provider.CallParams) (string, error) {
	p.mu.Lock()
	if p.InitiateErr != nil {
		p.mu.Unlock()
		return "", p.InitiateErr
	}
	p.nextSID++
	sid := fmt.Sprintf("PC-%d", p.nextSID)
	p.initiated = append(p.initiated, params)
	hook := p.InitiateHook
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return sid, nil
}

func (p *Provider) HangupCall(ctx context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HangupErr != nil {
		return p.HangupErr
	}
	p.hangups = append(p.hangups, providerCallID)
	return nil
}

func (p *Provider) PlayTTS(ctx context.Context, providerCallID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayTTSErr != nil {
		return p.PlayTTSErr
	}
	if session := p.media[providerCallID]; session != nil {
		p.mu.Unlock()
		err := session.Speak(text)
		p.mu.Lock()
		if err != nil {
			return err
		}
	}
	p.spoken[providerCallID] = append(p.spoken[providerCallID], text)
	return nil
}

func (p *Provider) StartListening(ctx context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListenErr != nil {
		return p.ListenErr
	}
	p.listening[providerCallID] = true
	return nil
}

func (p *Provider) StopListening(ctx context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListenErr != nil {
		return p.ListenErr
	}
	p.listening[providerCallID] = false
	return nil
}

func (p *Provider) AttachMedia(providerCallID string, session provider.MediaSession) {
	p.mu.Lock()
	p.media[providerCallID] = session
	p.mu.Unlock()
}

func (p *Provider) DetachMedia(providerCallID string) {
	p.mu.Lock()
	delete(p.media, providerCallID)
	p.mu.Unlock()
}

// Initiated returns a copy of every outbound call attempted.
func (p *Provider) Initiated() []provider.CallParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.CallParams(nil), p.initiated...)
}

// Hangups returns every provider call id hung up, in order.
func (p *Provider) Hangups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

// Spoken returns every TTS utterance played to a call.
func (p *Provider) Spoken(providerCallID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spoken[providerCallID]...)
}

// Listening reports the last listening state set for a call.
func (p *Provider) Listening(providerCallID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening[providerCallID]
}
