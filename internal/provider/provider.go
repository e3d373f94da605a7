// Package provider abstracts the telephony carrier: webhook verification
// and parsing, outbound dialing, hangup, and speech control. Carrier events
// are normalized so the call manager never sees vendor payloads.
package provider

import (
	"context"
	"net/http"
	"time"
)

// EventType classifies a normalized carrier event.
type EventType string

const (
	EventCallInitiated EventType = "call.initiated"
	EventCallRinging   EventType = "call.ringing"
	EventCallAnswered  EventType = "call.answered"
	EventCallCompleted EventType = "call.completed"
	EventCallFailed    EventType = "call.failed"
	EventCallBusy      EventType = "call.busy"
	EventCallNoAnswer  EventType = "call.no-answer"
	EventCallVoicemail EventType = "call.voicemail"
	// EventCallEnded signals the media leg is gone regardless of whether a
	// carrier status callback ever arrives.
	EventCallEnded EventType = "call.ended"
	// EventTranscript carries one utterance, partial or final.
	EventTranscript EventType = "transcript"
)

// Event is one normalized carrier event.
type Event struct {
	// ID deduplicates redelivered webhooks. Empty disables dedup for this
	// event.
	ID   string
	Type EventType
	// CallID is the gateway's own call identifier. Carrier webhooks leave it
	// empty and route by ProviderCallID; bridge-synthesized events set it so
	// they reach calls that never got a carrier id (browser streams).
	CallID         string
	Provider       string
	ProviderCallID string
	From           string
	To             string
	// Direction is "inbound" or "outbound" when the carrier reports it.
	Direction string
	// Text and IsFinal are set for transcript events.
	Text    string
	IsFinal bool
	// Speaker is "user" or "bot" for transcript events.
	Speaker   string
	Timestamp time.Time
}

// WebhookResponse is the exact HTTP reply the carrier expects. Some
// webhooks demand a vendor-specific document (e.g. call-control XML), so
// the provider dictates body, status and content type.
type WebhookResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// CallParams describe an outbound call.
type CallParams struct {
	// CallID is the gateway's own identifier, threaded through to the
	// media stream so it can be correlated back.
	CallID string
	To     string
	From   string
	// RingTimeout bounds how long the carrier lets the callee ring.
	RingTimeout time.Duration
	// DetectMachine asks the carrier to flag answering machines.
	DetectMachine bool
}

// MediaSession is a live media leg attached to a call. When present the
// provider delegates speech and listening control to it instead of issuing
// carrier API calls.
type MediaSession interface {
	Speak(text string) error
	SetListening(listening bool)
}

// Provider is one telephony carrier integration.
type Provider interface {
	Name() string

	// VerifyWebhook authenticates an incoming webhook request. body is the
	// already-read request body.
	VerifyWebhook(r *http.Request, body []byte) error

	// ParseWebhookEvent normalizes a verified webhook into zero or more
	// events plus the HTTP response the carrier requires.
	ParseWebhookEvent(r *http.Request, body []byte) ([]Event, *WebhookResponse, error)

	// InitiateCall dials out and returns the carrier's call identifier.
	InitiateCall(ctx context.Context, params CallParams) (string, error)

	// HangupCall tears down a live call. Hanging up an already-dead call
	// is not an error.
	HangupCall(ctx context.Context, providerCallID string) error

	// PlayTTS speaks text to the remote party.
	PlayTTS(ctx context.Context, providerCallID, text string) error

	// StartListening and StopListening gate transcript delivery for the
	// call.
	StartListening(ctx context.Context, providerCallID string) error
	StopListening(ctx context.Context, providerCallID string) error
}

// MediaAttacher is implemented by providers that accept a delegated media
// session per call.
type MediaAttacher interface {
	AttachMedia(providerCallID string, session MediaSession)
	DetachMedia(providerCallID string)
}
