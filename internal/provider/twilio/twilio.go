// Package twilio implements the telephony provider against Twilio's REST
// API, status callbacks and Media Streams.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voicegate/voicegate/internal/provider"
)

// Webhook and stream mount points, relative to the public URL.
const (
	VoiceWebhookPath  = "/webhooks/twilio/voice"
	StatusWebhookPath = "/webhooks/twilio/status"
	StreamPath        = "/stream/twilio"
)

// Config configures the Twilio provider.
type Config struct {
	AccountSID string
	AuthToken  string
	// CallerID is the default outbound From number.
	CallerID string
	// PublicURL is the externally reachable base URL ("https://host"),
	// used for callback URLs, stream URLs and signature verification.
	PublicURL string

	// StreamParams supplies the custom parameters embedded in the media
	// stream document (call id, bearer token). For inbound calls callID is
	// empty and the callback mints one, keyed by providerCallID; for
	// outbound calls providerCallID is not yet known.
	StreamParams func(callID, providerCallID, from, to string) (map[string]string, error)

	// BaseURL and HTTPClient override the REST endpoint, for tests.
	BaseURL    string
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Provider implements provider.Provider and provider.MediaAttacher.
type Provider struct {
	cfg    Config
	rest   *restClient
	logger *slog.Logger

	mu    sync.Mutex
	media map[string]provider.MediaSession
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.MediaAttacher = (*Provider)(nil)
)

// New creates a Twilio provider.
func New(cfg Config) (*Provider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("twilio: public url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		rest:   newRESTClient(cfg.AccountSID, cfg.AuthToken, cfg.BaseURL, cfg.HTTPClient),
		logger: cfg.Logger.With("subsystem", "twilio"),
		media:  make(map[string]provider.MediaSession),
	}, nil
}

func (p *Provider) Name() string { return "twilio" }

// VerifyWebhook checks the X-Twilio-Signature header: base64 HMAC-SHA1 of
// the full request URL with the sorted form parameters appended.
func (p *Provider) VerifyWebhook(r *http.Request, body []byte) error {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return errors.New("missing X-Twilio-Signature header")
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse webhook form: %w", err)
	}

	fullURL := strings.TrimSuffix(p.cfg.PublicURL, "/") + r.URL.RequestURI()
	expected := computeSignature(p.cfg.AuthToken, fullURL, form)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func computeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			sb.WriteString(k)
			sb.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent normalizes a verified webhook. The voice path answers
// inbound calls with a media stream document; the status path maps carrier
// call states to normalized events and answers 204.
func (p *Provider) ParseWebhookEvent(r *http.Request, body []byte) ([]provider.Event, *provider.WebhookResponse, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse webhook form: %w", err)
	}

	switch {
	case strings.HasSuffix(r.URL.Path, VoiceWebhookPath):
		return p.parseVoiceWebhook(form)
	case strings.HasSuffix(r.URL.Path, StatusWebhookPath):
		return p.parseStatusWebhook(form)
	default:
		return nil, nil, fmt.Errorf("unknown webhook path %s", r.URL.Path)
	}
}

func (p *Provider) parseVoiceWebhook(form url.Values) ([]provider.Event, *provider.WebhookResponse, error) {
	callSID := form.Get("CallSid")
	if callSID == "" {
		return nil, nil, errors.New("voice webhook missing CallSid")
	}
	from, to := form.Get("From"), form.Get("To")

	ev := provider.Event{
		ID:             callSID + ":incoming",
		Type:           provider.EventCallInitiated,
		Provider:       p.Name(),
		ProviderCallID: callSID,
		From:           from,
		To:             to,
		Direction:      "inbound",
		Timestamp:      time.Now(),
	}

	params, err := p.streamParams("", callSID, from, to)
	if err != nil {
		p.logger.Error("refusing inbound call, stream params unavailable",
			"provider_call_id", callSID, "error", err)
		resp, rerr := xmlResponse(twimlResponse{Reject: &struct{}{}})
		return []provider.Event{ev}, resp, rerr
	}

	resp, err := xmlResponse(connectStreamTwiML(p.streamURL(), params))
	if err != nil {
		return nil, nil, err
	}
	return []provider.Event{ev}, resp, nil
}

func (p *Provider) parseStatusWebhook(form url.Values) ([]provider.Event, *provider.WebhookResponse, error) {
	callSID := form.Get("CallSid")
	status := form.Get("CallStatus")
	if callSID == "" || status == "" {
		return nil, nil, errors.New("status webhook missing CallSid or CallStatus")
	}

	evType, ok := mapCallStatus(status, form.Get("AnsweredBy"))
	resp := &provider.WebhookResponse{StatusCode: http.StatusNoContent}
	if !ok {
		p.logger.Debug("ignoring carrier status", "status", status, "provider_call_id", callSID)
		return nil, resp, nil
	}

	ev := provider.Event{
		ID:             statusEventID(callSID, status, form.Get("SequenceNumber")),
		Type:           evType,
		Provider:       p.Name(),
		ProviderCallID: callSID,
		From:           form.Get("From"),
		To:             form.Get("To"),
		Direction:      normalizeDirection(form.Get("Direction")),
		Timestamp:      time.Now(),
	}
	return []provider.Event{ev}, resp, nil
}

// statusEventID prefers the carrier's sequence number; redeliveries of the
// same callback reuse it.
func statusEventID(callSID, status, seq string) string {
	if seq != "" {
		if _, err := strconv.Atoi(seq); err == nil {
			return callSID + ":seq:" + seq
		}
	}
	return callSID + ":" + status
}

func mapCallStatus(status, answeredBy string) (provider.EventType, bool) {
	switch status {
	case "queued", "initiated":
		return provider.EventCallInitiated, true
	case "ringing":
		return provider.EventCallRinging, true
	case "in-progress", "answered":
		if strings.HasPrefix(answeredBy, "machine") {
			return provider.EventCallVoicemail, true
		}
		return provider.EventCallAnswered, true
	case "completed":
		return provider.EventCallCompleted, true
	case "busy":
		return provider.EventCallBusy, true
	case "no-answer":
		return provider.EventCallNoAnswer, true
	case "failed", "canceled":
		return provider.EventCallFailed, true
	default:
		return "", false
	}
}

func normalizeDirection(dir string) string {
	if strings.HasPrefix(dir, "outbound") {
		return "outbound"
	}
	if dir == "inbound" {
		return "inbound"
	}
	return dir
}

// InitiateCall dials out with an inline media stream document and a status
// callback subscription.
func (p *Provider) InitiateCall(ctx context.Context, params provider.CallParams) (string, error) {
	from := params.From
	if from == "" {
		from = p.cfg.CallerID
	}
	if from == "" {
		return "", errors.New("no caller id configured")
	}

	streamParams, err := p.streamParams(params.CallID, "", from, params.To)
	if err != nil {
		return "", fmt.Errorf("build stream params: %w", err)
	}
	doc, err := connectStreamTwiML(p.streamURL(), streamParams).render()
	if err != nil {
		return "", err
	}

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", from)
	data.Set("Twiml", string(doc))
	data.Set("StatusCallback", strings.TrimSuffix(p.cfg.PublicURL, "/")+StatusWebhookPath)
	for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
		data.Add("StatusCallbackEvent", event)
	}
	if params.RingTimeout > 0 {
		data.Set("Timeout", strconv.Itoa(int(params.RingTimeout.Seconds())))
	}
	if params.DetectMachine {
		data.Set("MachineDetection", "Enable")
	}

	call, err := p.rest.createCall(ctx, data)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	p.logger.Info("outbound call created",
		"call_id", params.CallID, "provider_call_id", call.SID, "to", params.To)
	return call.SID, nil
}

// HangupCall completes the call. An already-gone call is success.
func (p *Provider) HangupCall(ctx context.Context, providerCallID string) error {
	data := url.Values{}
	data.Set("Status", "completed")
	_, err := p.rest.updateCall(ctx, providerCallID, data)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == errCodeCallNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hangup call: %w", err)
	}
	return nil
}

// PlayTTS speaks to the remote party. With a live media session attached
// the speech is rendered by the AI voice; otherwise the call's control
// document is replaced with a carrier <Say>, which also ends any stream.
func (p *Provider) PlayTTS(ctx context.Context, providerCallID, text string) error {
	if session := p.session(providerCallID); session != nil {
		return session.Speak(text)
	}

	doc, err := twimlResponse{Say: &twimlSay{Text: text}}.render()
	if err != nil {
		return err
	}
	data := url.Values{}
	data.Set("Twiml", string(doc))
	if _, err := p.rest.updateCall(ctx, providerCallID, data); err != nil {
		return fmt.Errorf("play tts: %w", err)
	}
	return nil
}

// StartListening opens transcript delivery for the call.
func (p *Provider) StartListening(ctx context.Context, providerCallID string) error {
	session := p.session(providerCallID)
	if session == nil {
		return fmt.Errorf("no media session for call %s", providerCallID)
	}
	session.SetListening(true)
	return nil
}

// StopListening closes transcript delivery for the call.
func (p *Provider) StopListening(ctx context.Context, providerCallID string) error {
	session := p.session(providerCallID)
	if session == nil {
		return fmt.Errorf("no media session for call %s", providerCallID)
	}
	session.SetListening(false)
	return nil
}

// AttachMedia registers the live media leg for a call.
func (p *Provider) AttachMedia(providerCallID string, session provider.MediaSession) {
	p.mu.Lock()
	p.media[providerCallID] = session
	p.mu.Unlock()
}

// DetachMedia removes the media leg registration.
func (p *Provider) DetachMedia(providerCallID string) {
	p.mu.Lock()
	delete(p.media, providerCallID)
	p.mu.Unlock()
}

func (p *Provider) session(providerCallID string) provider.MediaSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media[providerCallID]
}

func (p *Provider) streamParams(callID, providerCallID, from, to string) (map[string]string, error) {
	if p.cfg.StreamParams == nil {
		return nil, errors.New("no stream params callback configured")
	}
	return p.cfg.StreamParams(callID, providerCallID, from, to)
}

func (p *Provider) streamURL() string {
	base := strings.TrimSuffix(p.cfg.PublicURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + StreamPath
}

func xmlResponse(doc twimlResponse) (*provider.WebhookResponse, error) {
	body, err := doc.render()
	if err != nil {
		return nil, err
	}
	return &provider.WebhookResponse{
		StatusCode:  http.StatusOK,
		ContentType: "text/xml",
		Body:        body,
	}, nil
}
