package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicegate/voicegate/internal/provider"
)

func testProvider(t *testing.T, overrides func(*Config)) *Provider {
	t.Helper()
	cfg := Config{
		AccountSID: "AC123",
		AuthToken:  "secret-token",
		CallerID:   "+15550001111",
		PublicURL:  "https://gateway.example.com",
		StreamParams: func(callID, providerCallID, from, to string) (map[string]string, error) {
			if callID == "" {
				callID = "minted-id"
			}
			return map[string]string{"callId": callID, "token": "jwt-for-" + callID}, nil
		},
	}
	if overrides != nil {
		overrides(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func signedRequest(t *testing.T, p *Provider, path string, form url.Values) (*http.Request, []byte) {
	t.Helper()
	body := form.Encode()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	fullURL := strings.TrimSuffix(p.cfg.PublicURL, "/") + path
	req.Header.Set("X-Twilio-Signature", computeSignature(p.cfg.AuthToken, fullURL, form))
	return req, []byte(body)
}

func TestVerifyWebhook(t *testing.T) {
	p := testProvider(t, nil)
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}

	req, body := signedRequest(t, p, StatusWebhookPath, form)
	if err := p.VerifyWebhook(req, body); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	req.Header.Set("X-Twilio-Signature", "bogus")
	if err := p.VerifyWebhook(req, body); err == nil {
		t.Error("forged signature accepted")
	}

	req.Header.Del("X-Twilio-Signature")
	if err := p.VerifyWebhook(req, body); err == nil {
		t.Error("missing signature accepted")
	}
}

func TestStatusWebhookMapping(t *testing.T) {
	tests := []struct {
		status     string
		answeredBy string
		want       provider.EventType
		none       bool
	}{
		{status: "queued", want: provider.EventCallInitiated},
		{status: "initiated", want: provider.EventCallInitiated},
		{status: "ringing", want: provider.EventCallRinging},
		{status: "in-progress", want: provider.EventCallAnswered},
		{status: "in-progress", answeredBy: "machine_start", want: provider.EventCallVoicemail},
		{status: "completed", want: provider.EventCallCompleted},
		{status: "busy", want: provider.EventCallBusy},
		{status: "no-answer", want: provider.EventCallNoAnswer},
		{status: "failed", want: provider.EventCallFailed},
		{status: "canceled", want: provider.EventCallFailed},
		{status: "some-future-status", none: true},
	}

	p := testProvider(t, nil)
	for _, tt := range tests {
		t.Run(tt.status+"/"+tt.answeredBy, func(t *testing.T) {
			form := url.Values{
				"CallSid":    {"CA1"},
				"CallStatus": {tt.status},
				"Direction":  {"outbound-api"},
			}
			if tt.answeredBy != "" {
				form.Set("AnsweredBy", tt.answeredBy)
			}
			req, body := signedRequest(t, p, StatusWebhookPath, form)

			events, resp, err := p.ParseWebhookEvent(req, body)
			if err != nil {
				t.Fatalf("ParseWebhookEvent: %v", err)
			}
			if resp.StatusCode != http.StatusNoContent {
				t.Errorf("status = %d, want 204", resp.StatusCode)
			}
			if tt.none {
				if len(events) != 0 {
					t.Fatalf("events = %v, want none", events)
				}
				return
			}
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			ev := events[0]
			if ev.Type != tt.want {
				t.Errorf("event type = %s, want %s", ev.Type, tt.want)
			}
			if ev.ProviderCallID != "CA1" || ev.Direction != "outbound" {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestStatusEventIDDedup(t *testing.T) {
	if got := statusEventID("CA1", "ringing", "3"); got != "CA1:seq:3" {
		t.Errorf("with sequence: %q", got)
	}
	if got := statusEventID("CA1", "ringing", ""); got != "CA1:ringing" {
		t.Errorf("without sequence: %q", got)
	}
}

func TestVoiceWebhookAnswersWithStream(t *testing.T) {
	p := testProvider(t, nil)
	form := url.Values{
		"CallSid": {"CA-inbound"},
		"From":    {"+15557778888"},
		"To":      {"+15550001111"},
	}
	req, body := signedRequest(t, p, VoiceWebhookPath, form)

	events, resp, err := p.ParseWebhookEvent(req, body)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if len(events) != 1 || events[0].Type != provider.EventCallInitiated || events[0].Direction != "inbound" {
		t.Fatalf("events = %+v", events)
	}

	if resp.ContentType != "text/xml" || resp.StatusCode != http.StatusOK {
		t.Errorf("response meta = %+v", resp)
	}
	doc := string(resp.Body)
	if !strings.Contains(doc, `<Stream url="wss://gateway.example.com`+StreamPath+`"`) {
		t.Errorf("twiml missing stream url: %s", doc)
	}
	if !strings.Contains(doc, `name="callId" value="minted-id"`) ||
		!strings.Contains(doc, `name="token" value="jwt-for-minted-id"`) {
		t.Errorf("twiml missing custom parameters: %s", doc)
	}
}

func TestInitiateCall(t *testing.T) {
	var gotForm url.Values
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sid":"CA-new","status":"queued","to":"+15552223333","from":"+15550001111"}`))
	}))
	defer srv.Close()

	p := testProvider(t, func(cfg *Config) { cfg.BaseURL = srv.URL })

	sid, err := p.InitiateCall(context.Background(), provider.CallParams{
		CallID:      "call-7",
		To:          "+15552223333",
		RingTimeout: 25 * time.Second,
	})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if sid != "CA-new" {
		t.Errorf("sid = %q, want CA-new", sid)
	}

	if gotPath != "/Accounts/AC123/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotForm.Get("To") != "+15552223333" || gotForm.Get("From") != "+15550001111" {
		t.Errorf("form numbers = %v", gotForm)
	}
	if gotForm.Get("Timeout") != "25" {
		t.Errorf("Timeout = %q, want 25", gotForm.Get("Timeout"))
	}
	if !strings.Contains(gotForm.Get("Twiml"), `name="callId" value="call-7"`) {
		t.Errorf("inline twiml missing call id: %s", gotForm.Get("Twiml"))
	}
	if gotForm.Get("StatusCallback") != "https://gateway.example.com"+StatusWebhookPath {
		t.Errorf("StatusCallback = %q", gotForm.Get("StatusCallback"))
	}
	if events := gotForm["StatusCallbackEvent"]; len(events) != 4 {
		t.Errorf("StatusCallbackEvent = %v", events)
	}
}

func TestHangupGoneCallIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":20404,"message":"not found","status":404}`))
	}))
	defer srv.Close()

	p := testProvider(t, func(cfg *Config) { cfg.BaseURL = srv.URL })
	if err := p.HangupCall(context.Background(), "CA-gone"); err != nil {
		t.Errorf("HangupCall on gone call = %v, want nil", err)
	}
}

// speakerStub records delegated speech and listening toggles.
type speakerStub struct {
	mu        sync.Mutex
	spoken    []string
	listening []bool
}

func (s *speakerStub) Speak(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *speakerStub) SetListening(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = append(s.listening, on)
}

func TestPlayTTSDelegatesToMediaSession(t *testing.T) {
	p := testProvider(t, func(cfg *Config) { cfg.BaseURL = "http://127.0.0.1:1" })
	stub := &speakerStub{}
	p.AttachMedia("CA1", stub)
	defer p.DetachMedia("CA1")

	if err := p.PlayTTS(context.Background(), "CA1", "hello caller"); err != nil {
		t.Fatalf("PlayTTS: %v", err)
	}
	if len(stub.spoken) != 1 || stub.spoken[0] != "hello caller" {
		t.Errorf("spoken = %v", stub.spoken)
	}

	if err := p.StartListening(context.Background(), "CA1"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := p.StopListening(context.Background(), "CA1"); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	if len(stub.listening) != 2 || !stub.listening[0] || stub.listening[1] {
		t.Errorf("listening toggles = %v", stub.listening)
	}

	p.DetachMedia("CA1")
	if err := p.StartListening(context.Background(), "CA1"); err == nil {
		t.Error("StartListening without media session succeeded")
	}
}
