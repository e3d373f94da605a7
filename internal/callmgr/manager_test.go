package callmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicegate/voicegate/internal/callstore"
	"github.com/voicegate/voicegate/internal/provider"
	"github.com/voicegate/voicegate/internal/provider/fake"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *fake.Provider, *callstore.Store) {
	t.Helper()
	store, err := callstore.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.CallerID == "" {
		cfg.CallerID = "+15550001111"
	}
	if cfg.MaxConcurrentCalls == 0 {
		cfg.MaxConcurrentCalls = 5
	}
	prov := fake.New()
	return New(cfg, store, prov, slog.Default()), prov, store
}

func TestInitiateCall(t *testing.T) {
	m, prov, store := newTestManager(t, Config{RingTimeout: 25 * time.Second})

	rec, err := m.InitiateCall(context.Background(), "+15552223333", InitiateOptions{
		Greeting: "hi, quick reminder",
		AgentID:  "main",
	})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if rec.State != callstore.StateInitiated || rec.ProviderCallID != "PC-1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.PendingGreeting != "hi, quick reminder" || rec.Mode != callstore.ModeConversation {
		t.Errorf("metadata = %+v", rec)
	}

	params := prov.Initiated()
	if len(params) != 1 || params[0].To != "+15552223333" || params[0].From != "+15550001111" {
		t.Errorf("provider params = %+v", params)
	}
	if params[0].CallID != rec.CallID || params[0].RingTimeout != 25*time.Second {
		t.Errorf("provider params = %+v", params[0])
	}

	if got := store.Get(rec.CallID); got == nil || got.ProviderCallID != "PC-1" {
		t.Errorf("persisted record = %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", m.ActiveCount())
	}
}

func TestInitiateCapacityCeiling(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MaxConcurrentCalls: 2})

	first, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := m.InitiateCall(context.Background(), "+15550000002", InitiateOptions{}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	_, err = m.InitiateCall(context.Background(), "+15550000003", InitiateOptions{})
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("third call error = %v, want CapacityError", err)
	}
	if capErr.Limit != 2 || len(capErr.Oldest) != 2 {
		t.Errorf("capacity error = %+v", capErr)
	}
	if capErr.Oldest[0].CallID != first.CallID {
		t.Errorf("oldest[0] = %+v, want the first call", capErr.Oldest[0])
	}
}

func TestInitiateRequiresCallerID(t *testing.T) {
	store, err := callstore.Open(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	m := New(Config{MaxConcurrentCalls: 5}, store, fake.New(), slog.Default())

	if _, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{}); !errors.Is(err, ErrNoCallerID) {
		t.Errorf("error = %v, want ErrNoCallerID", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("caller-id failure left an active call")
	}
}

func TestInitiateProviderFailure(t *testing.T) {
	m, prov, store := newTestManager(t, Config{})
	prov.InitiateErr = errors.New("carrier rejected")

	_, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	if err == nil {
		t.Fatal("InitiateCall succeeded despite carrier failure")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("failed call still active")
	}

	// The attempt is persisted but terminal: it counts in the store yet
	// never resurfaces as active.
	if store.Count() != 1 {
		t.Errorf("store Count = %d, want 1", store.Count())
	}
	if active := store.Active(); len(active) != 0 {
		t.Errorf("store Active = %d records, want 0", len(active))
	}
	if len(prov.Initiated()) != 0 {
		t.Errorf("failed initiate recorded as placed: %v", prov.Initiated())
	}
}

func TestEndDuringInitiateHangsUpCarrier(t *testing.T) {
	m, prov, _ := newTestManager(t, Config{})

	// End the call while the carrier dial is still in flight, before the
	// carrier id has been recorded.
	prov.InitiateHook = func() {
		calls := prov.Initiated()
		callID := calls[len(calls)-1].CallID
		if err := m.EndCall(context.Background(), callID); err != nil {
			t.Errorf("EndCall during initiate: %v", err)
		}
	}

	rec, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if !rec.State.Terminal() {
		t.Errorf("state = %s, want terminal", rec.State)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}

	// The dial succeeded after the record went terminal; the live carrier
	// leg must be torn down rather than left ringing.
	if hangups := prov.Hangups(); len(hangups) != 1 || hangups[0] != "PC-1" {
		t.Errorf("hangups = %v, want [PC-1]", hangups)
	}
}

func TestProcessEventRoutesByCallID(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	// A media stream with no carrier leg: the record never gets a provider
	// call id, so events must route by the gateway's own id.
	rec, err := m.EnsureCall("web-1", "", "+15552223333", "+15550001111")
	if err != nil {
		t.Fatalf("EnsureCall: %v", err)
	}
	if rec.ProviderCallID != "" {
		t.Fatalf("record unexpectedly indexed by carrier id: %+v", rec)
	}

	m.ProcessEvent(provider.Event{
		Type:    provider.EventTranscript,
		CallID:  "web-1",
		Speaker: "user",
		Text:    "hello",
		IsFinal: true,
	})
	got := m.Get("web-1")
	if len(got.Transcript) != 1 || got.Transcript[0].Text != "hello" {
		t.Errorf("transcript = %+v", got.Transcript)
	}

	m.ProcessEvent(provider.Event{Type: provider.EventCallEnded, CallID: "web-1"})
	got = m.Get("web-1")
	if got.State != callstore.StateHangupUser {
		t.Errorf("state = %s, want %s", got.State, callstore.StateHangupUser)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m.ActiveCount())
	}
}

func TestSpeak(t *testing.T) {
	m, prov, _ := newTestManager(t, Config{})
	rec, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	if err := m.Speak(context.Background(), rec.CallID, "hello there"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	got := m.Get(rec.CallID)
	if got.State != callstore.StateSpeaking {
		t.Errorf("state = %s, want speaking", got.State)
	}
	if len(got.Transcript) != 1 || got.Transcript[0].Speaker != callstore.SpeakerBot || got.Transcript[0].Text != "hello there" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if spoken := prov.Spoken(rec.ProviderCallID); len(spoken) != 1 || spoken[0] != "hello there" {
		t.Errorf("provider spoken = %v", spoken)
	}

	if err := m.Speak(context.Background(), "nope", "x"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("unknown call error = %v", err)
	}
	if err := m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := m.Speak(context.Background(), rec.CallID, "x"); !errors.Is(err, ErrCallTerminal) {
		t.Errorf("terminal call error = %v", err)
	}
}

func TestContinueCall(t *testing.T) {
	m, prov, _ := newTestManager(t, Config{ContinueTimeout: 2 * time.Second})
	rec, err := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}

	done := make(chan struct{})
	var reply string
	var contErr error
	go func() {
		defer close(done)
		reply, contErr = m.ContinueCall(context.Background(), rec.CallID, "anything else?")
	}()

	waitUntil(t, func() bool { return prov.Listening(rec.ProviderCallID) })

	// A partial transcript must not fulfill the wait.
	m.ProcessEvent(provider.Event{
		Type: provider.EventTranscript, ProviderCallID: rec.ProviderCallID,
		Speaker: "user", Text: "yes I", IsFinal: false,
	})
	select {
	case <-done:
		t.Fatal("partial transcript fulfilled the continue wait")
	case <-time.After(30 * time.Millisecond):
	}

	m.ProcessEvent(provider.Event{
		Type: provider.EventTranscript, ProviderCallID: rec.ProviderCallID,
		Speaker: "user", Text: "yes I need help with billing", IsFinal: true,
	})
	<-done
	if contErr != nil {
		t.Fatalf("ContinueCall: %v", contErr)
	}
	if reply != "yes I need help with billing" {
		t.Errorf("reply = %q", reply)
	}
	waitUntil(t, func() bool { return !prov.Listening(rec.ProviderCallID) })

	got := m.Get(rec.CallID)
	if len(got.Transcript) != 3 {
		t.Errorf("transcript entries = %d, want prompt + partial-finalized + final", len(got.Transcript))
	}
}

func TestContinueCallTimeout(t *testing.T) {
	m, prov, _ := newTestManager(t, Config{ContinueTimeout: 50 * time.Millisecond})
	rec, _ := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})

	_, err := m.ContinueCall(context.Background(), rec.CallID, "")
	if err == nil {
		t.Fatal("ContinueCall returned without reply or timeout")
	}
	waitUntil(t, func() bool { return !prov.Listening(rec.ProviderCallID) })
}

func TestEndCallRejectsPendingContinue(t *testing.T) {
	m, _, _ := newTestManager(t, Config{ContinueTimeout: 2 * time.Second})
	rec, _ := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ContinueCall(context.Background(), rec.CallID, "")
		errCh <- err
	}()
	waitUntil(t, func() bool { return m.Get(rec.CallID).State == callstore.StateListening })

	if err := m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("pending continue resolved without error after EndCall")
		}
	case <-time.After(time.Second):
		t.Fatal("pending continue not rejected")
	}
}

func TestEndCallIdempotentOnTerminal(t *testing.T) {
	m, prov, _ := newTestManager(t, Config{})
	rec, _ := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})

	if err := m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	got := m.Get(rec.CallID)
	if got.State != callstore.StateHangupBot || got.EndedAt == nil {
		t.Errorf("record = %+v", got)
	}
	if hangups := prov.Hangups(); len(hangups) != 1 || hangups[0] != rec.ProviderCallID {
		t.Errorf("hangups = %v", hangups)
	}

	// Second end is a no-op success; unknown call is an error.
	if err := m.EndCall(context.Background(), rec.CallID); err != nil {
		t.Errorf("repeat EndCall = %v, want nil", err)
	}
	if err := m.EndCall(context.Background(), "never-existed"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("unknown EndCall = %v", err)
	}
	if len(prov.Hangups()) != 1 {
		t.Errorf("repeat EndCall reached the carrier")
	}
}

func TestProcessEventLifecycleAndDedup(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec, _ := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})
	pcid := rec.ProviderCallID

	m.ProcessEvent(provider.Event{ID: "e1", Type: provider.EventCallRinging, ProviderCallID: pcid})
	if got := m.Get(rec.CallID); got.State != callstore.StateRinging {
		t.Errorf("state = %s, want ringing", got.State)
	}

	m.ProcessEvent(provider.Event{ID: "e2", Type: provider.EventCallAnswered, ProviderCallID: pcid})
	if got := m.Get(rec.CallID); got.State != callstore.StateAnswered {
		t.Errorf("state = %s, want answered", got.State)
	}

	// Redelivery of e1 must not regress the state.
	m.ProcessEvent(provider.Event{ID: "e1", Type: provider.EventCallRinging, ProviderCallID: pcid})
	if got := m.Get(rec.CallID); got.State != callstore.StateAnswered {
		t.Errorf("dedup failed, state = %s", got.State)
	}

	m.ProcessEvent(provider.Event{ID: "e3", Type: provider.EventCallCompleted, ProviderCallID: pcid})
	got := m.Get(rec.CallID)
	if got.State != callstore.StateCompleted || got.EndedAt == nil {
		t.Errorf("record = %+v", got)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("completed call still active")
	}

	// Events after terminal are dropped.
	m.ProcessEvent(provider.Event{ID: "e4", Type: provider.EventCallRinging, ProviderCallID: pcid})
	if got := m.Get(rec.CallID); got.State != callstore.StateCompleted {
		t.Errorf("terminal state overwritten to %s", got.State)
	}
}

func TestCallEndedForcesTerminal(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec, _ := m.InitiateCall(context.Background(), "+15550000001", InitiateOptions{})

	m.ProcessEvent(provider.Event{Type: provider.EventCallEnded, ProviderCallID: rec.ProviderCallID})
	got := m.Get(rec.CallID)
	if got.State != callstore.StateHangupUser || got.EndedAt == nil {
		t.Errorf("record after call.ended = %+v", got)
	}
}

func TestInboundSynthesis(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	m.ProcessEvent(provider.Event{
		ID: "in1", Type: provider.EventCallInitiated, Provider: "fake",
		ProviderCallID: "CA-in", From: "+15557778888", To: "+15550001111",
		Direction: "inbound",
	})
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", m.ActiveCount())
	}
	rec := m.ActiveCalls()[0]
	if rec.Direction != callstore.DirectionInbound || rec.From != "+15557778888" {
		t.Errorf("record = %+v", rec)
	}

	// Later events route via the provider id.
	m.ProcessEvent(provider.Event{ID: "in2", Type: provider.EventCallAnswered, ProviderCallID: "CA-in"})
	if got := m.Get(rec.CallID); got.State != callstore.StateAnswered {
		t.Errorf("state = %s", got.State)
	}
}

func TestCreateInboundCallIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	first, err := m.CreateInboundCall("CA-9", "+1555", "+1666")
	if err != nil {
		t.Fatalf("CreateInboundCall: %v", err)
	}
	second, err := m.CreateInboundCall("CA-9", "+1555", "+1666")
	if err != nil {
		t.Fatalf("CreateInboundCall: %v", err)
	}
	if first.CallID != second.CallID {
		t.Errorf("minted two records for one carrier call: %s / %s", first.CallID, second.CallID)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", m.ActiveCount())
	}
}

func TestEnsureCallEarlyStream(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	rec, err := m.EnsureCall("pre-webhook-id", "CA-early", "+1555", "+1666")
	if err != nil {
		t.Fatalf("EnsureCall: %v", err)
	}
	if rec.State != callstore.StateActive || rec.ProviderCallID != "CA-early" {
		t.Errorf("record = %+v", rec)
	}

	// Idempotent for a known call, and it marks it active.
	out, _ := m.InitiateCall(context.Background(), "+1777", InitiateOptions{})
	got, err := m.EnsureCall(out.CallID, out.ProviderCallID, "", "")
	if err != nil {
		t.Fatalf("EnsureCall known: %v", err)
	}
	if got.CallID != out.CallID || got.State != callstore.StateActive {
		t.Errorf("record = %+v", got)
	}
}

func TestClearPendingGreeting(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec, _ := m.InitiateCall(context.Background(), "+1555", InitiateOptions{Greeting: "hello!"})

	m.ClearPendingGreeting(rec.CallID)
	if got := m.Get(rec.CallID); got.PendingGreeting != "" {
		t.Errorf("greeting not cleared: %q", got.PendingGreeting)
	}
}

// sessionStub records persona changes.
type sessionStub struct {
	mu       sync.Mutex
	prompts  []string
	voices   []string
	injected []string
}

func (s *sessionStub) InjectAgentMessage(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected = append(s.injected, msg)
	return nil
}

func (s *sessionStub) UpdatePrompt(prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return nil
}

func (s *sessionStub) UpdateSpeak(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices = append(s.voices, model)
	return nil
}

func TestHandoffCall(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	rec, _ := m.InitiateCall(context.Background(), "+1555", InitiateOptions{})

	if err := m.HandoffCall(rec.CallID, HandoffParams{Prompt: "be a scheduler"}); !errors.Is(err, ErrNoSession) {
		t.Errorf("handoff without session = %v, want ErrNoSession", err)
	}

	stub := &sessionStub{}
	m.AttachSession(rec.CallID, stub)
	err := m.HandoffCall(rec.CallID, HandoffParams{
		Prompt:   "be a scheduler",
		Voice:    "aura-2-orion-en",
		Greeting: "switching you now",
	})
	if err != nil {
		t.Fatalf("HandoffCall: %v", err)
	}
	if len(stub.prompts) != 1 || stub.prompts[0] != "be a scheduler" {
		t.Errorf("prompts = %v", stub.prompts)
	}
	if len(stub.voices) != 1 || stub.voices[0] != "aura-2-orion-en" {
		t.Errorf("voices = %v", stub.voices)
	}
	if len(stub.injected) != 1 || stub.injected[0] != "switching you now" {
		t.Errorf("injected = %v", stub.injected)
	}
}

func TestRecoveryRebuildsActiveTable(t *testing.T) {
	dir := t.TempDir()
	store, err := callstore.Open(dir, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	prov := fake.New()
	cfg := Config{MaxConcurrentCalls: 5, CallerID: "+15550001111"}
	m := New(cfg, store, prov, slog.Default())

	rec, err := m.InitiateCall(context.Background(), "+1555", InitiateOptions{})
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := callstore.Open(dir, slog.Default())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()
	m2 := New(cfg, store2, prov, slog.Default())

	if m2.ActiveCount() != 1 {
		t.Fatalf("recovered ActiveCount = %d, want 1", m2.ActiveCount())
	}

	// Provider events still route via the recovered index.
	m2.ProcessEvent(provider.Event{ID: "r1", Type: provider.EventCallCompleted, ProviderCallID: rec.ProviderCallID})
	if got := m2.Get(rec.CallID); got.State != callstore.StateCompleted {
		t.Errorf("state after recovery event = %s", got.State)
	}
	if m2.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", m2.ActiveCount())
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
