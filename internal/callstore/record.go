// Package callstore persists call records to an append-only NDJSON log and
// rebuilds the working set from it on startup. The log is the source of
// truth; the in-memory table is a rebuildable cache.
package callstore

import "time"

// CallState is the lifecycle state of a call.
type CallState string

// Live states.
const (
	StateInitiated CallState = "initiated"
	StateRinging   CallState = "ringing"
	StateAnswered  CallState = "answered"
	StateActive    CallState = "active"
	StateSpeaking  CallState = "speaking"
	StateListening CallState = "listening"
)

// Terminal states. Once a record reaches one of these, no further
// transition is accepted.
const (
	StateCompleted  CallState = "completed"
	StateHangupUser CallState = "hangup-user"
	StateHangupBot  CallState = "hangup-bot"
	StateTimeout    CallState = "timeout"
	StateError      CallState = "error"
	StateFailed     CallState = "failed"
	StateNoAnswer   CallState = "no-answer"
	StateBusy       CallState = "busy"
	StateVoicemail  CallState = "voicemail"
)

// Terminal reports whether s is a terminal call state.
func (s CallState) Terminal() bool {
	switch s {
	case StateCompleted, StateHangupUser, StateHangupBot, StateTimeout,
		StateError, StateFailed, StateNoAnswer, StateBusy, StateVoicemail:
		return true
	}
	return false
}

// Direction of a call relative to this gateway.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// TranscriptEntry is one utterance in a call transcript. Entries are
// append-only except for the IsFinal flag of the last partial entry.
type TranscriptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
}

// Call modes. Conversation is the default bidirectional mode; notify plays
// a single message and hangs up once its audio completes.
const (
	ModeConversation = "conversation"
	ModeNotify       = "notify"
)

// CallRecord is the durable record of one call. Every mutation is persisted
// by appending the full record to the log; records are never edited in
// place.
type CallRecord struct {
	CallID         string    `json:"callId"`
	ProviderCallID string    `json:"providerCallId,omitempty"`
	Provider       string    `json:"provider"`
	Direction      Direction `json:"direction"`
	State          CallState `json:"state"`
	From           string    `json:"from"`
	To             string    `json:"to"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndReason string     `json:"endReason,omitempty"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`

	// Orchestration side-channel. A small closed set of typed fields
	// rather than an open metadata bag.
	PendingGreeting string `json:"pendingGreeting,omitempty"`
	Mode            string `json:"mode,omitempty"`
	AgentID         string `json:"agentId,omitempty"`

	// ProcessedEventIDs holds ids of already-applied provider events so
	// replay after a restart is idempotent.
	ProcessedEventIDs []string `json:"processedEventIds,omitempty"`
}

// Clone returns a deep copy of the record, safe to hand to the log writer
// while the caller keeps mutating the original.
func (r *CallRecord) Clone() *CallRecord {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	c.ProcessedEventIDs = append([]string(nil), r.ProcessedEventIDs...)
	return &c
}

// HasProcessed reports whether the given provider event id was already
// applied to this record.
func (r *CallRecord) HasProcessed(eventID string) bool {
	for _, id := range r.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkProcessed records an applied provider event id. No-op for empty ids
// and duplicates.
func (r *CallRecord) MarkProcessed(eventID string) {
	if eventID == "" || r.HasProcessed(eventID) {
		return
	}
	r.ProcessedEventIDs = append(r.ProcessedEventIDs, eventID)
}

// AppendTranscript appends an utterance. A final entry from the same
// speaker finalizes the trailing partial entry instead of duplicating it.
func (r *CallRecord) AppendTranscript(e TranscriptEntry) {
	if n := len(r.Transcript); n > 0 {
		last := &r.Transcript[n-1]
		if !last.IsFinal && last.Speaker == e.Speaker && e.IsFinal {
			last.Text = e.Text
			last.IsFinal = true
			last.Timestamp = e.Timestamp
			return
		}
	}
	r.Transcript = append(r.Transcript, e)
}
