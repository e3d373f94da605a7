package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// StreamMessage is one JSON frame on a carrier media-stream socket. The
// same envelope carries both directions; Event selects the variant.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	Mark      *StreamMark  `json:"mark,omitempty"`
	Stop      *StreamStop  `json:"stop,omitempty"`
}

// StreamStart announces a new stream and carries the correlators and the
// custom parameters embedded in the call-control document.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      StreamMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 audio chunk.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// ParseStreamMessage decodes one carrier frame.
func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}
	return &msg, nil
}

// DecodeAudio returns the raw audio bytes of a media frame.
func (m *StreamMessage) DecodeAudio() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("frame %q carries no media", m.Event)
	}
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return audio, nil
}

// MediaFrame builds an outbound audio frame for the given stream.
func MediaFrame(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// ClearFrame builds the frame that drops the carrier's buffered playback,
// used on barge-in.
func ClearFrame(streamSID string) ([]byte, error) {
	return json.Marshal(StreamMessage{Event: "clear", StreamSID: streamSID})
}
