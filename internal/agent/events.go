package agent

import (
	"encoding/json"
	"fmt"
)

// Event is one message received from the voice-agent service. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// Connected is emitted once the service acknowledges the socket.
type Connected struct {
	RequestID string `json:"request_id"`
}

// SettingsApplied confirms the Settings message was accepted.
type SettingsApplied struct{}

// UserStartedSpeaking signals barge-in; buffered playback should be cleared.
type UserStartedSpeaking struct{}

// AgentStartedSpeaking signals the first byte of agent audio.
type AgentStartedSpeaking struct {
	TotalLatency float64 `json:"total_latency"`
	TTSLatency   float64 `json:"tts_latency"`
	TTTLatency   float64 `json:"ttt_latency"`
}

// AgentThinking reports the agent's in-progress reasoning text.
type AgentThinking struct {
	Content string `json:"content"`
}

// ConversationText is one finalized utterance, user or assistant.
type ConversationText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionCall is one requested invocation inside a FunctionCallRequest.
type FunctionCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ClientSide bool            `json:"client_side"`
}

// FunctionCallRequest asks the client to run one or more functions.
type FunctionCallRequest struct {
	Functions []FunctionCall `json:"functions"`
}

// AgentAudioDone signals the last byte of the current agent utterance.
type AgentAudioDone struct{}

// PromptUpdated confirms an UpdatePrompt control message.
type PromptUpdated struct{}

// SpeakUpdated confirms an UpdateSpeak control message.
type SpeakUpdated struct{}

// InjectionRefused reports that an injected message was dropped because the
// agent was speaking or the user was mid-utterance.
type InjectionRefused struct {
	Message string `json:"message"`
}

// Warning is a non-fatal condition reported by the service.
type Warning struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

// ServiceError is a fatal condition reported by the service.
type ServiceError struct {
	Description string `json:"description"`
	Code        string `json:"code"`
}

// Closed is emitted when the session is over and will not reconnect.
type Closed struct {
	Err error
}

func (Connected) isEvent()            {}
func (SettingsApplied) isEvent()      {}
func (UserStartedSpeaking) isEvent()  {}
func (AgentStartedSpeaking) isEvent() {}
func (AgentThinking) isEvent()        {}
func (ConversationText) isEvent()     {}
func (FunctionCallRequest) isEvent()  {}
func (AgentAudioDone) isEvent()       {}
func (PromptUpdated) isEvent()        {}
func (SpeakUpdated) isEvent()         {}
func (InjectionRefused) isEvent()     {}
func (Warning) isEvent()              {}
func (ServiceError) isEvent()         {}
func (Closed) isEvent()               {}

// decodeEvent parses one text frame into its typed event. Unknown types
// return (nil, nil) so new service messages degrade to a log line instead
// of an error.
func decodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	unmarshal := func(ev Event) (Event, error) {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
		}
		return ev, nil
	}

	switch envelope.Type {
	case "Welcome":
		return unmarshal(&Connected{})
	case "SettingsApplied":
		return &SettingsApplied{}, nil
	case "UserStartedSpeaking":
		return &UserStartedSpeaking{}, nil
	case "AgentStartedSpeaking":
		return unmarshal(&AgentStartedSpeaking{})
	case "AgentThinking":
		return unmarshal(&AgentThinking{})
	case "ConversationText":
		return unmarshal(&ConversationText{})
	case "FunctionCallRequest":
		return unmarshal(&FunctionCallRequest{})
	case "AgentAudioDone":
		return &AgentAudioDone{}, nil
	case "PromptUpdated":
		return &PromptUpdated{}, nil
	case "SpeakUpdated":
		return &SpeakUpdated{}, nil
	case "InjectionRefused":
		return unmarshal(&InjectionRefused{})
	case "Warning":
		return unmarshal(&Warning{})
	case "Error":
		return unmarshal(&ServiceError{})
	default:
		return nil, nil
	}
}
