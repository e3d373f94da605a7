package agent

import "encoding/json"

// Settings is the session-configuration message sent once per connection,
// immediately after the socket opens.
type Settings struct {
	Type  string        `json:"type"`
	Audio AudioSettings `json:"audio"`
	Agent AgentSettings `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string          `json:"language,omitempty"`
	Listen   ListenSettings  `json:"listen"`
	Think    ThinkSettings   `json:"think"`
	Speak    SpeakSettings   `json:"speak"`
	Greeting string          `json:"greeting,omitempty"`
	Context  *SessionContext `json:"context,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type ThinkSettings struct {
	Provider  ThinkProvider `json:"provider"`
	Endpoint  *Endpoint     `json:"endpoint,omitempty"`
	Prompt    string        `json:"prompt,omitempty"`
	Functions []FunctionDef `json:"functions,omitempty"`
}

type ThinkProvider struct {
	Type        string   `json:"type"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Endpoint redirects the agent's LLM calls, typically to the local gateway
// proxy so requests carry call-scoped credentials.
type Endpoint struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// FunctionDef declares one callable function. Functions without an Endpoint
// are client-side: the service sends a FunctionCallRequest and waits for a
// FunctionCallResponse.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Endpoint    *Endpoint       `json:"endpoint,omitempty"`
}

// SessionContext resumes a prior conversation on reconnect.
type SessionContext struct {
	Messages []ContextMessage `json:"messages"`
	Replay   bool             `json:"replay"`
}

type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TelephonySettings returns a Settings skeleton for a mulaw 8 kHz phone
// leg. The caller fills in providers, prompt, functions and greeting.
func TelephonySettings() Settings {
	return Settings{
		Type: "Settings",
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "mulaw", SampleRate: 8000},
			Output: AudioFormat{Encoding: "mulaw", SampleRate: 8000, Container: "none"},
		},
	}
}
