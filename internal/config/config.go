package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the VoiceGate server.
// Precedence: CLI flags > env vars > defaults. A .env file in the working
// directory is loaded first and behaves like regular environment variables.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	// PublicURL is the externally reachable base URL of this gateway. It is
	// used to build carrier callback URLs and the media stream WebSocket URL.
	PublicURL string

	// Telephony provider (Twilio-compatible carrier).
	TwilioAccountSID string
	TwilioAuthToken  string
	CallerID         string // default outbound caller ID (E.164)

	// Voice-agent service.
	AgentURL    string // voice-agent WebSocket endpoint
	AgentAPIKey string
	ListenModel string
	ThinkModel  string
	// ThinkTemperature is the LLM sampling temperature. Zero leaves the
	// service default in place.
	ThinkTemperature float64
	Voice            string
	AgentID          string
	Greeting         string

	// Local LLM gateway the agent's think stage is proxied to.
	GatewayURL   string
	GatewayToken string

	// StreamTokenSecret signs the bearer tokens that bind a media stream
	// connection to a call. Hex or raw string, at least 16 bytes.
	StreamTokenSecret string

	// Call orchestration.
	MaxConcurrentCalls  int
	NotifyHangupDelay   time.Duration
	HistoryLookbackDays int
	HistoryMaxSessions  int
	HistoryExcerptBytes int
	Timezone            string

	// Session timers.
	TimersEnabled       bool
	ResponseReengage    time.Duration
	ResponseExit        time.Duration
	IdlePrompt          time.Duration
	IdleExit            time.Duration
	PostExitDelay       time.Duration
	ResponseReengageMsg string
	ResponseExitMsg     string
	IdlePromptMsg       string
	IdleExitMsg         string

	// Function-call fallback.
	FallbackMaxRetries     int
	FallbackCallTimeout    time.Duration
	FallbackHangupDelay    time.Duration
	FallbackDegradedPrompt string
	FallbackPhrases        string // comma-separated; empty means defaults

	// Filler phrases for dead-air masking during slow LLM turns.
	FillerThreshold time.Duration
	FillerPhrases   string // comma-separated; empty means defaults
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultAgentURL  = "wss://agent.deepgram.com/v1/agent/converse"
	defaultListen    = "flux-general-en"
	defaultThink     = "anthropic/claude-haiku-4-5"
	defaultVoice     = "aura-2-thalia-en"
	defaultAgentID   = "main"
	defaultGreeting  = "Hello! How can I help you today?"
)

// envPrefix is the prefix for all VoiceGate environment variables.
const envPrefix = "VOICEGATE_"

var defaultFillerPhrases = []string{
	"Hmm, let me think about that.",
	"Good question, one sec.",
	"Oh interesting, give me a moment.",
	"Let me look into that.",
	"Hmm, let me see.",
	"One moment while I think on that.",
}

var defaultFallbackPhrases = []string{
	"Still working on it, bear with me.",
	"Give me just another moment.",
	"Almost there, thanks for your patience.",
}

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}

	fs := flag.NewFlagSet("voicegate", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the durable call log")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL (e.g. https://voice.example.com)")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "default outbound caller ID (E.164)")
	fs.StringVar(&cfg.AgentURL, "agent-url", defaultAgentURL, "voice-agent WebSocket endpoint")
	fs.StringVar(&cfg.AgentAPIKey, "agent-api-key", "", "voice-agent service API key")
	fs.StringVar(&cfg.ListenModel, "listen-model", defaultListen, "speech recognition model")
	fs.StringVar(&cfg.ThinkModel, "think-model", defaultThink, "LLM think-stage model")
	fs.Float64Var(&cfg.ThinkTemperature, "think-temperature", 0, "LLM sampling temperature (0 uses the service default)")
	fs.StringVar(&cfg.Voice, "voice", defaultVoice, "speech synthesis voice")
	fs.StringVar(&cfg.AgentID, "agent-id", defaultAgentID, "owning agent identifier for session keys")
	fs.StringVar(&cfg.Greeting, "greeting", defaultGreeting, "default call greeting")
	fs.StringVar(&cfg.GatewayURL, "gateway-url", "http://localhost:18789", "local LLM gateway base URL")
	fs.StringVar(&cfg.GatewayToken, "gateway-token", "", "local LLM gateway bearer token")
	fs.StringVar(&cfg.StreamTokenSecret, "stream-token-secret", "", "HMAC secret for media stream bearer tokens")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", 5, "outbound call concurrency ceiling")
	fs.DurationVar(&cfg.NotifyHangupDelay, "notify-hangup-delay", 3*time.Second, "delay before auto-hangup in notify mode")
	fs.IntVar(&cfg.HistoryLookbackDays, "history-lookback-days", 30, "days of call history included in prompt context")
	fs.IntVar(&cfg.HistoryMaxSessions, "history-max-sessions", 5, "max prior calls included in prompt context")
	fs.IntVar(&cfg.HistoryExcerptBytes, "history-excerpt-bytes", 2048, "per-call transcript excerpt size budget")
	fs.StringVar(&cfg.Timezone, "timezone", "UTC", "caller timezone for prompt time context")

	fs.BoolVar(&cfg.TimersEnabled, "timers-enabled", true, "enable dead-air and idle caller watchdogs")
	fs.DurationVar(&cfg.ResponseReengage, "response-reengage", 15*time.Second, "re-engage deadline after user speech (0 disables)")
	fs.DurationVar(&cfg.ResponseExit, "response-exit", 45*time.Second, "exit deadline after user speech (0 disables)")
	fs.DurationVar(&cfg.IdlePrompt, "idle-prompt", 30*time.Second, "idle caller prompt deadline (0 disables)")
	fs.DurationVar(&cfg.IdleExit, "idle-exit", 15*time.Second, "idle caller exit deadline after prompt (0 disables)")
	fs.DurationVar(&cfg.PostExitDelay, "post-exit-delay", 3*time.Second, "delay between exit message and hangup")
	fs.StringVar(&cfg.ResponseReengageMsg, "response-reengage-message",
		"I'm having trouble with that one. Could you try asking differently?", "re-engage phrase")
	fs.StringVar(&cfg.ResponseExitMsg, "response-exit-message",
		"I'm sorry, I can't respond right now. Talk to you later. Goodbye.", "response exit phrase")
	fs.StringVar(&cfg.IdlePromptMsg, "idle-prompt-message", "Are you still there?", "idle prompt phrase")
	fs.StringVar(&cfg.IdleExitMsg, "idle-exit-message",
		"Alright, I'll let you go. Call back anytime. Goodbye.", "idle exit phrase")

	fs.IntVar(&cfg.FallbackMaxRetries, "fallback-max-retries", 3, "consecutive function failures before hangup")
	fs.DurationVar(&cfg.FallbackCallTimeout, "fallback-call-timeout", 10*time.Second, "per function-call timeout")
	fs.DurationVar(&cfg.FallbackHangupDelay, "fallback-hangup-delay", 3*time.Second, "delay before tier-4 hangup")
	fs.StringVar(&cfg.FallbackDegradedPrompt, "fallback-degraded-prompt", "", "degraded instructions applied at tier 1")
	fs.StringVar(&cfg.FallbackPhrases, "fallback-phrases", "", "comma-separated tier-2 phrases")

	fs.DurationVar(&cfg.FillerThreshold, "filler-threshold", 1500*time.Millisecond, "dead-air threshold before filler injection (0 disables)")
	fs.StringVar(&cfg.FillerPhrases, "filler-phrases", "", "comma-separated filler phrases")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults. Env var names are the flag names upper
// snake-cased with the VOICEGATE_ prefix, e.g. --agent-api-key becomes
// VOICEGATE_AGENT_API_KEY.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid env override", "env", envVar, "value", val, "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.ThinkTemperature < 0 || c.ThinkTemperature > 2 {
		return fmt.Errorf("think-temperature must be between 0 and 2, got %g", c.ThinkTemperature)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.StreamTokenSecret != "" && len(c.StreamTokenSecret) < 16 {
		return fmt.Errorf("stream-token-secret must be at least 16 bytes")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// FillerPhrasesList returns the configured filler phrases, falling back to
// the built-in set when none are configured.
func (c *Config) FillerPhrasesList() []string {
	return splitPhrases(c.FillerPhrases, defaultFillerPhrases)
}

// FallbackPhrasesList returns the tier-2 fallback phrases.
func (c *Config) FallbackPhrasesList() []string {
	return splitPhrases(c.FallbackPhrases, defaultFallbackPhrases)
}

func splitPhrases(csv string, fallback []string) []string {
	if csv == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Location returns the configured caller timezone. validate guarantees it
// loads; a zero Config falls back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
