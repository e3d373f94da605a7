// Package agent implements the voice-agent service wire protocol: one
// persistent WebSocket carrying binary audio frames both ways and JSON
// control messages as text frames.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultKeepAlive     = 8 * time.Second
	defaultMaxReconnects = 3
	defaultReconnectBase = 500 * time.Millisecond
)

// Config configures one agent session.
type Config struct {
	// URL is the wss endpoint of the agent service.
	URL string
	// APIKey is sent as "Authorization: Token <key>".
	APIKey string
	// Settings is sent immediately after every (re)connect.
	Settings Settings

	// KeepAliveInterval paces KeepAlive control messages. Zero means the
	// default; negative disables.
	KeepAliveInterval time.Duration
	// MaxReconnects bounds automatic reconnection attempts after an
	// unexpected disconnect. Zero means the default.
	MaxReconnects int
	// ReconnectBase is the first backoff step; it doubles per attempt.
	ReconnectBase time.Duration

	// OnEvent receives every decoded control event, ending with *Closed.
	OnEvent func(Event)
	// OnAudio receives raw agent audio frames.
	OnAudio func([]byte)
	// OnReconnect is invoked once per successful reconnect (metrics hook).
	OnReconnect func()

	Logger *slog.Logger
}

// Client is a connected agent session. All methods are safe for concurrent
// use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the agent service, sends Settings, and starts the read
// and keep-alive loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = defaultKeepAlive
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("subsystem", "agent-client"),
		done:   make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	if err := c.sendJSON(cfg.Settings); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}

	c.wg.Add(1)
	go c.readLoop()
	if cfg.KeepAliveInterval > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop()
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+c.cfg.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent service: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent service: %w", err)
	}
	return conn, nil
}

// SendAudio forwards one caller audio frame to the agent.
func (c *Client) SendAudio(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// InjectAgentMessage asks the agent to speak a message immediately. The
// service refuses while the agent is speaking or the user is mid-utterance;
// the refusal arrives as an InjectionRefused event.
func (c *Client) InjectAgentMessage(message string) error {
	return c.sendJSON(map[string]string{"type": "InjectAgentMessage", "message": message})
}

// InjectUserMessage submits text as if the caller had spoken it.
func (c *Client) InjectUserMessage(content string) error {
	return c.sendJSON(map[string]string{"type": "InjectUserMessage", "content": content})
}

// UpdatePrompt replaces the think prompt mid-session.
func (c *Client) UpdatePrompt(prompt string) error {
	return c.sendJSON(map[string]string{"type": "UpdatePrompt", "prompt": prompt})
}

// UpdateSpeak switches the TTS voice mid-session.
func (c *Client) UpdateSpeak(model string) error {
	return c.sendJSON(map[string]any{
		"type":  "UpdateSpeak",
		"speak": SpeakSettings{Provider: Provider{Type: "deepgram", Model: model}},
	})
}

// FunctionCallResponse delivers the result of a client-side function call.
func (c *Client) FunctionCallResponse(id, name, content string) error {
	return c.sendJSON(map[string]string{
		"type":    "FunctionCallResponse",
		"id":      id,
		"name":    name,
		"content": content,
	})
}

// Close ends the session. No reconnection is attempted afterwards; the
// *Closed event is still delivered exactly once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}
	return err
}

// Done is closed once the session is over and no reconnect will happen.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("agent session closed")
	}
	if c.conn == nil {
		return fmt.Errorf("agent session not connected")
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			c.finish(nil)
			return
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed {
				c.finish(nil)
				return
			}
			if !c.reconnect() {
				c.finish(err)
				return
			}
			continue
		}

		switch messageType {
		case websocket.BinaryMessage:
			if c.cfg.OnAudio != nil {
				c.cfg.OnAudio(data)
			}
		case websocket.TextMessage:
			ev, err := decodeEvent(data)
			if err != nil {
				c.logger.Warn("undecodable control message", "error", err)
				continue
			}
			if ev == nil {
				c.logger.Debug("ignoring unknown control message", "payload", string(data))
				continue
			}
			c.dispatch(ev)
		}
	}
}

// reconnect redials with exponential backoff and resends Settings. Returns
// false once attempts are exhausted or the client was closed meanwhile.
func (c *Client) reconnect() bool {
	backoff := c.cfg.ReconnectBase
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()

		c.logger.Info("reconnecting to agent service",
			"attempt", attempt, "max", c.cfg.MaxReconnects, "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		old := c.conn
		c.conn = conn
		c.mu.Unlock()
		if old != nil {
			old.Close()
		}

		if err := c.sendJSON(c.cfg.Settings); err != nil {
			c.logger.Warn("resend settings failed", "error", err)
			continue
		}
		c.logger.Info("agent session reestablished", "attempt", attempt)
		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect()
		}
		return true
	}
	return false
}

func (c *Client) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				c.mu.Lock()
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				c.logger.Debug("keepalive write failed", "error", err)
			}
		}
	}
}

// finish marks the session over, delivers the terminal Closed event, and
// releases Done waiters. Safe to call more than once.
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			c.logger.Warn("agent session ended", "error", err)
		}
		c.dispatch(&Closed{Err: err})
		close(c.done)
	})
}

func (c *Client) dispatch(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}
