// Package gateway talks to the local LLM gateway's control plane over a
// WebSocket RPC connection. The gateway also fronts chat completions over
// HTTP; that path lives in the ingress proxy, not here.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client issues one-shot RPC calls to the gateway. Each call dials, sends
// one request, and waits for the matching response.
type Client struct {
	url    string
	token  string
	logger *slog.Logger

	// CallTimeout bounds a whole RPC round trip.
	CallTimeout time.Duration

	nextID atomic.Int64
}

// New creates a gateway client. url may be http(s) or ws(s); it is
// normalized to a WebSocket scheme.
func New(url, token string, logger *slog.Logger) *Client {
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.With("subsystem", "gateway"),
		CallTimeout: 5 * time.Second,
	}
}

type rpcRequest struct {
	Type   string `json:"type"`
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Call performs one RPC round trip.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.CallTimeout)
	defer cancel()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	id := c.nextID.Add(1)
	req := rpcRequest{Type: "req", ID: id, Method: method, Params: params}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		var res rpcResponse
		if err := conn.ReadJSON(&res); err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if res.ID != id {
			continue
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	}
}

// SessionRef is one session known to the gateway.
type SessionRef struct {
	Key string `json:"key"`
}

// NotifyChildSessions tells every session spawned by parentKey that the
// call is over and deliverables should move to an asynchronous channel.
// Best effort: failures are logged and the count of notified sessions is
// returned.
func (c *Client) NotifyChildSessions(ctx context.Context, parentKey, message string) (int, error) {
	result, err := c.Call(ctx, "sessions.list", map[string]any{
		"spawnedBy":     parentKey,
		"limit":         50,
		"includeGlobal": false,
	})
	if err != nil {
		return 0, fmt.Errorf("list child sessions: %w", err)
	}

	var listed struct {
		Sessions []SessionRef `json:"sessions"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return 0, fmt.Errorf("decode session list: %w", err)
	}

	notified := 0
	for _, session := range listed.Sessions {
		if session.Key == "" {
			continue
		}
		_, err := c.Call(ctx, "sessions.send", map[string]any{
			"sessionKey": session.Key,
			"message":    message,
		})
		if err != nil {
			c.logger.Debug("child session notify failed", "session", session.Key, "error", err)
			continue
		}
		notified++
	}
	if notified > 0 {
		c.logger.Info("notified child sessions of call end", "parent", parentKey, "count", notified)
	}
	return notified, nil
}
