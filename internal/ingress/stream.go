package ingress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/internal/bridge"
)

// startFrameDeadline bounds how long a carrier socket may sit idle before
// sending its start frame.
const startFrameDeadline = 15 * time.Second

// carrierStream writes agent audio back in the carrier's JSON framing.
// gorilla connections allow one concurrent writer, hence the mutex.
type carrierStream struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSID string
}

func (c *carrierStream) WriteAudio(audio []byte) error {
	frame, err := bridge.MediaFrame(c.streamSID, audio)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *carrierStream) Clear() error {
	frame, err := bridge.ClearFrame(c.streamSID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// handleCarrierStream serves a carrier media-stream socket. The token and
// call id travel in the start frame's custom parameters, placed there by
// the call-control document; nothing is bridged until they verify.
func (s *Server) handleCarrierStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var start *bridge.StreamStart
	for start == nil {
		conn.SetReadDeadline(time.Now().Add(startFrameDeadline)) //nolint:errcheck
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := bridge.ParseStreamMessage(data)
		if err != nil {
			s.logger.Warn("undecodable stream frame before start", "error", err)
			continue
		}
		switch msg.Event {
		case "start":
			start = msg.Start
		case "stop":
			return
		}
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	params := start.CustomParameters
	callID, err := VerifyStreamToken(s.cfg.StreamTokenSecret, params["token"])
	if err != nil || (params["callId"] != "" && params["callId"] != callID) {
		s.logger.Warn("stream token rejected",
			"stream_sid", start.StreamSID, "call_sid", start.CallSID, "error", err)
		s.closeUnauthorized(conn)
		return
	}

	stream := &carrierStream{conn: conn, streamSID: start.StreamSID}
	sess, err := s.streams.StartSession(r.Context(), bridge.StartParams{
		CallID:         callID,
		ProviderCallID: start.CallSID,
		StreamSID:      start.StreamSID,
		From:           params["from"],
		To:             params["to"],
	}, stream)
	if err != nil {
		s.logger.Error("bridge start failed", "call_id", callID, "error", err)
		return
	}
	defer sess.Stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := bridge.ParseStreamMessage(data)
		if err != nil {
			continue
		}
		switch msg.Event {
		case "media":
			audio, err := msg.DecodeAudio()
			if err != nil {
				s.logger.Debug("dropping undecodable media frame", "error", err)
				continue
			}
			sess.OnCallerAudio(audio)
		case "stop":
			return
		}
	}
}

// browserStream is the minimal framing for browser/test clients: raw binary
// audio frames plus small JSON control messages.
type browserStream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (b *browserStream) WriteAudio(audio []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (b *browserStream) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"clear"}`))
}

// handleBrowserStream serves the binary-framed media socket. The token
// arrives as a query parameter and is checked before the upgrade.
func (s *Server) handleBrowserStream(w http.ResponseWriter, r *http.Request) {
	callID, err := VerifyStreamToken(s.cfg.StreamTokenSecret, r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stream := &browserStream{conn: conn}
	sess, err := s.streams.StartSession(r.Context(), bridge.StartParams{CallID: callID}, stream)
	if err != nil {
		s.logger.Error("bridge start failed", "call_id", callID, "error", err)
		return
	}
	defer sess.Stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			sess.OnCallerAudio(data)
		case websocket.TextMessage:
			var ctl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &ctl) == nil && ctl.Type == "stop" {
				return
			}
		}
	}
}

func (s *Server) closeUnauthorized(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
}
