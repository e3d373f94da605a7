package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// sessionKeyHeader carries the call-scoped session key the bridge embeds in
// the agent's think-endpoint configuration.
const sessionKeyHeader = "X-Gateway-Session-Key"

// handleChatCompletions forwards the agent's think-stage requests to the
// local LLM gateway with streaming forced on, piping SSE chunks back
// verbatim. If the upstream produces no assistant content before the filler
// threshold, a short phrase is spoken into the call so the caller never
// sits in dead air.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	payload["stream"] = true
	body, err = json.Marshal(payload)
	if err != nil {
		http.Error(w, "re-encode request", http.StatusInternalServerError)
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		strings.TrimSuffix(s.cfg.GatewayURL, "/")+"/v1/chat/completions",
		bytes.NewReader(body))
	if err != nil {
		http.Error(w, "build upstream request", http.StatusInternalServerError)
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	if s.cfg.GatewayToken != "" {
		upstream.Header.Set("Authorization", "Bearer "+s.cfg.GatewayToken)
	}
	if key := r.Header.Get(sessionKeyHeader); key != "" {
		upstream.Header.Set(sessionKeyHeader, key)
	}

	stopFiller := s.armProxyFiller(r.Header.Get(sessionKeyHeader))
	defer stopFiller()

	resp, err := s.proxy.Do(upstream)
	if err != nil {
		s.logger.Error("llm gateway unreachable", "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	contentSeen := false
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !contentSeen && hasAssistantContent(chunk) {
				contentSeen = true
				stopFiller()
			}
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// hasAssistantContent reports whether an SSE chunk carries a non-empty
// content delta.
func hasAssistantContent(chunk []byte) bool {
	idx := bytes.Index(chunk, []byte(`"content":"`))
	if idx < 0 {
		return false
	}
	rest := chunk[idx+len(`"content":"`):]
	return len(rest) > 0 && rest[0] != '"'
}

// armProxyFiller schedules the dead-air phrase for the call named by the
// session key. The returned cancel is safe to call more than once.
func (s *Server) armProxyFiller(sessionKey string) func() {
	if s.speaker == nil || s.cfg.FillerThreshold <= 0 || len(s.cfg.FillerPhrases) == 0 {
		return func() {}
	}
	callID := callIDFromSessionKey(sessionKey)
	if callID == "" {
		return func() {}
	}

	timer := time.AfterFunc(s.cfg.FillerThreshold, func() {
		phrase := s.nextFillerPhrase()
		s.logger.Info("llm turn running long, speaking filler",
			"call_id", callID, "phrase", phrase)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.speaker.Speak(ctx, callID, phrase); err != nil {
			s.logger.Warn("filler injection failed", "call_id", callID, "error", err)
		}
	})
	return func() { timer.Stop() }
}

// callIDFromSessionKey extracts the call id from `agent:{id}:voice:{callID}`.
func callIDFromSessionKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[2] != "voice" {
		return ""
	}
	return parts[3]
}

func (s *Server) nextFillerPhrase() string {
	s.phraseMu.Lock()
	defer s.phraseMu.Unlock()
	phrase := s.cfg.FillerPhrases[s.phraseIdx%len(s.cfg.FillerPhrases)]
	s.phraseIdx++
	return phrase
}
