package ingress

import (
	"errors"
	"io"
	"net/http"
)

// handleWebhook runs one carrier callback through the provider: verify the
// signature, parse events, feed them to the call manager, and answer with
// whatever call-control document the provider dictates.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := s.prov.VerifyWebhook(r, body); err != nil {
		s.logger.Warn("webhook signature rejected",
			"path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, resp, err := s.prov.ParseWebhookEvent(r, body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "path", r.URL.Path, "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	for i := range events {
		s.events.ProcessEvent(events[i])
	}

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body) //nolint:errcheck
	}
}
