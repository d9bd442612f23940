package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shineum/smtp-send-api/internal/email"
)

type sendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Provider  string `json:"provider"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   int    `json:"code,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	req, err := s.validator.Parse(body)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	// The send runs to completion even if the client goes away.
	receipt, err := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		Status:    "sent",
		MessageID: receipt.MessageID,
		To:        receipt.To,
		Subject:   receipt.Subject,
		Provider:  receipt.Provider,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.dispatcher.Provider(),
	})
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var vErr *email.ValidationError
	if errors.As(err, &vErr) {
		s.metrics.ObserveValidationFailure(topLevelField(vErr.Field))
		s.log.InfoContext(ctx, "request rejected", "field", vErr.Field, "reason", vErr.Reason)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: vErr.Error(), Field: vErr.Field})
		return
	}

	var dErr *email.DispatchError
	if errors.As(err, &dErr) {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:  dErr.Error(),
			Reason: string(dErr.Reason),
			Code:   dErr.Code,
		})
		return
	}

	s.log.ErrorContext(ctx, "unexpected error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// topLevelField reduces "attachments[0].filename" to "attachments".
func topLevelField(field string) string {
	if i := strings.IndexAny(field, "[."); i > 0 {
		return field[:i]
	}
	return field
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
