package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/engagement"
	"github.com/civicchain/civic-gateway/internal/wizard"
	"github.com/go-playground/validator/v10"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// relay writes an upstream reply unchanged.
func relay(w http.ResponseWriter, resp *backend.Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// statusFor maps an error to the HTTP status the gateway answers with.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, engagement.ErrNoChanges):
		return http.StatusOK
	case errors.Is(err, wizard.ErrBusy),
		errors.Is(err, wizard.ErrWrongStep),
		errors.Is(err, engagement.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrInvalidUpload),
		errors.Is(err, wizard.ErrNoCategory),
		errors.Is(err, wizard.ErrInvalidCategory),
		errors.Is(err, wizard.ErrDescriptionTooShort),
		errors.Is(err, wizard.ErrInvalidLocation),
		errors.Is(err, engagement.ErrInvalidStatus),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	}
	return backend.StatusCode(err)
}

// writeError answers with err's status. Transport failures and other
// internal errors get the fixed fallback text; their cause is only logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	var te *backend.TransportError
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		msg = "Unauthorized"
	case errors.As(err, &te):
		msg = backend.TransportFailureMessage
	case status >= http.StatusInternalServerError:
		msg = backend.UserMessage(err, fallback)
	default:
		msg = backend.UserMessage(err, err.Error())
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
	writeJSONError(w, status, msg)
}
