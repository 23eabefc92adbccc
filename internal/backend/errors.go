package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned before any upstream call when the caller
	// holds no credential.
	ErrUnauthorized = errors.New("backend: no credential")

	// ErrMissingUserID is returned by operations that need the caller's
	// backend user id to build the request body.
	ErrMissingUserID = errors.New("user_id is required")
)

// TransportFailureMessage is the fixed body text used when the issue
// service could not be reached or answered with something unreadable.
const TransportFailureMessage = "Failed to reach issue service"

// Envelope is the error shape the backend uses on failure.
type Envelope struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// UpstreamError is a non-2xx response from the backend.
type UpstreamError struct {
	Status   int
	Envelope Envelope
	Body     []byte
}

func newUpstreamError(status int, body []byte) *UpstreamError {
	e := &UpstreamError{Status: status, Body: body}
	// Best effort; non-JSON error bodies leave the envelope empty.
	_ = json.Unmarshal(body, &e.Envelope)
	return e
}

func (e *UpstreamError) Error() string {
	if msg := e.UserMessage(""); msg != "" {
		return fmt.Sprintf("backend: status %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("backend: status %d", e.Status)
}

// UserMessage returns the envelope's error, then its message, then fallback.
func (e *UpstreamError) UserMessage(fallback string) string {
	if e.Envelope.Error != "" {
		return e.Envelope.Error
	}
	if e.Envelope.Message != "" {
		return e.Envelope.Message
	}
	return fallback
}

// TransportError covers network failures and undecodable upstream bodies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusCode maps err to the HTTP status a gateway should answer with.
func StatusCode(err error) int {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrMissingUserID):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		return ue.Status
	}
	return http.StatusInternalServerError
}

// UserMessage returns the text to show for err, or fallback when err
// carries nothing presentable.
func UserMessage(err error, fallback string) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.UserMessage(fallback)
	}
	if errors.Is(err, ErrMissingUserID) {
		return ErrMissingUserID.Error()
	}
	return fallback
}
