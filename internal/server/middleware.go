package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxRequestIDLen bounds a client-supplied X-Request-ID; longer values are
// replaced.
const maxRequestIDLen = 64

// RequestIDFromContext returns the request ID from the context, if present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// RequestIDMiddleware tags each request with an ID, echoed in the
// X-Request-ID response header. A caller-supplied ID is kept when it is
// short enough.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// statusRecorder captures what a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// LoggingMiddleware writes one line per request. Server errors log at
// error level and client errors at warn.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			level := slog.LevelInfo
			switch {
			case sr.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case sr.status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"bytes", sr.bytes,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a JSON 500. An aborted
// handler is re-panicked so net/http can drop the connection.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("handler panic",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets the headers a JSON API needs. Replies
// carry per-caller data, so nothing may be stored by shared caches.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

const (
	csrfCookieName = "_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 32
)

// CSRFMiddleware applies the double-submit check to cookie-authenticated
// writes. The token is read from the X-CSRF-Token header only; bodies are
// never parsed here. Requests with an Authorization header carry their own
// credential and pass. Safe requests are handed a fresh token in the
// response header and cookie.
func CSRFMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				if r.Header.Get("Authorization") != "" {
					break
				}
				cookie, err := r.Cookie(csrfCookieName)
				if err != nil {
					writeJSONError(w, http.StatusForbidden, "Forbidden: missing CSRF cookie")
					return
				}
				if !validateCSRFToken(secret, cookie.Value, r.Header.Get(csrfHeaderName)) {
					writeJSONError(w, http.StatusForbidden, "Forbidden: invalid CSRF token")
					return
				}
			}
			if err := issueCSRFToken(w, secret); err != nil {
				writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func issueCSRFToken(w http.ResponseWriter, secret []byte) error {
	token, err := generateCSRFToken(secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   true,
	})
	w.Header().Set(csrfHeaderName, token)
	return nil
}

// generateCSRFToken returns "<nonce>.<mac>", both base64url.
func generateCSRFToken(secret []byte) (string, error) {
	nonce := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("reading CSRF nonce: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(nonce) + "." + enc.EncodeToString(csrfMAC(secret, nonce)), nil
}

func csrfMAC(secret, nonce []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	return mac.Sum(nil)
}

// validateCSRFToken reports whether the cookie token was signed with
// secret and the submitted token is the same value.
func validateCSRFToken(secret []byte, cookieToken, submittedToken string) bool {
	if cookieToken == "" || !hmac.Equal([]byte(cookieToken), []byte(submittedToken)) {
		return false
	}
	nonceStr, macStr, ok := strings.Cut(cookieToken, ".")
	if !ok {
		return false
	}
	nonce, err := base64.RawURLEncoding.DecodeString(nonceStr)
	if err != nil {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(macStr)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, csrfMAC(secret, nonce))
}

// generateRandomHex returns n random bytes hex-encoded, used for the OAuth
// state parameter.
func generateRandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
