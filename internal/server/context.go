package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

type contextKey int

const (
	ctxKeyUser contextKey = iota
	ctxKeySession
	ctxKeyRequestID
)

func withUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext returns the authenticated user from the context, or nil.
func UserFromContext(ctx context.Context) *model.User {
	u, _ := ctx.Value(ctxKeyUser).(*model.User)
	return u
}

func withSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession, sess)
}

// SessionFromContext returns the caller's session, or nil.
func SessionFromContext(ctx context.Context) *model.Session {
	s, _ := ctx.Value(ctxKeySession).(*model.Session)
	return s
}

// callerCredentials returns the backend credential for r. An explicit
// Authorization header wins; otherwise the session's stored credential
// is used.
func callerCredentials(r *http.Request) backend.Credentials {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return backend.Credentials{
			Token:  strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")),
			UserID: r.Header.Get("X-User-Id"),
		}
	}
	if sess := SessionFromContext(r.Context()); sess.Exchanged() {
		return backend.Credentials{Token: sess.Token, UserID: sess.BackendUserID}
	}
	return backend.Credentials{}
}

// callerRole is the advisory role from the session, if any.
func callerRole(r *http.Request) model.Role {
	if sess := SessionFromContext(r.Context()); sess != nil {
		return sess.Role
	}
	return ""
}

// callerKey identifies the caller for per-user limits, cached replies and
// draft ownership. With a credential it is derived from the token the
// backend validates; X-User-Id only narrows it.
func callerKey(r *http.Request) string {
	if creds := callerCredentials(r); creds.Token != "" {
		return credentialKey(creds.Token, creds.UserID)
	}
	if sess := SessionFromContext(r.Context()); sess != nil {
		return "session:" + sess.ID
	}
	return "ip:" + extractIP(r)
}

func credentialKey(token, userID string) string {
	sum := sha256.Sum256([]byte(token + "\x00" + userID))
	return "cred:" + hex.EncodeToString(sum[:16])
}
