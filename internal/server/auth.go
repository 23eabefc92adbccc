package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/identity"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/civicchain/civic-gateway/internal/store"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	sessionCookieName = "session_id"
	sessionDuration   = 7 * 24 * time.Hour
)

// SessionMiddleware reads the session cookie, validates the session, and
// injects the user and session into the request context.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookieName)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := s.store.GetSession(r.Context(), c.Value)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("loading session", "error", err)
			}
			clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		if time.Now().UTC().After(sess.ExpiresAt) {
			_ = s.store.DeleteSession(r.Context(), sess.ID)
			clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.store.GetUser(r.Context(), sess.UserID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := withSession(withUser(r.Context(), user), sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCredential rejects callers with neither an Authorization header
// nor an exchanged session.
func RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerCredentials(r).Token == "" {
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

// HandleLogout handles POST /auth/logout. The stored backend credential
// goes with the session.
func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(sessionCookieName)
	if err == nil && c.Value != "" {
		_ = s.store.DeleteSession(r.Context(), c.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type sessionView struct {
	User          *model.User `json:"user"`
	Exchanged     bool        `json:"exchanged"`
	BackendUserID string      `json:"backend_user_id,omitempty"`
	Role          model.Role  `json:"role,omitempty"`
}

// HandleSession handles GET /api/auth/session.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	view := sessionView{User: UserFromContext(r.Context())}
	if sess := SessionFromContext(r.Context()); sess.Exchanged() {
		view.Exchanged = true
		view.BackendUserID = sess.BackendUserID
		view.Role = sess.Role
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleAuthLogin handles POST /api/auth/login: the signed-in identity is
// exchanged for a backend credential, which is kept on the session.
func (s *Server) HandleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var id *identity.Identity
	if user := UserFromContext(r.Context()); user != nil {
		id = &identity.Identity{
			Subject: user.ID,
			Email:   user.Email,
			Name:    user.Name,
			Picture: user.Picture,
		}
	}

	res, err := s.bridge.Exchange(r.Context(), id)
	if err != nil {
		s.writeLoginError(w, r, err)
		return
	}

	if sess := SessionFromContext(r.Context()); sess != nil {
		if err := s.store.SetSessionCredentials(r.Context(), sess.ID, res.Token, res.User.UserID, res.User.Role); err != nil {
			s.logger.Error("saving backend credential", "error", err,
				"request_id", RequestIDFromContext(r.Context()))
			writeLoginFailure(w, http.StatusInternalServerError, "Internal server error")
			return
		}
	}
	writeJSON(w, http.StatusOK, res.Body)
}

func (s *Server) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *backend.UpstreamError
	switch {
	case errors.Is(err, identity.ErrNoIdentity):
		writeLoginFailure(w, http.StatusUnauthorized, "Unauthorized - No session")
	case errors.Is(err, identity.ErrNoSigningSecret):
		s.logger.Error("identity signing secret not configured")
		writeLoginFailure(w, http.StatusInternalServerError, "Server configuration error")
	case errors.As(err, &ue):
		s.logger.Warn("backend auth failed", "status", ue.Status, "body", string(ue.Body))
		msg := ue.Envelope.Message
		if msg == "" {
			msg = "Backend authentication failed"
		}
		writeLoginFailure(w, ue.Status, msg)
	default:
		s.logger.Error("auth login", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeLoginFailure(w, http.StatusInternalServerError, backend.TransportFailureMessage)
	}
}

func writeLoginFailure(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// --- OAuth: Google ---

func (s *Server) googleOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.config.GoogleClientID,
		ClientSecret: s.config.GoogleSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		RedirectURL: s.config.BaseURL + "/auth/google/callback",
		Scopes:      []string{"openid", "email", "profile"},
	}
}

// HandleGoogleLogin redirects to Google OAuth.
func (s *Server) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if s.config.GoogleClientID == "" {
		writeJSONError(w, http.StatusNotImplemented, "Google login not configured")
		return
	}
	state := generateRandomHex(32)
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(s.config.BaseURL, "https"),
	})
	http.Redirect(w, r, s.googleOAuthConfig().AuthCodeURL(state), http.StatusFound)
}

type googleUserInfo struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// HandleGoogleCallback handles the Google OAuth callback.
func (s *Server) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if err := s.validateOAuthState(r); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := s.googleOAuthConfig()
	token, err := cfg.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.logger.Error("google oauth exchange", "error", err)
		writeJSONError(w, http.StatusBadRequest, "OAuth error")
		return
	}

	client := cfg.Client(r.Context(), token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		s.logger.Error("google userinfo", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to get user info")
		return
	}
	defer resp.Body.Close()

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		s.logger.Error("decode google userinfo", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to parse user info")
		return
	}
	if info.Email == "" {
		writeJSONError(w, http.StatusBadRequest, "Google account has no email")
		return
	}

	user, err := s.getOrCreateUser(r.Context(), info)
	if err != nil {
		s.logger.Error("get or create user", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if err := s.createSession(w, r, user.ID); err != nil {
		s.logger.Error("create session", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

// --- Helpers ---

func (s *Server) validateOAuthState(r *http.Request) error {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil || stateCookie.Value == "" {
		return fmt.Errorf("missing OAuth state cookie")
	}
	if r.URL.Query().Get("state") != stateCookie.Value {
		return fmt.Errorf("OAuth state mismatch")
	}
	return nil
}

// getOrCreateUser upserts the identity provider's view of the caller.
func (s *Server) getOrCreateUser(ctx context.Context, info googleUserInfo) (*model.User, error) {
	user, err := s.store.GetUserByEmail(ctx, info.Email)
	if err == nil {
		if user.Name != info.Name || user.Picture != info.Picture {
			user.Name = info.Name
			user.Picture = info.Picture
			if err := s.store.UpdateUser(ctx, user); err != nil {
				return nil, err
			}
		}
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user = &model.User{
		ID:        uuid.New().String(),
		Email:     info.Email,
		Name:      info.Name,
		Picture:   info.Picture,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, userID string) error {
	sessID := uuid.New().String()
	now := time.Now().UTC()

	sess := &model.Session{
		ID:        sessID,
		UserID:    userID,
		ExpiresAt: now.Add(sessionDuration),
		CreatedAt: now,
	}

	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessID,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   strings.HasPrefix(s.config.BaseURL, "https"),
	})

	return nil
}
