package identity

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

type fakeLoginer struct {
	calls int
	token string
	res   *backend.LoginResult
	err   error
}

func (f *fakeLoginer) Login(_ context.Context, token string) (*backend.LoginResult, error) {
	f.calls++
	f.token = token
	return f.res, f.err
}

func TestSignClaims(t *testing.T) {
	b := NewBridge("s3cret", nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	tok, err := b.Sign(Identity{Email: "a@example.com", Name: "A", Picture: "http://p"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return fixed }))
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "a@example.com" {
		t.Errorf("sub = %q, want email fallback", claims.Subject)
	}
	if claims.Email != "a@example.com" || claims.Name != "A" || claims.Picture != "http://p" {
		t.Errorf("claims = %+v", claims)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != TokenTTL {
		t.Errorf("lifetime = %v, want %v", got, TokenTTL)
	}
}

func TestExchangeErrors(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		id        *Identity
		loginErr  error
		wantErr   error
		wantCalls int
	}{
		{"no identity", "s", nil, nil, ErrNoIdentity, 0},
		{"empty identity", "s", &Identity{Name: "nobody"}, nil, ErrNoIdentity, 0},
		{"no secret", "", &Identity{Subject: "g1"}, nil, ErrNoSigningSecret, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := &fakeLoginer{}
			b := NewBridge(tt.secret, fl)
			_, err := b.Exchange(context.Background(), tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if fl.calls != tt.wantCalls {
				t.Errorf("backend calls = %d, want %d", fl.calls, tt.wantCalls)
			}
		})
	}
}

func TestExchangeUpstreamRejection(t *testing.T) {
	fl := &fakeLoginer{err: &backend.UpstreamError{
		Status:   http.StatusForbidden,
		Envelope: backend.Envelope{Message: "Account disabled"},
	}}
	b := NewBridge("s", fl)

	_, err := b.Exchange(context.Background(), &Identity{Subject: "g1", Email: "a@example.com"})
	var ue *backend.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want *backend.UpstreamError", err)
	}
	if ue.Status != http.StatusForbidden || ue.UserMessage("") != "Account disabled" {
		t.Errorf("upstream = %+v", ue)
	}
}

func TestExchangeMergesToken(t *testing.T) {
	fl := &fakeLoginer{res: &backend.LoginResult{
		Success: true,
		User:    model.Profile{UserID: "u1", Role: model.RoleCitizen},
		Body:    map[string]any{"success": true, "user": map[string]any{"user_id": "u1"}},
	}}
	b := NewBridge("s", fl)

	res, err := b.Exchange(context.Background(), &Identity{Subject: "g1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.Token == "" || res.Token != fl.token {
		t.Errorf("token = %q, sent %q", res.Token, fl.token)
	}
	if res.Body["jwt_token"] != res.Token || res.Body["success"] != true {
		t.Errorf("body = %v", res.Body)
	}
	if res.User.UserID != "u1" {
		t.Errorf("user = %+v", res.User)
	}
	if _, ok := fl.res.Body["jwt_token"]; ok {
		t.Error("backend body was mutated")
	}
}
