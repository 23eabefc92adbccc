// Package identity exchanges an identity-provider login for a backend
// credential.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/model"
)

// TokenTTL is how long a signed identity token stays valid.
const TokenTTL = 7 * 24 * time.Hour

var (
	// ErrNoIdentity means the caller has not signed in with the identity
	// provider.
	ErrNoIdentity = errors.New("identity: no session")

	// ErrNoSigningSecret is a deployment error and is not retryable.
	ErrNoSigningSecret = errors.New("identity: signing secret not configured")
)

// Identity is what the identity provider tells us about the caller.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Claims is the payload of the signed identity token.
type Claims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// Loginer presents a signed identity token to the backend.
type Loginer interface {
	Login(ctx context.Context, jwtToken string) (*backend.LoginResult, error)
}

// Result is a successful exchange.
type Result struct {
	Token string
	User  model.Profile
	// Body is the backend's reply merged with jwt_token.
	Body map[string]any
}

// Bridge signs identity tokens with a secret shared with the backend.
type Bridge struct {
	secret  []byte
	backend Loginer
	now     func() time.Time
}

// NewBridge returns a Bridge. An empty secret is accepted here and
// reported by Exchange, so a misconfigured deployment still serves
// read-only traffic.
func NewBridge(secret string, backend Loginer) *Bridge {
	return &Bridge{
		secret:  []byte(secret),
		backend: backend,
		now:     time.Now,
	}
}

// Sign returns an HS256 token for id.
func (b *Bridge) Sign(id Identity) (string, error) {
	if len(b.secret) == 0 {
		return "", ErrNoSigningSecret
	}
	sub := id.Subject
	if sub == "" {
		sub = id.Email
	}
	now := b.now().Truncate(time.Second)
	claims := Claims{
		Email:   id.Email,
		Name:    id.Name,
		Picture: id.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("signing identity token: %w", err)
	}
	return signed, nil
}

// Exchange signs a token for id and trades it with the backend. A
// rejection comes back as *backend.UpstreamError carrying the backend's
// status and message.
func (b *Bridge) Exchange(ctx context.Context, id *Identity) (*Result, error) {
	if id == nil || (id.Subject == "" && id.Email == "") {
		return nil, ErrNoIdentity
	}
	token, err := b.Sign(*id)
	if err != nil {
		return nil, err
	}
	lr, err := b.backend.Login(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("backend login: %w", err)
	}

	body := make(map[string]any, len(lr.Body)+1)
	for k, v := range lr.Body {
		body[k] = v
	}
	body["jwt_token"] = token
	return &Result{Token: token, User: lr.User, Body: body}, nil
}
