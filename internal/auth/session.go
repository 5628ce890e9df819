// Package auth holds the access token used by the request layer and
// refreshes it before it expires.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	cmserrors "gitcms/internal/errors"
)

// ExpiryBuffer is how long before the real expiry a token is treated as
// expired, to absorb clock skew and request latency.
const ExpiryBuffer = 300 * time.Second

// Token is the credential triple handed out by the auth provider.
// A zero ExpiresAt means the token does not expire.
type Token struct {
	AccessToken  string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Refresher exchanges an expired token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, tok Token) (Token, error)
}

type RefresherFunc func(ctx context.Context, tok Token) (Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, tok Token) (Token, error) {
	return f(ctx, tok)
}

// Session guards the current token. EnsureValid is called before every
// request; concurrent callers share a single refresh.
type Session struct {
	mu        sync.Mutex
	token     Token
	refresher Refresher
	onRefresh func(Token)
	now       func() time.Time
}

type SessionOption func(*Session)

// WithRefresher sets the exchange used for expired tokens.
func WithRefresher(r Refresher) SessionOption {
	return func(s *Session) { s.refresher = r }
}

// OnRefresh registers a callback receiving every refreshed token, so the
// caller can persist the new user credentials.
func OnRefresh(fn func(Token)) SessionOption {
	return func(s *Session) { s.onRefresh = fn }
}

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

func NewSession(tok Token, opts ...SessionOption) *Session {
	s := &Session{token: tok, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsTokenExpired reports whether now is inside the buffer window before
// expiresAt. The boundary itself counts as expired.
func IsTokenExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(-ExpiryBuffer))
}

func (s *Session) Token() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) SetToken(tok Token) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

func (s *Session) IsTokenExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IsTokenExpired(s.token.ExpiresAt, s.now())
}

// EnsureValid refreshes the token when it is expired and returns the
// access token to use. A failed refresh returns an AuthError.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !IsTokenExpired(s.token.ExpiresAt, s.now()) {
		return s.token.AccessToken, nil
	}
	if s.refresher == nil {
		return "", &cmserrors.AuthError{Message: "access token expired and no refresher is configured"}
	}

	fresh, err := s.refresher.Refresh(ctx, s.token)
	if err != nil {
		return "", &cmserrors.AuthError{Message: "refreshing access token", Err: err}
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.token.RefreshToken
	}
	s.token = fresh

	if s.onRefresh != nil {
		s.onRefresh(fresh)
	}
	return fresh.AccessToken, nil
}

// OAuth2Refresher performs the refresh_token grant against conf's token
// endpoint.
type OAuth2Refresher struct {
	Config *oauth2.Config
}

func (r OAuth2Refresher) Refresh(ctx context.Context, tok Token) (Token, error) {
	if tok.RefreshToken == "" {
		return Token{}, fmt.Errorf("no refresh token")
	}

	// An expiry in the past forces the token source to hit the endpoint.
	src := r.Config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, err
	}

	return Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
	}, nil
}
