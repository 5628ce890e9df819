package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	cmserrors "gitcms/internal/errors"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "already expired", expiresAt: now.Add(-time.Second), want: true},
		{name: "far in the future", expiresAt: now.Add(1000 * time.Second), want: false},
		{name: "exactly at buffer boundary", expiresAt: now.Add(ExpiryBuffer), want: true},
		{name: "just outside buffer", expiresAt: now.Add(ExpiryBuffer + time.Second), want: false},
		{name: "no expiry", expiresAt: time.Time{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTokenExpired(tt.expiresAt, now))
		})
	}
}

func TestEnsureValid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	t.Run("valid token is returned untouched", func(t *testing.T) {
		s := NewSession(Token{AccessToken: "a", ExpiresAt: now.Add(time.Hour)},
			WithClock(clock),
			WithRefresher(RefresherFunc(func(context.Context, Token) (Token, error) {
				t.Fatal("refresh must not run")
				return Token{}, nil
			})))

		tok, err := s.EnsureValid(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", tok)
	})

	t.Run("expired token is refreshed once", func(t *testing.T) {
		var calls int32
		var saved Token
		s := NewSession(Token{AccessToken: "old", RefreshToken: "r", ExpiresAt: now.Add(-time.Second)},
			WithClock(clock),
			OnRefresh(func(tok Token) { saved = tok }),
			WithRefresher(RefresherFunc(func(_ context.Context, tok Token) (Token, error) {
				atomic.AddInt32(&calls, 1)
				assert.Equal(t, "old", tok.AccessToken)
				assert.Equal(t, "r", tok.RefreshToken)
				return Token{AccessToken: "new", ExpiresAt: now.Add(time.Hour)}, nil
			})))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok, err := s.EnsureValid(context.Background())
				assert.NoError(t, err)
				assert.Equal(t, "new", tok)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Equal(t, "new", saved.AccessToken)
		assert.Equal(t, "r", s.Token().RefreshToken, "refresh token is kept when the exchange omits it")
	})

	t.Run("refresh failure is an auth error", func(t *testing.T) {
		s := NewSession(Token{AccessToken: "old", ExpiresAt: now},
			WithClock(clock),
			WithRefresher(RefresherFunc(func(context.Context, Token) (Token, error) {
				return Token{}, fmt.Errorf("boom")
			})))

		_, err := s.EnsureValid(context.Background())
		var authErr *cmserrors.AuthError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, "old", s.Token().AccessToken)
	})

	t.Run("expired without refresher", func(t *testing.T) {
		s := NewSession(Token{AccessToken: "old", ExpiresAt: now}, WithClock(clock))
		_, err := s.EnsureValid(context.Background())
		assert.True(t, cmserrors.IsAuthError(err))
	})
}

func TestOAuth2Refresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","refresh_token":"r2","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := OAuth2Refresher{Config: &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL},
	}}

	tok, err := r.Refresh(context.Background(), Token{AccessToken: "stale", RefreshToken: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	_, err = r.Refresh(context.Background(), Token{AccessToken: "stale"})
	assert.Error(t, err)
}
