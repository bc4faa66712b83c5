// Package auth supplies bearer tokens for the remote API. The auth backend
// itself is an external collaborator; this package only caches its tokens
// and decides when to refresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
)

// TokenSource supplies the bearer token attached to remote requests.
// forceRefresh bypasses the cache; the API client sets it after a 401.
type TokenSource interface {
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
}

// RefreshFunc exchanges a long-lived credential for a fresh ID token.
type RefreshFunc func(ctx context.Context) (string, error)

// refreshLeeway is how long before expiry a cached token is considered stale.
const refreshLeeway = 30 * time.Second

// defaultTokenLifetime is assumed when a token carries no exp claim.
const defaultTokenLifetime = 30 * time.Minute

// CachedTokenSource caches tokens and refreshes them before the exp claim
// runs out.
type CachedTokenSource struct {
	mu        sync.Mutex
	refresh   RefreshFunc
	clock     clock.Clock
	token     string
	expiresAt time.Time
}

// NewCachedTokenSource creates a token source over a refresh function.
func NewCachedTokenSource(refresh RefreshFunc, clk clock.Clock) *CachedTokenSource {
	return &CachedTokenSource{
		refresh: refresh,
		clock:   clk,
	}
}

// IDToken implements TokenSource.
func (s *CachedTokenSource) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !forceRefresh && s.token != "" && now.Add(refreshLeeway).Before(s.expiresAt) {
		return s.token, nil
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return "", errors.Wrap(errors.ErrAuth, "token refresh failed", err)
	}
	if token == "" {
		return "", errors.New(errors.ErrAuth, "token refresh returned empty token")
	}

	s.token = token
	s.expiresAt = tokenExpiry(token, now)

	logging.Debug("Refreshed ID token",
		map[string]interface{}{"expires_at": s.expiresAt.UTC().Format(time.RFC3339)})

	return s.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// remote replica is the verifier, the client only schedules refreshes.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return now.Add(defaultTokenLifetime)
	}
	if claims.ExpiresAt == nil {
		return now.Add(defaultTokenLifetime)
	}
	return claims.ExpiresAt.Time
}

// NewHTTPRefresh returns a RefreshFunc posting a refresh token to an auth
// endpoint that responds with {"idToken": "..."}. If client is nil,
// http.DefaultClient is used.
func NewHTTPRefresh(endpoint, refreshToken string, client *http.Client) RefreshFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", errors.Wrap(errors.ErrNetwork, "auth request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", errors.Newf(errors.ErrAuth, "auth endpoint returned status %d", resp.StatusCode)
		}

		var out struct {
			IDToken string `json:"idToken"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", errors.Wrap(errors.ErrParse, "failed to decode auth response", err)
		}
		return out.IDToken, nil
	}
}
