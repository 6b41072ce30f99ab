package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-env/docqueue/internal/common"
)

type tokenEndpoint struct {
	hits      atomic.Int64
	expiresIn int
	status    int
	srv       *httptest.Server
}

func newTokenEndpoint(t *testing.T, expiresIn int) *tokenEndpoint {
	t.Helper()
	ep := &tokenEndpoint{expiresIn: expiresIn, status: http.StatusOK}
	ep.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ep.hits.Add(1)

		var body tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "client_credentials", body.GrantType)

		if ep.status != http.StatusOK {
			w.WriteHeader(ep.status)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "tok-" + string(rune('a'+n-1)),
			ExpiresIn:   ep.expiresIn,
		}))
	}))
	t.Cleanup(ep.srv.Close)
	return ep
}

func newTestSource(ep *tokenEndpoint, skew time.Duration) *HTTPSource {
	return NewHTTPSource(common.AuthConfig{
		TokenURL:     ep.srv.URL,
		ClientID:     "docqueue",
		ClientSecret: "shh",
		RefreshSkew:  skew,
	}, nil)
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	ep := newTokenEndpoint(t, 3600)
	s := newTestSource(ep, time.Minute)

	first, err := s.Token(context.Background())
	require.NoError(t, err)
	second, err := s.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), ep.hits.Load(), "a valid cached token must not hit the endpoint")
}

func TestForceRefreshDiscardsCachedToken(t *testing.T) {
	ep := newTokenEndpoint(t, 3600)
	s := newTestSource(ep, time.Minute)

	first, err := s.Token(context.Background())
	require.NoError(t, err)

	forced, err := s.ForceRefresh(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first, forced)
	assert.Equal(t, int64(2), ep.hits.Load())

	// The forced token becomes the cached one.
	again, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, forced, again)
}

func TestShortLivedTokenIsNeverCached(t *testing.T) {
	// expires_in 30s with a 60s skew: usable once, but caching it would hand
	// out a token inside the refresh window.
	ep := newTokenEndpoint(t, 30)
	s := newTestSource(ep, time.Minute)

	_, err := s.Token(context.Background())
	require.NoError(t, err)
	_, err = s.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), ep.hits.Load(), "each call must fetch fresh")
}

func TestSteadyUseStillRefreshesAtExpiry(t *testing.T) {
	// expires_in 2s with an 1800ms skew leaves a 200ms cache TTL. Reads must
	// not extend it: a caller polling faster than the TTL still has to see a
	// refetch once the token enters the refresh window.
	ep := newTokenEndpoint(t, 2)
	s := newTestSource(ep, 1800*time.Millisecond)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := s.Token(context.Background())
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, ep.hits.Load(), int64(2),
		"token served past its refresh window under steady use")
}

func TestRefreshFailureIsUnauthorized(t *testing.T) {
	ep := newTokenEndpoint(t, 3600)
	ep.status = http.StatusForbidden
	s := newTestSource(ep, time.Minute)

	_, err := s.Token(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnauthorized))
}

func TestRefreshFailureDoesNotPoisonLaterCalls(t *testing.T) {
	ep := newTokenEndpoint(t, 3600)
	ep.status = http.StatusServiceUnavailable
	s := newTestSource(ep, time.Minute)

	_, err := s.Token(context.Background())
	require.Error(t, err)

	ep.status = http.StatusOK
	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
}
