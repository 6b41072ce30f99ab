// Package auth is the credential provider for every collaborator that calls
// the extraction or indexing services. The rule that recurs across the
// pipeline: a token within 60 seconds of expiry is refreshed proactively, and
// a missing session forces a refresh, so no call ever fails on a stale
// credential.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/calder-env/docqueue/internal/common"
)

const cacheKey = "access_token"

// Source hands out extraction-service credentials.
type Source interface {
	// Token returns a cached token, refreshing first if it is absent or
	// inside the refresh window.
	Token(ctx context.Context) (string, error)
	// ForceRefresh discards any cached token and fetches a new one.
	ForceRefresh(ctx context.Context) (string, error)
}

// HTTPSource obtains tokens from the identity provider's token endpoint. The
// cache entry's TTL is expiry minus the refresh skew, so a cache miss is
// exactly the proactive-refresh signal.
type HTTPSource struct {
	cfg    common.AuthConfig
	client *http.Client
	cache  *ttlcache.Cache[string, string]
	logger *slog.Logger

	mu sync.Mutex // serializes refreshes
}

func NewHTTPSource(cfg common.AuthConfig, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		// Touch-on-hit would extend the TTL on every read and serve a token
		// past its real expiry; the expiry here is absolute.
		cache: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		logger: logger,
	}
}

func (s *HTTPSource) Token(ctx context.Context) (string, error) {
	if item := s.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}
	return s.refresh(ctx, false)
}

func (s *HTTPSource) ForceRefresh(ctx context.Context) (string, error) {
	return s.refresh(ctx, true)
}

func (s *HTTPSource) refresh(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		s.cache.Delete(cacheKey)
	} else if item := s.cache.Get(cacheKey); item != nil {
		// Another caller refreshed while we waited on the lock.
		return item.Value(), nil
	}

	tok, expiresIn, err := s.fetch(ctx)
	if err != nil {
		// Credential failure is fatal locally; the operator re-authenticates.
		s.logger.Error("auth.refresh_failed", "error", err)
		return "", common.NewAppError("AUTH_ERROR", "token refresh failed", common.ErrUnauthorized)
	}

	ttl := expiresIn - s.cfg.RefreshSkew
	if ttl <= 0 {
		// Token shorter-lived than the skew; usable once, never cached.
		s.logger.Warn("auth.token_shorter_than_skew", "expires_in", expiresIn)
		return tok, nil
	}
	s.cache.Set(cacheKey, tok, ttl)
	s.logger.Info("auth.token_refreshed", "expires_in", expiresIn.String())
	return tok, nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *HTTPSource) fetch(ctx context.Context) (string, time.Duration, error) {
	bs, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
	})
	if err != nil {
		return "", 0, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, bytes.NewReader(bs))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			s.logger.Warn("auth.response_body_close_error", "error", cerr)
		}
	}()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", 0, fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint returned empty token")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}
