package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

const (
	// refreshSkew triggers a refresh before the token actually expires.
	refreshSkew = 120 * time.Second

	oauthLockPrefix = "provider_oauth_refresh_lock:"
	oauthLockTTL    = 30 * time.Second
)

// OAuthConfig is the auth_config shape for oauth credentials. AccessToken
// and ExpiresAt are mutable refresh state persisted back after a refresh.
type OAuthConfig struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token"`
	Style        string `json:"style,omitempty"` // "json" or "form", default form
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
}

// Locker serializes token refreshes across gateway instances. A nil Locker
// falls back to in-process locking only.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// PersistFunc stores refreshed token state back onto the credential row.
type PersistFunc func(ctx context.Context, credentialID string, cfg *OAuthConfig) error

// OAuthSource hands out a valid access token for one oauth credential,
// refreshing lazily when the cached token is within the skew window.
type OAuthSource struct {
	credentialID string
	httpClient   *http.Client
	locker       Locker
	persist      PersistFunc

	mu  sync.Mutex
	cfg OAuthConfig
	now func() time.Time
}

// NewOAuthSource builds a source from a credential's auth_config. The
// credential Secret, when set, overrides the config refresh token.
func NewOAuthSource(cred *gateway.Credential, client *http.Client, locker Locker, persist PersistFunc) (*OAuthSource, error) {
	var cfg OAuthConfig
	if len(cred.AuthConfig) > 0 {
		if err := json.Unmarshal(cred.AuthConfig, &cfg); err != nil {
			return nil, fmt.Errorf("oauth auth_config for credential %s: %w", cred.ID, err)
		}
	}
	if cred.Secret != "" {
		cfg.RefreshToken = cred.Secret
	}
	if cfg.TokenURL == "" || cfg.RefreshToken == "" {
		return nil, fmt.Errorf("%w: oauth credential %s missing token_url or refresh_token", gateway.ErrInvalidRequest, cred.ID)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthSource{
		credentialID: cred.ID,
		httpClient:   client,
		locker:       locker,
		persist:      persist,
		cfg:          cfg,
		now:          time.Now,
	}, nil
}

// Token returns a valid access token, refreshing it if stale.
func (s *OAuthSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.AccessToken != "" && s.now().Unix() < s.cfg.ExpiresAt-int64(refreshSkew.Seconds()) {
		return s.cfg.AccessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.cfg.AccessToken, nil
}

// refreshLocked performs the token exchange under the distributed lock.
// If the lock is contended, the holder may have refreshed already, so the
// credential state would be reloaded on the next planner fetch; here we
// proceed without the lock rather than fail the request.
func (s *OAuthSource) refreshLocked(ctx context.Context) error {
	lockKey := oauthLockPrefix + s.credentialID
	if s.locker != nil {
		if ok, err := s.locker.Acquire(ctx, lockKey, oauthLockTTL); err == nil && ok {
			defer s.locker.Release(context.WithoutCancel(ctx), lockKey)
		}
	}

	tok, err := s.exchange(ctx)
	if err != nil {
		return err
	}
	s.cfg.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		s.cfg.RefreshToken = tok.RefreshToken
	}
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	s.cfg.ExpiresAt = s.now().Unix() + expiresIn

	if s.persist != nil {
		cp := s.cfg
		if err := s.persist(ctx, s.credentialID, &cp); err != nil {
			// Token is still usable this process; persistence retries on
			// the next refresh.
			return nil
		}
	}
	return nil
}

type tokenReply struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// exchange posts the refresh grant. Anthropic's token endpoint takes a
// JSON body; everything else speaks application/x-www-form-urlencoded.
func (s *OAuthSource) exchange(ctx context.Context) (*tokenReply, error) {
	var req *http.Request
	var err error
	if s.cfg.Style == "json" || strings.Contains(s.cfg.TokenURL, "anthropic.com") {
		body, merr := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": s.cfg.RefreshToken,
			"client_id":     s.cfg.ClientID,
		})
		if merr != nil {
			return nil, merr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {s.cfg.RefreshToken},
			"client_id":     {s.cfg.ClientID},
		}
		if s.cfg.ClientSecret != "" {
			form.Set("client_secret", s.cfg.ClientSecret)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, MapTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: oauth refresh for credential %s: HTTP %d: %s",
			gateway.ErrAuthenticationFailed, s.credentialID, resp.StatusCode, string(body))
	}
	var tok tokenReply
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("oauth refresh for credential %s: decode reply: %w", s.credentialID, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: oauth refresh for credential %s: empty access_token", gateway.ErrAuthenticationFailed, s.credentialID)
	}
	return &tok, nil
}

// OAuthTransport injects the source's bearer token on every request.
type OAuthTransport struct {
	Source *OAuthSource
	Base   http.RoundTripper
}

func (t *OAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.Source.Token(r.Context())
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r2)
}
