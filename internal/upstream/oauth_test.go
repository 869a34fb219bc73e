package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

func oauthCred(t *testing.T, tokenURL, style string) *gateway.Credential {
	t.Helper()
	cfg, err := json.Marshal(OAuthConfig{
		TokenURL:     tokenURL,
		ClientID:     "client-1",
		RefreshToken: "refresh-1",
		Style:        style,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &gateway.Credential{ID: "cred-1", AuthType: gateway.AuthOAuth, AuthConfig: cfg}
}

func TestOAuthSourceRefreshesForm(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %s", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %s", got)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s", got)
		}
		json.NewEncoder(w).Encode(tokenReply{AccessToken: "at-1", ExpiresIn: 3600})
	}))
	defer srv.Close()

	var persisted atomic.Int32
	src, err := NewOAuthSource(oauthCred(t, srv.URL, ""), srv.Client(), nil,
		func(ctx context.Context, id string, cfg *OAuthConfig) error {
			persisted.Add(1)
			if cfg.AccessToken != "at-1" {
				t.Errorf("persisted access token = %s", cfg.AccessToken)
			}
			return nil
		})
	if err != nil {
		t.Fatal(err)
	}

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "at-1" {
		t.Errorf("token = %s", tok)
	}

	// Second call inside the expiry window reuses the cached token.
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}
	if persisted.Load() != 1 {
		t.Error("refreshed token was not persisted")
	}
}

func TestOAuthSourceJSONStyle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["refresh_token"] != "refresh-1" {
			t.Errorf("refresh_token = %s", body["refresh_token"])
		}
		json.NewEncoder(w).Encode(tokenReply{AccessToken: "at-json", RefreshToken: "refresh-2", ExpiresIn: 60})
	}))
	defer srv.Close()

	src, err := NewOAuthSource(oauthCred(t, srv.URL, "json"), srv.Client(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "at-json" {
		t.Errorf("token = %s", tok)
	}
	if src.cfg.RefreshToken != "refresh-2" {
		t.Errorf("rotated refresh token not kept: %s", src.cfg.RefreshToken)
	}
}

func TestOAuthSourceRefreshInsideSkew(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(tokenReply{AccessToken: "fresh", ExpiresIn: 3600})
	}))
	defer srv.Close()

	src, err := NewOAuthSource(oauthCred(t, srv.URL, ""), srv.Client(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// A token expiring within the 120s skew must be refreshed eagerly.
	src.cfg.AccessToken = "stale"
	src.cfg.ExpiresAt = time.Now().Unix() + 60

	tok, err := src.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh" {
		t.Errorf("token = %s, want fresh", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d", calls.Load())
	}
}

func TestOAuthSourceErrorReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	src, err := NewOAuthSource(oauthCred(t, srv.URL, ""), srv.Client(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatal("expected error for 400 reply")
	}
}

type fakeLocker struct {
	acquired []string
	released []string
	grant    bool
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.acquired = append(l.acquired, key)
	return l.grant, nil
}

func (l *fakeLocker) Release(ctx context.Context, key string) error {
	l.released = append(l.released, key)
	return nil
}

func TestOAuthSourceUsesLock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenReply{AccessToken: "at", ExpiresIn: 3600})
	}))
	defer srv.Close()

	locker := &fakeLocker{grant: true}
	src, err := NewOAuthSource(oauthCred(t, srv.URL, ""), srv.Client(), locker, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "provider_oauth_refresh_lock:cred-1" {
		t.Errorf("acquired = %v", locker.acquired)
	}
	if len(locker.released) != 1 {
		t.Errorf("released = %v", locker.released)
	}
}
