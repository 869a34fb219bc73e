// Package auth implements API key authentication for the gateway. Keys
// are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/aetherlab/aether/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Store is the slice of storage the authenticator needs.
type Store interface {
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)
}

// entry pairs a key with its owning user so cache hits skip both lookups.
type entry struct {
	key  *gateway.APIKey
	user *gateway.User // nil for keys without an owner
}

// APIKeyAuth authenticates requests using API keys with the "ae_" prefix.
// Resolved keys live in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       Store
	cache       *otter.Cache[string, *entry]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store Store) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *entry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *entry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header
// (x-api-key and x-goog-api-key are accepted for claude/gemini-shaped
// clients), validates it, and returns the caller's Identity.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := bearerToken(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrAuthenticationFailed
	}

	hash := gateway.HashKey(raw)

	if e, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkEntry(e, time.Now()); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(e), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrAuthenticationFailed
		}
		return nil, err
	}

	// The DB lookup already matched; the constant-time compare guards
	// against SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrAuthenticationFailed
	}

	e := &entry{key: key}
	if key.UserID != "" {
		user, err := a.store.GetUser(ctx, key.UserID)
		switch {
		case err == nil:
			e.user = user
		case errors.Is(err, gateway.ErrNotFound):
			// Orphaned key, fall back to key-only restrictions.
		default:
			return nil, err
		}
	}
	if err := checkEntry(e, time.Now()); err != nil {
		return nil, err
	}

	a.cache.Set(hash, e)
	a.keyIDToHash.Store(key.ID, hash)

	return buildIdentity(e), nil
}

// bearerToken pulls the client credential from whichever header the
// client's wire format uses.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok := strings.TrimPrefix(auth, "Bearer "); tok != auth {
			return tok
		}
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	return r.Header.Get("x-goog-api-key")
}

func checkEntry(e *entry, now time.Time) error {
	if !e.key.Active {
		return gateway.ErrAuthenticationFailed
	}
	if e.key.Expired(now) {
		return gateway.ErrKeyExpired
	}
	if e.user != nil && e.user.Deleted {
		return gateway.ErrAuthenticationFailed
	}
	return nil
}

// InvalidateByKeyID removes a cached API key by its key ID. Used when
// admin operations (deactivate, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// buildIdentity constructs an Identity from a validated key and its user.
// Key and user allow-lists both restrict; when both are set the identity
// carries their intersection.
func buildIdentity(e *entry) *gateway.Identity {
	key := e.key
	id := &gateway.Identity{
		Subject:          key.KeyPrefix,
		KeyID:            key.ID,
		UserID:           key.UserID,
		Role:             "user",
		AllowedProviders: key.AllowedProviders,
		AllowedEndpoints: key.AllowedEndpoints,
		AllowedFormats:   key.AllowedFormats,
		AllowedModels:    key.AllowedModels,
	}
	if key.RPMLimit != nil {
		id.RPMLimit = *key.RPMLimit
	}
	if key.MaxConcurrent != nil {
		id.MaxConcurrent = *key.MaxConcurrent
	}
	if u := e.user; u != nil {
		if u.Role != "" {
			id.Role = u.Role
		}
		id.AllowedProviders = intersectAllow(key.AllowedProviders, u.AllowedProviders)
		id.AllowedEndpoints = intersectAllow(key.AllowedEndpoints, u.AllowedEndpoints)
		id.AllowedModels = intersectAllow(key.AllowedModels, u.AllowedModels)
	}
	id.Perms = gateway.RolePermissions[id.Role]
	return id
}

// intersectAllow combines two allow-lists where nil means "everything".
// With both set, only entries on both lists survive; a disjoint pair
// yields an empty non-nil slice that allows nothing.
func intersectAllow(a, b []string) []string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
