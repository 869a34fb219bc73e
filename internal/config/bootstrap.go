package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
)

// Bootstrap seeds users and API keys from the config file. Existing rows
// are left alone, so the file can stay in place across restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	userIDs := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Name == "" {
			continue
		}
		if existing, _ := store.GetUser(ctx, u.Name); existing != nil {
			userIDs[u.Name] = existing.ID
			continue
		}
		role := u.Role
		if role == "" {
			role = "user"
		}
		user := &gateway.User{
			// Seeded users key on name so re-runs find them again.
			ID:        u.Name,
			Name:      u.Name,
			Role:      role,
			QuotaUSD:  u.QuotaUSD,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return err
		}
		userIDs[u.Name] = user.ID
		slog.Info("bootstrapped user", "name", u.Name)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" || !strings.HasPrefix(k.Key, gateway.APIKeyPrefix) {
			continue
		}
		hash := gateway.HashKey(k.Key)
		if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
			continue
		}
		prefix := k.Key
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		key := &gateway.APIKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			UserID:        userIDs[k.User],
			Name:          k.Name,
			KeyHash:       hash,
			KeyPrefix:     prefix,
			AllowedModels: k.AllowedModels,
			RPMLimit:      k.RPMLimit,
			Active:        true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}

// GenerateAdminKey creates a random admin token and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
