package config

import (
	"context"
	"strings"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/testutil"
)

func TestBootstrapSeedsUsersAndKeys(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	quota := 25.0
	cfg := Default()
	cfg.Users = []UserEntry{{Name: "ops", Role: "admin", QuotaUSD: &quota}}
	cfg.Keys = []KeyEntry{{Name: "ci", Key: "ae_bootstrap-key-1", User: "ops"}}

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	user, err := store.GetUser(context.Background(), "ops")
	if err != nil {
		t.Fatalf("user not seeded: %v", err)
	}
	if user.Role != "admin" || user.QuotaUSD == nil || *user.QuotaUSD != 25 {
		t.Fatalf("user = %+v", user)
	}

	key, err := store.GetKeyByHash(context.Background(), gateway.HashKey("ae_bootstrap-key-1"))
	if err != nil {
		t.Fatalf("key not seeded: %v", err)
	}
	if key.UserID != user.ID || !key.Active {
		t.Fatalf("key = %+v", key)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	cfg := Default()
	cfg.Users = []UserEntry{{Name: "ops"}}
	cfg.Keys = []KeyEntry{{Name: "ci", Key: "ae_bootstrap-key-2"}}

	for range 2 {
		if err := Bootstrap(context.Background(), cfg, store); err != nil {
			t.Fatalf("bootstrap: %v", err)
		}
	}
	if len(store.Users) != 1 || len(store.Keys) != 1 {
		t.Fatalf("users = %d, keys = %d", len(store.Users), len(store.Keys))
	}
}

func TestBootstrapSkipsForeignKeyFormats(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	cfg := Default()
	cfg.Keys = []KeyEntry{{Name: "bad", Key: "sk-not-ours"}}

	if err := Bootstrap(context.Background(), cfg, store); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(store.Keys) != 0 {
		t.Fatalf("keys = %d", len(store.Keys))
	}
}

func TestGenerateAdminKey(t *testing.T) {
	t.Parallel()
	k1, k2 := GenerateAdminKey(), GenerateAdminKey()
	if !strings.HasPrefix(k1, gateway.APIKeyPrefix) {
		t.Fatalf("key = %q", k1)
	}
	if k1 == k2 {
		t.Fatal("admin keys not random")
	}
}
