package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
)

// snapshotTTL is how long a catalog snapshot stays cached. Short enough to
// pick up config changes quickly, long enough to keep the hot path off the
// database.
const snapshotTTL = 10 * time.Second

// Snapshot is one consistent read of the routing catalog.
type Snapshot struct {
	Providers    []*gateway.Provider
	Endpoints    map[string][]*gateway.Endpoint   // by provider ID
	Credentials  map[string][]*gateway.Credential // by endpoint ID
	Models       map[string][]*gateway.Model      // by provider ID
	GlobalByID   map[string]*gateway.GlobalModel
	GlobalByName map[string]*gateway.GlobalModel
	Mappings     []*gateway.ModelMapping
}

// CatalogSource produces catalog snapshots for planning.
type CatalogSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// StoreSource reads snapshots from the store with a TTL cache in front.
type StoreSource struct {
	catalog storage.CatalogStore
	models  storage.ModelStore
	cache   *otter.Cache[string, *Snapshot]
}

// NewStoreSource builds a cached source over the store.
func NewStoreSource(catalog storage.CatalogStore, models storage.ModelStore) *StoreSource {
	cache := otter.Must(&otter.Options[string, *Snapshot]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, *Snapshot](snapshotTTL),
	})
	return &StoreSource{catalog: catalog, models: models, cache: cache}
}

const snapshotKey = "catalog"

// Snapshot returns the cached snapshot, reloading it after the TTL.
func (s *StoreSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap, ok := s.cache.GetIfPresent(snapshotKey); ok {
		return snap, nil
	}
	snap, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(snapshotKey, snap)
	return snap, nil
}

// Invalidate forces the next Snapshot call to reload.
func (s *StoreSource) Invalidate() { s.cache.Invalidate(snapshotKey) }

func (s *StoreSource) load(ctx context.Context) (*Snapshot, error) {
	providers, err := s.catalog.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	endpoints, err := s.catalog.ListAllEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("load endpoints: %w", err)
	}
	credentials, err := s.catalog.ListAllCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	models, err := s.models.ListAllModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	globals, err := s.models.ListGlobalModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global models: %w", err)
	}
	mappings, err := s.models.ListModelMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load model mappings: %w", err)
	}

	snap := &Snapshot{
		Providers:    providers,
		Endpoints:    make(map[string][]*gateway.Endpoint),
		Credentials:  make(map[string][]*gateway.Credential),
		Models:       make(map[string][]*gateway.Model),
		GlobalByID:   make(map[string]*gateway.GlobalModel),
		GlobalByName: make(map[string]*gateway.GlobalModel),
		Mappings:     mappings,
	}
	for _, e := range endpoints {
		snap.Endpoints[e.ProviderID] = append(snap.Endpoints[e.ProviderID], e)
	}
	for _, c := range credentials {
		snap.Credentials[c.EndpointID] = append(snap.Credentials[c.EndpointID], c)
	}
	for _, m := range models {
		snap.Models[m.ProviderID] = append(snap.Models[m.ProviderID], m)
	}
	for _, g := range globals {
		snap.GlobalByID[g.ID] = g
		snap.GlobalByName[g.Name] = g
	}
	return snap, nil
}
