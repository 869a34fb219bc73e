package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	gateway "github.com/aetherlab/aether/internal"
)

// FakeUpstream is an httptest server with a scripted response and request
// counting.
type FakeUpstream struct {
	*httptest.Server
	hits atomic.Int64
}

// Hits returns how many requests the upstream has served.
func (u *FakeUpstream) Hits() int64 { return u.hits.Load() }

// NewJSONUpstream serves one JSON body at the given status for every request.
func NewJSONUpstream(t *testing.T, status int, body string) *FakeUpstream {
	t.Helper()
	u := &FakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(u.Close)
	return u
}

// NewSSEUpstream serves the given data payloads as one SSE stream per
// request, each payload as a separate event.
func NewSSEUpstream(t *testing.T, payloads ...string) *FakeUpstream {
	t.Helper()
	u := &FakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f, _ := w.(http.Flusher)
		for _, p := range payloads {
			w.Write([]byte("data: " + p + "\n\n"))
			if f != nil {
				f.Flush()
			}
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// NewRawUpstream serves body verbatim with the given content type, for
// tests that assert byte-level relay fidelity.
func NewRawUpstream(t *testing.T, contentType, body string) *FakeUpstream {
	t.Helper()
	u := &FakeUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	t.Cleanup(u.Close)
	return u
}

// Identity returns a full-access caller for dispatch tests.
func Identity(keyID, userID string) *gateway.Identity {
	return &gateway.Identity{
		Subject: "ae_test",
		KeyID:   keyID,
		UserID:  userID,
		Role:    "user",
		Perms:   gateway.RolePermissions["user"],
	}
}

// SeedCatalog installs one provider/endpoint/credential/model chain for the
// global model name, pointing the endpoint at baseURL. Returns the IDs used.
type CatalogIDs struct {
	Provider   string
	Endpoint   string
	Credential string
	Global     string
	Model      string
}

// SeedCatalog populates store with a minimal dispatchable catalog.
func SeedCatalog(store *FakeStore, modelName, upstreamName, baseURL string, family gateway.APIFamily, kind gateway.EndpointKind) CatalogIDs {
	ids := CatalogIDs{
		Provider:   "prov-" + modelName,
		Endpoint:   "ep-" + modelName + "-" + string(family),
		Credential: "cred-" + modelName + "-" + string(family),
		Global:     "gm-" + modelName,
		Model:      "m-" + modelName,
	}
	store.Providers[ids.Provider] = &gateway.Provider{
		ID: ids.Provider, Name: "test-" + modelName, Type: string(family), Enabled: true,
	}
	store.Endpoints[ids.Endpoint] = &gateway.Endpoint{
		ID: ids.Endpoint, ProviderID: ids.Provider,
		Family: family, Kind: kind, BaseURL: baseURL, Enabled: true,
	}
	store.Credentials[ids.Credential] = &gateway.Credential{
		ID: ids.Credential, EndpointID: ids.Endpoint, ProviderID: ids.Provider,
		Name: "k1", AuthType: gateway.AuthAPIKey, Secret: "sk-test", Enabled: true,
	}
	store.Globals[ids.Global] = &gateway.GlobalModel{
		ID: ids.Global, Name: modelName, Enabled: true,
		PriceTiers: []gateway.PriceTier{{InputPerM: 1, OutputPerM: 2}},
	}
	store.Models[ids.Model] = &gateway.Model{
		ID: ids.Model, ProviderID: ids.Provider, GlobalModelID: ids.Global,
		UpstreamName: upstreamName, Enabled: true,
	}
	return ids
}
