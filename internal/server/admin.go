package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/expr"
)

// keyInvalidator is implemented by the auth cache; admin key mutations must
// evict stale entries so revocation takes effect before the cache TTL.
type keyInvalidator interface {
	InvalidateByKeyID(keyID string)
}

// adminAuth requires the configured admin token as a Bearer credential.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) mountAdminRoutes(r chi.Router) {
	r.Post("/users", s.handleCreateUser)
	r.Get("/users/{id}", s.handleGetUser)

	r.Post("/keys", s.handleCreateKey)
	r.Put("/keys/{id}", s.handleUpdateKey)
	r.Delete("/keys/{id}", s.handleDeleteKey)

	r.Post("/providers", s.handleCreateProvider)
	r.Get("/providers", s.handleListProviders)
	r.Get("/providers/{id}", s.handleGetProvider)
	r.Put("/providers/{id}", s.handleUpdateProvider)
	r.Delete("/providers/{id}", s.handleDeleteProvider)

	r.Post("/endpoints", s.handleCreateEndpoint)
	r.Get("/providers/{id}/endpoints", s.handleListEndpoints)
	r.Put("/endpoints/{id}", s.handleUpdateEndpoint)
	r.Delete("/endpoints/{id}", s.handleDeleteEndpoint)

	r.Post("/credentials", s.handleCreateCredential)
	r.Get("/endpoints/{id}/credentials", s.handleListCredentials)
	r.Put("/credentials/{id}", s.handleUpdateCredential)
	r.Delete("/credentials/{id}", s.handleDeleteCredential)

	r.Post("/global-models", s.handleCreateGlobalModel)
	r.Get("/global-models", s.handleListGlobalModels)
	r.Post("/models", s.handleCreateModel)
	r.Get("/providers/{id}/models", s.handleListProviderModels)
	r.Post("/model-mappings", s.handleCreateModelMapping)
	r.Get("/model-mappings", s.handleListModelMappings)

	r.Post("/billing-rules", s.handleCreateBillingRule)
	r.Post("/collectors", s.handleCreateCollector)

	r.Get("/usage/{requestID}", s.handleGetUsage)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u gateway.User
	if !decodeJSON(w, r, &u) {
		return
	}
	if u.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("user name required"))
		return
	}
	u.ID = uuid.Must(uuid.NewV7()).String()
	if u.Role == "" {
		u.Role = "user"
	}
	u.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateUser(r.Context(), &u); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &u)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// createKeyRequest is the admin key-issuance payload. The plaintext is
// generated server side and returned exactly once.
type createKeyRequest struct {
	UserID             string     `json:"user_id,omitempty"`
	Name               string     `json:"name"`
	AllowedProviders   []string   `json:"allowed_providers,omitempty"`
	AllowedEndpoints   []string   `json:"allowed_endpoints,omitempty"`
	AllowedFormats     []string   `json:"allowed_formats,omitempty"`
	AllowedModels      []string   `json:"allowed_models,omitempty"`
	RPMLimit           *int64     `json:"rpm_limit,omitempty"`
	MaxConcurrent      *int       `json:"max_concurrent,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	AutoDeleteOnExpiry bool       `json:"auto_delete_on_expiry"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var in createKeyRequest
	if !decodeJSON(w, r, &in) {
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse("entropy unavailable"))
		return
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := plaintext[:min(len(plaintext), 8)]

	key := &gateway.APIKey{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		UserID:             in.UserID,
		Name:               in.Name,
		KeyHash:            gateway.HashKey(plaintext),
		KeyPrefix:          prefix,
		AllowedProviders:   in.AllowedProviders,
		AllowedEndpoints:   in.AllowedEndpoints,
		AllowedFormats:     in.AllowedFormats,
		AllowedModels:      in.AllowedModels,
		RPMLimit:           in.RPMLimit,
		MaxConcurrent:      in.MaxConcurrent,
		ExpiresAt:          in.ExpiresAt,
		AutoDeleteOnExpiry: in.AutoDeleteOnExpiry,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": key})
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var key gateway.APIKey
	if !decodeJSON(w, r, &key) {
		return
	}
	key.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateKey(r.Context(), &key); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	s.invalidateKey(key.ID)
	writeJSON(w, http.StatusOK, &key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	s.invalidateKey(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) invalidateKey(id string) {
	if inv, ok := s.deps.Auth.(keyInvalidator); ok {
		inv.InvalidateByKeyID(id)
	}
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" || p.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider name and type required"))
		return
	}
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	p.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("provider not found"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.Endpoint
	if !decodeJSON(w, r, &e) {
		return
	}
	if e.ProviderID == "" || e.BaseURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("endpoint provider_id and base_url required"))
		return
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateEndpoint(r.Context(), &e); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &e)
}

func (s *server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.deps.Store.ListEndpoints(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.Endpoint
	if !decodeJSON(w, r, &e) {
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateEndpoint(r.Context(), &e); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, &e)
}

func (s *server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createCredentialRequest carries the secret on create only; reads never
// return it.
type createCredentialRequest struct {
	gateway.Credential
	Secret string `json:"secret"`
}

func (s *server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var in createCredentialRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.EndpointID == "" || in.Secret == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("credential endpoint_id and secret required"))
		return
	}
	c := in.Credential
	c.Secret = in.Secret
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.AuthType == "" {
		c.AuthType = gateway.AuthAPIKey
	}
	if c.RateMultiplier == 0 {
		c.RateMultiplier = 1
	}
	c.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateCredential(r.Context(), &c); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &c)
}

func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Store.ListCredentials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	var in createCredentialRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	c := in.Credential
	c.ID = chi.URLParam(r, "id")
	if in.Secret != "" {
		c.Secret = in.Secret
	} else {
		// Keep the stored secret when the update omits it.
		existing, err := s.deps.Store.GetCredential(r.Context(), c.ID)
		if err != nil {
			writeJSON(w, errorStatus(err), errorResponse("credential not found"))
			return
		}
		c.Secret = existing.Secret
	}
	if err := s.deps.Store.UpdateCredential(r.Context(), &c); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, &c)
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteCredential(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCreateGlobalModel(w http.ResponseWriter, r *http.Request) {
	var m gateway.GlobalModel
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model name required"))
		return
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateGlobalModel(r.Context(), &m); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *server) handleListGlobalModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListGlobalModels(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m gateway.Model
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.ProviderID == "" || m.GlobalModelID == "" || m.UpstreamName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model provider_id, global_model_id, and upstream_name required"))
		return
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateModel(r.Context(), &m); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *server) handleListProviderModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListModels(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *server) handleCreateModelMapping(w http.ResponseWriter, r *http.Request) {
	var m gateway.ModelMapping
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Pattern == "" || m.GlobalModelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("mapping pattern and global_model_id required"))
		return
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateModelMapping(r.Context(), &m); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &m)
}

func (s *server) handleListModelMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.deps.Store.ListModelMappings(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (s *server) handleCreateBillingRule(w http.ResponseWriter, r *http.Request) {
	var rule gateway.BillingRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	// Reject malformed expressions here; the dispatch path assumes stored
	// rules compile.
	if _, err := expr.Compile(rule.Expression); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("expression: "+err.Error()))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rule.TaskType == "" {
		rule.TaskType = "chat"
	}
	rule.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateBillingRule(r.Context(), &rule); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *server) handleCreateCollector(w http.ResponseWriter, r *http.Request) {
	var c gateway.DimensionCollector
	if !decodeJSON(w, r, &c) {
		return
	}
	if c.Dimension == "" || c.Source == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("collector dimension and source required"))
		return
	}
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.ValueType == "" {
		c.ValueType = "float"
	}
	if err := s.deps.Store.CreateCollector(r.Context(), &c); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, &c)
}

// handleGetUsage returns one usage row plus its candidate ledger.
func (s *server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	row, err := s.deps.Store.GetUsageByRequestID(r.Context(), requestID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("usage row not found"))
		return
	}
	candidates, err := s.deps.Store.ListCandidates(r.Context(), requestID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": row, "candidates": candidates})
}
