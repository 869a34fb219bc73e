package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/credentials"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/cloudauth"
)

// vertexScope is the OAuth scope for Vertex AI publisher endpoints.
const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// awsConfig is the auth_config shape for aws_sigv4 credentials. The
// secret access key lives in Credential.Secret.
type awsConfig struct {
	AccessKeyID string `json:"access_key_id"`
	Region      string `json:"region"`
	Service     string `json:"service,omitempty"` // default bedrock-runtime
}

// AuthDeps carries the collaborators auth transports may need.
type AuthDeps struct {
	Locker  Locker
	Persist PersistFunc
	// RefreshClient performs oauth token exchanges. nil uses a default.
	RefreshClient *http.Client
}

// TransportFor wraps base with the auth decorator matching the credential's
// auth type. The returned RoundTripper is safe for concurrent use and is
// cached by the caller per credential.
func TransportFor(ctx context.Context, cred *gateway.Credential, sig gateway.Signature, base http.RoundTripper, deps AuthDeps) (http.RoundTripper, error) {
	switch cred.AuthType {
	case gateway.AuthAPIKey, "":
		header, prefix := apiKeyHeader(sig.Family)
		return &cloudauth.APIKeyTransport{
			Key:        cred.Secret,
			HeaderName: header,
			Prefix:     prefix,
			Base:       base,
		}, nil

	case gateway.AuthOAuth:
		src, err := NewOAuthSource(cred, deps.RefreshClient, deps.Locker, deps.Persist)
		if err != nil {
			return nil, err
		}
		return &OAuthTransport{Source: src, Base: base}, nil

	case gateway.AuthVertexAI:
		key := []byte(cred.Secret)
		if len(key) == 0 {
			// Some deployments embed the key inside auth_config.
			var cfg struct {
				ServiceAccount json.RawMessage `json:"service_account,omitempty"`
			}
			if err := json.Unmarshal(cred.AuthConfig, &cfg); err == nil && len(cfg.ServiceAccount) > 0 {
				key = cfg.ServiceAccount
			}
		}
		if len(key) == 0 {
			return cloudauthADC(ctx, base)
		}
		return cloudauth.NewGCPServiceAccountTransport(ctx, base, key, vertexScope)

	case gateway.AuthAWSSigV4:
		var cfg awsConfig
		if err := json.Unmarshal(cred.AuthConfig, &cfg); err != nil {
			return nil, fmt.Errorf("aws auth_config for credential %s: %w", cred.ID, err)
		}
		if cfg.AccessKeyID == "" || cfg.Region == "" {
			return nil, fmt.Errorf("%w: aws credential %s missing access_key_id or region", gateway.ErrInvalidRequest, cred.ID)
		}
		service := cfg.Service
		if service == "" {
			service = "bedrock-runtime"
		}
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cred.Secret, "")
		return cloudauth.NewAWSSigV4Transport(base, provider, cfg.Region, service), nil

	default:
		return nil, fmt.Errorf("%w: unknown auth type %q for credential %s", gateway.ErrInvalidRequest, cred.AuthType, cred.ID)
	}
}

func cloudauthADC(ctx context.Context, base http.RoundTripper) (http.RoundTripper, error) {
	return cloudauth.NewGCPOAuthTransport(ctx, base, vertexScope)
}

// apiKeyHeader maps an API family to its key header and value prefix.
func apiKeyHeader(family gateway.APIFamily) (header, prefix string) {
	switch family {
	case gateway.FamilyClaude:
		return "x-api-key", ""
	case gateway.FamilyGemini:
		return "x-goog-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}
