package upstream

import (
	"encoding/json"
	"fmt"
	"strings"

	gateway "github.com/aetherlab/aether/internal"
)

// versionPrefixes are deduplicated when both the base URL and the path carry
// one. /v1beta sorts before /v1 so the longer prefix wins.
var versionPrefixes = []string{"/v1beta", "/v1", "/v2", "/v3"}

// vertexConfig is the auth_config shape for vertex_ai credentials.
type vertexConfig struct {
	ProjectID string `json:"project_id"`
	Location  string `json:"location"`
	Publisher string `json:"publisher,omitempty"`
}

// BuildURL constructs the upstream request URL for one attempt.
//
// vertex_ai credentials synthesize the full Vertex endpoint from auth_config;
// otherwise the endpoint's custom path template ({model} substituted) or the
// signature's default path is appended to the normalized base URL. codex
// providers use a bare /responses path with no /v1 prefix; gemini carries the
// model and action in the path plus alt=sse when streaming.
func BuildURL(e *gateway.Endpoint, cred *gateway.Credential, providerType, model string, stream bool) (string, error) {
	sig := e.Sig()

	if cred != nil && cred.AuthType == gateway.AuthVertexAI {
		return vertexURL(cred, sig, model, stream)
	}

	base := strings.TrimRight(e.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("%w: endpoint %s has no base URL", gateway.ErrInvalidRequest, e.ID)
	}

	var path string
	switch {
	case providerType == "codex" && sig.Family == gateway.FamilyOpenAI && sig.Kind == gateway.KindCLI:
		path = "/responses"
	case e.CustomPath != "":
		path = expandPath(e.CustomPath, model)
	default:
		path = defaultPath(sig, model, stream)
	}
	if path == "" {
		return "", fmt.Errorf("%w: no path for signature %s", gateway.ErrInvalidRequest, sig)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	// Drop a duplicated version prefix ("https://host/v1" + "/v1/...").
	for _, prefix := range versionPrefixes {
		if strings.HasSuffix(base, prefix) && strings.HasPrefix(path, prefix+"/") {
			path = strings.TrimPrefix(path, prefix)
			break
		}
	}

	u := base + path
	if sig.Family == gateway.FamilyGemini && stream {
		u += "?alt=sse"
	}
	return u, nil
}

// expandPath substitutes {model} in a custom path template. Unknown
// placeholders are left intact rather than failing the attempt.
func expandPath(tpl, model string) string {
	return strings.ReplaceAll(tpl, "{model}", model)
}

func defaultPath(sig gateway.Signature, model string, stream bool) string {
	switch sig.Family {
	case gateway.FamilyOpenAI:
		switch sig.Kind {
		case gateway.KindChat:
			return "/v1/chat/completions"
		case gateway.KindCLI:
			return "/v1/responses"
		case gateway.KindVideo:
			return "/v1/videos"
		case gateway.KindImages:
			return "/v1/images/generations"
		case gateway.KindEmbeddings:
			return "/v1/embeddings"
		case gateway.KindModels:
			return "/v1/models"
		case gateway.KindAudio:
			return "/v1/audio/speech"
		}
	case gateway.FamilyClaude:
		switch sig.Kind {
		case gateway.KindChat, gateway.KindCLI:
			return "/v1/messages"
		case gateway.KindModels:
			return "/v1/models"
		}
	case gateway.FamilyGemini:
		switch sig.Kind {
		case gateway.KindChat, gateway.KindCLI:
			return "/v1beta/models/" + model + ":" + geminiAction(stream)
		case gateway.KindModels:
			return "/v1beta/models"
		}
	}
	return ""
}

func geminiAction(stream bool) string {
	if stream {
		return "streamGenerateContent"
	}
	return "generateContent"
}

// vertexURL synthesizes the Vertex AI publisher endpoint.
func vertexURL(cred *gateway.Credential, sig gateway.Signature, model string, stream bool) (string, error) {
	var cfg vertexConfig
	if err := json.Unmarshal(cred.AuthConfig, &cfg); err != nil {
		return "", fmt.Errorf("%w: vertex auth_config: %v", gateway.ErrInvalidRequest, err)
	}
	if cfg.ProjectID == "" || cfg.Location == "" {
		return "", fmt.Errorf("%w: vertex auth_config missing project/location", gateway.ErrInvalidRequest)
	}
	publisher := cfg.Publisher
	if publisher == "" {
		switch sig.Family {
		case gateway.FamilyClaude:
			publisher = "anthropic"
		default:
			publisher = "google"
		}
	}

	var action string
	switch sig.Family {
	case gateway.FamilyClaude:
		if stream {
			action = "streamRawPredict"
		} else {
			action = "rawPredict"
		}
	default:
		action = geminiAction(stream)
	}

	u := fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/%s/models/%s:%s",
		cfg.Location, cfg.ProjectID, cfg.Location, publisher, model, action)
	if sig.Family == gateway.FamilyGemini && stream {
		u += "?alt=sse"
	}
	return u, nil
}
