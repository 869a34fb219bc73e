package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/dispatch"
)

// maxWireBody caps inbound request bodies on the wire routes.
const maxWireBody = 32 << 20

func (s *server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	s.dispatchWire(w, r, gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindChat}, "", nil)
}

func (s *server) handleOpenAIResponses(w http.ResponseWriter, r *http.Request) {
	s.dispatchWire(w, r, gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindCLI}, "", nil)
}

func (s *server) handleClaudeMessages(w http.ResponseWriter, r *http.Request) {
	s.dispatchWire(w, r, gateway.Signature{Family: gateway.FamilyClaude, Kind: gateway.KindChat}, "", nil)
}

// handleGemini serves /v1beta/models/{model}:{action}. The URL carries the
// model and the stream decision; the key query parameter never reaches the
// upstream.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(chi.URLParam(r, "modelAction"), ":")
	if !ok || model == "" {
		writeJSON(w, http.StatusNotFound, errorResponse("malformed model action"))
		return
	}
	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		writeJSON(w, http.StatusNotFound, errorResponse("unsupported action "+action))
		return
	}

	// The client may authenticate via ?key=; drop it before dispatch.
	q := r.URL.Query()
	q.Del("key")
	r.URL.RawQuery = q.Encode()

	sig := gateway.Signature{Family: gateway.FamilyGemini, Kind: gateway.KindChat}
	s.dispatchWire(w, r, sig, model, &stream)
}

func (s *server) handleVideoSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readWireBody(w, r)
	if !ok {
		return
	}
	s.deps.Dispatch.SubmitVideo(r.Context(), w, &dispatch.Request{
		Sig:    gateway.Signature{Family: gateway.FamilyOpenAI, Kind: gateway.KindVideo},
		Body:   body,
		Header: r.Header,
	})
}

// handleVideoStatus serves the gateway-local task view; completed tasks
// include result URLs until they expire upstream.
func (s *server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if errors.Is(err, gateway.ErrNotFound) {
		task, err = s.deps.Store.GetTaskByRequestID(r.Context(), id)
	}
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          task.ID,
		"object":      "video.task",
		"status":      string(task.Status),
		"model":       task.Model,
		"progress":    task.Progress,
		"result_urls": task.ResultURLs,
		"expires_at":  task.ExpiresAt,
		"error_code":  task.ErrorCode,
		"error":       task.ErrorMessage,
		"created_at":  task.CreatedAt.Unix(),
	})
}

// handleListModels exposes the global model catalog in the OpenAI list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListGlobalModels(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("catalog unavailable"))
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		if identity != nil && !modelVisible(identity.AllowedModels, m.Name) {
			continue
		}
		data = append(data, map[string]any{
			"id":       m.Name,
			"object":   "model",
			"owned_by": "aether",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// modelVisible applies the key's model allow-list; nil allows everything.
func modelVisible(list []string, model string) bool {
	if len(list) == 0 {
		return true
	}
	for _, m := range list {
		if m == model {
			return true
		}
	}
	return false
}

func (s *server) dispatchWire(w http.ResponseWriter, r *http.Request, sig gateway.Signature, modelOverride string, streamHint *bool) {
	body, ok := s.readWireBody(w, r)
	if !ok {
		return
	}
	s.deps.Dispatch.Dispatch(r.Context(), w, &dispatch.Request{
		Sig:           sig,
		Body:          body,
		Header:        r.Header,
		ModelOverride: modelOverride,
		StreamHint:    streamHint,
	})
}

func (s *server) readWireBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWireBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
		return nil, false
	}
	return body, true
}
