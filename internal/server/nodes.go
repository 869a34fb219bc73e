package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/proxynode"
)

func (s *server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var in proxynode.RegisterInput
	if !decodeJSON(w, r, &in) {
		return
	}
	node, err := s.deps.Nodes.Register(r.Context(), &in)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Nodes.List(r.Context())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("node list unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var stats gateway.NodeStats
	if !decodeJSON(w, r, &stats) {
		return
	}
	ack, err := s.deps.Nodes.Heartbeat(r.Context(), chi.URLParam(r, "id"), stats)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *server) handleNodeConfig(w http.ResponseWriter, r *http.Request) {
	var cfg json.RawMessage
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := s.deps.Nodes.PushConfig(r.Context(), chi.URLParam(r, "id"), cfg); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "staged"})
}

func (s *server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Nodes.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleNodeTunnel hijacks the connection; on success nothing more can be
// written, so only the pre-hijack error path responds.
func (s *server) handleNodeTunnel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Nodes.ServeTunnel(w, r, chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
	}
}

func (s *server) handleNodeTest(w http.ResponseWriter, r *http.Request) {
	node, err := s.deps.Store.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse("node not found"))
		return
	}
	ip, err := s.deps.Nodes.TestConnectivity(r.Context(), node)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"egress_ip": ip})
}

func (s *server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Nodes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
