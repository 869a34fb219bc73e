// Package proxynode manages the fleet of remote proxy nodes: registration,
// heartbeats, config push, the reverse-tunnel transport, and the health
// sweeper that demotes silent nodes.
package proxynode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"

	gateway "github.com/aetherlab/aether/internal"
	"github.com/aetherlab/aether/internal/storage"
	"github.com/aetherlab/aether/internal/telemetry"
)

const (
	// minOfflineAge floors the sweeper's offline threshold so a node with a
	// short heartbeat interval is not flapped offline by one missed beat.
	minOfflineAge    = 90 * time.Second
	offlineMultiple  = 3
	connectivityURL  = "https://1.1.1.1/cdn-cgi/trace"
	connectivityWait = 15 * time.Second
)

// Registry is the node control plane.
type Registry struct {
	store   storage.Store
	tunnels *Manager // nil when tunnel serving is disabled
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewRegistry returns a node registry.
func NewRegistry(store storage.Store, tunnels *Manager, metrics *telemetry.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		tunnels: tunnels,
		metrics: metrics,
		logger:  logger.With("component", "proxynode"),
	}
}

// RegisterInput is a node's self-registration payload.
type RegisterInput struct {
	Name               string          `json:"name"`
	IP                 string          `json:"ip,omitempty"`
	Port               int             `json:"port,omitempty"`
	Region             string          `json:"region,omitempty"`
	TunnelMode         bool            `json:"tunnel_mode"`
	HeartbeatIntervalS int             `json:"heartbeat_interval_s,omitempty"`
	DeclaredMaxConc    int             `json:"declared_max_concurrency,omitempty"`
	HardwareInfo       json.RawMessage `json:"hardware_info,omitempty"`
}

// Register upserts a node. Tunnel nodes key on name and start unhealthy
// until the tunnel opens; direct nodes key on (ip, port).
func (r *Registry) Register(ctx context.Context, in *RegisterInput) (*gateway.ProxyNode, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("%w: node name required", gateway.ErrInvalidRequest)
	}
	if !in.TunnelMode && (in.IP == "" || in.Port == 0) {
		return nil, fmt.Errorf("%w: direct node requires ip and port", gateway.ErrInvalidRequest)
	}
	if in.HeartbeatIntervalS <= 0 {
		in.HeartbeatIntervalS = 30
	}

	now := time.Now().UTC()
	node := &gateway.ProxyNode{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		Name:               in.Name,
		IP:                 in.IP,
		Port:               in.Port,
		Region:             in.Region,
		TunnelMode:         in.TunnelMode,
		HeartbeatIntervalS: in.HeartbeatIntervalS,
		DeclaredMaxConc:    in.DeclaredMaxConc,
		HardwareInfo:       in.HardwareInfo,
		LastHeartbeatAt:    &now,
		CreatedAt:          now,
	}
	if in.TunnelMode {
		node.Status = gateway.NodeUnhealthy
	} else {
		node.Status = gateway.NodeOnline
	}
	if err := r.store.UpsertNode(ctx, node); err != nil {
		return nil, err
	}
	r.event(ctx, node.ID, "connect", "registered")
	return node, nil
}

// HeartbeatAck is returned to the node so it can apply pending config.
type HeartbeatAck struct {
	ConfigVersion int             `json:"config_version"`
	RemoteConfig  json.RawMessage `json:"remote_config,omitempty"`
}

// Heartbeat records node stats and promotes an unhealthy node back online.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, stats gateway.NodeStats) (*HeartbeatAck, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := r.store.UpdateNodeHeartbeat(ctx, nodeID, stats, time.Now().UTC()); err != nil {
		return nil, err
	}
	if node.Status == gateway.NodeUnhealthy && (!node.TunnelMode || r.tunnelConnected(nodeID)) {
		if err := r.store.UpdateNodeStatus(ctx, nodeID, gateway.NodeOnline); err == nil {
			r.event(ctx, nodeID, "connect", "heartbeat recovered")
		}
	}
	return &HeartbeatAck{ConfigVersion: node.ConfigVersion, RemoteConfig: node.RemoteConfig}, nil
}

// PushConfig stages new remote config; the node applies it on its next
// heartbeat ACK.
func (r *Registry) PushConfig(ctx context.Context, nodeID string, cfg json.RawMessage) error {
	return r.store.SetNodeRemoteConfig(ctx, nodeID, cfg)
}

// Delete removes a node; the store cascades proxy bindings.
func (r *Registry) Delete(ctx context.Context, nodeID string) error {
	if err := r.store.DeleteNode(ctx, nodeID); err != nil {
		return err
	}
	r.logger.Info("node deleted", "node_id", nodeID)
	return nil
}

// List returns all nodes with passwords masked.
func (r *Registry) List(ctx context.Context) ([]*gateway.ProxyNode, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*gateway.ProxyNode, len(nodes))
	for i, n := range nodes {
		cp := *n
		cp.Password = cp.MaskedPassword()
		out[i] = &cp
	}
	return out, nil
}

// Sweep reconciles node statuses. The tunnel manager's in-process view wins
// for tunnel nodes; everything else degrades on heartbeat age alone.
func (r *Registry) Sweep(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	online := 0
	for _, node := range nodes {
		want := r.desiredStatus(node, now)
		if want == gateway.NodeOnline {
			online++
		}
		if want == node.Status {
			continue
		}
		if err := r.store.UpdateNodeStatus(ctx, node.ID, want); err != nil {
			r.logger.Warn("status update failed", "node_id", node.ID, "error", err)
			continue
		}
		kind := "connect"
		if want != gateway.NodeOnline {
			kind = "disconnect"
		}
		r.event(ctx, node.ID, kind, fmt.Sprintf("%s -> %s", node.Status, want))
	}
	if r.metrics != nil {
		r.metrics.NodesOnline.Set(float64(online))
	}
	return nil
}

func (r *Registry) desiredStatus(node *gateway.ProxyNode, now time.Time) gateway.NodeStatus {
	if node.IsManual {
		return gateway.NodeOnline
	}
	if node.TunnelMode && r.tunnelConnected(node.ID) {
		return gateway.NodeOnline
	}
	if node.LastHeartbeatAt == nil {
		return gateway.NodeOffline
	}
	age := now.Sub(*node.LastHeartbeatAt)
	threshold := time.Duration(node.HeartbeatIntervalS) * time.Second * offlineMultiple
	if threshold < minOfflineAge {
		threshold = minOfflineAge
	}
	if age >= threshold {
		return gateway.NodeOffline
	}
	if node.TunnelMode {
		return gateway.NodeUnhealthy // heartbeats flow but no tunnel
	}
	return gateway.NodeOnline
}

func (r *Registry) tunnelConnected(nodeID string) bool {
	return r.tunnels != nil && r.tunnels.Connected(nodeID)
}

// Events returns the node's recent event log.
func (r *Registry) Events(ctx context.Context, nodeID string) ([]*gateway.NodeEvent, error) {
	return r.store.ListNodeEvents(ctx, nodeID)
}

func (r *Registry) event(ctx context.Context, nodeID, kind, detail string) {
	err := r.store.AppendNodeEvent(ctx, &gateway.NodeEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		NodeID:    nodeID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("node event append failed", "node_id", nodeID, "error", err)
	}
}

var traceIPRe = regexp.MustCompile(`(?m)^ip=(\S+)$`)

// TestConnectivity routes a trace request through the node's proxy and
// returns the egress IP it reports.
func (r *Registry) TestConnectivity(ctx context.Context, node *gateway.ProxyNode) (string, error) {
	proxyRaw := node.ProxyURL
	if proxyRaw == "" && node.IP != "" {
		proxyRaw = fmt.Sprintf("http://%s:%d", node.IP, node.Port)
	}
	if proxyRaw == "" {
		return "", fmt.Errorf("%w: node has no proxy address", gateway.ErrInvalidRequest)
	}
	proxyURL, err := url.Parse(proxyRaw)
	if err != nil {
		return "", fmt.Errorf("parse proxy url %s: %w", SanitizeProxyURL(proxyRaw), err)
	}
	if node.Username != "" {
		proxyURL.User = url.UserPassword(node.Username, node.Password)
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   connectivityWait,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, connectivityURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("trace via %s: %w", SanitizeProxyURL(proxyRaw), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	m := traceIPRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("trace response carried no ip field")
	}
	return string(m[1]), nil
}

var proxyCredRe = regexp.MustCompile(`://[^@/]+@`)

// SanitizeProxyURL strips embedded credentials for logs and errors.
func SanitizeProxyURL(raw string) string {
	return proxyCredRe.ReplaceAllString(raw, "://***@")
}

// ServeTunnel upgrades an agent's HTTP request into a tunnel connection.
// The node must already be registered; the hijacked connection joins the
// manager's pool and flips the node online.
func (r *Registry) ServeTunnel(w http.ResponseWriter, req *http.Request, nodeID string) error {
	if r.tunnels == nil {
		return fmt.Errorf("tunnel serving disabled")
	}
	ctx := req.Context()
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.TunnelMode {
		return fmt.Errorf("%w: node %s is not tunnel mode", gateway.ErrInvalidRequest, nodeID)
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("tunnel: responsewriter cannot hijack")
	}
	w.WriteHeader(http.StatusSwitchingProtocols)
	conn, rw, err := hj.Hijack()
	if err != nil {
		return err
	}
	flushHijacked(rw)
	r.tunnels.Adopt(nodeID, conn)

	bg := context.WithoutCancel(ctx)
	if err := r.store.UpdateNodeStatus(bg, nodeID, gateway.NodeOnline); err == nil {
		r.event(bg, nodeID, "connect", "tunnel opened")
	}
	return nil
}

func flushHijacked(rw *bufio.ReadWriter) {
	if rw != nil {
		rw.Flush()
	}
}
