package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

const nodeColumns = `id, name, ip, port, region, status, tunnel_mode, is_manual,
	 proxy_url, username, password, heartbeat_interval_s, last_heartbeat_at,
	 declared_max_concurrency, learned_max_concurrency, hardware_info,
	 active_connections, total_requests, avg_latency_ms, remote_config,
	 config_version, created_at`

// UpsertNode registers a proxy node, keying on name for tunnel-mode nodes
// and on (ip, port) otherwise. The caller supplies n.ID for the insert path;
// on conflict the existing row's identity wins and n.ID is overwritten.
func (s *Store) UpsertNode(ctx context.Context, n *gateway.ProxyNode) error {
	var existing *gateway.ProxyNode
	var err error
	if n.TunnelMode && !n.IsManual {
		existing, err = s.GetNodeByName(ctx, n.Name)
	} else if !n.IsManual {
		existing, err = s.getNodeByAddr(ctx, n.IP, n.Port)
	} else {
		err = gateway.ErrNotFound
	}
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}

	if existing != nil {
		n.ID = existing.ID
		n.ConfigVersion = existing.ConfigVersion
		n.RemoteConfig = existing.RemoteConfig
		_, err = s.write.ExecContext(ctx,
			`UPDATE proxy_nodes SET name=?, ip=?, port=?, region=?, status=?,
			 heartbeat_interval_s=?, last_heartbeat_at=?, declared_max_concurrency=?,
			 hardware_info=? WHERE id=?`,
			n.Name, n.IP, n.Port, n.Region, string(n.Status),
			n.HeartbeatIntervalS, timeToStr(n.LastHeartbeatAt), n.DeclaredMaxConc,
			rawToNull(n.HardwareInfo), n.ID)
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO proxy_nodes (`+nodeColumns+`) VALUES (`+placeholders(22)+`)`,
		n.ID, n.Name, n.IP, n.Port, n.Region, string(n.Status),
		boolToInt(n.TunnelMode), boolToInt(n.IsManual),
		n.ProxyURL, n.Username, n.Password, n.HeartbeatIntervalS,
		timeToStr(n.LastHeartbeatAt), n.DeclaredMaxConc, n.LearnedMaxConc,
		rawToNull(n.HardwareInfo), n.Stats.ActiveConnections, n.Stats.TotalRequests,
		n.Stats.AvgLatencyMs, rawToNull(n.RemoteConfig), n.ConfigVersion,
		n.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (*gateway.ProxyNode, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM proxy_nodes WHERE id = ?`, id)
	return scanNode(row)
}

// GetNodeByName retrieves a tunnel-mode node by name.
func (s *Store) GetNodeByName(ctx context.Context, name string) (*gateway.ProxyNode, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM proxy_nodes WHERE name = ? AND is_manual = 0`, name)
	return scanNode(row)
}

func (s *Store) getNodeByAddr(ctx context.Context, ip string, port int) (*gateway.ProxyNode, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM proxy_nodes WHERE ip = ? AND port = ? AND is_manual = 0`,
		ip, port)
	return scanNode(row)
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*gateway.ProxyNode, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM proxy_nodes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.ProxyNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNodeHeartbeat records heartbeat metrics and promotes the node to
// online when it was unhealthy.
func (s *Store) UpdateNodeHeartbeat(ctx context.Context, id string, stats gateway.NodeStats, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_nodes SET last_heartbeat_at=?, active_connections=?,
		 total_requests=?, avg_latency_ms=?,
		 status=CASE WHEN status=? THEN ? ELSE status END
		 WHERE id=?`,
		at.UTC().Format(time.RFC3339), stats.ActiveConnections,
		stats.TotalRequests, stats.AvgLatencyMs,
		string(gateway.NodeUnhealthy), string(gateway.NodeOnline), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy node")
}

// UpdateNodeStatus sets a node's registry status.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status gateway.NodeStatus) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_nodes SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy node")
}

// SetNodeRemoteConfig stores a pending remote config push and bumps the
// config version; the node applies it on its next heartbeat.
func (s *Store) SetNodeRemoteConfig(ctx context.Context, id string, cfg []byte) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_nodes SET remote_config=?, config_version=config_version+1 WHERE id=?`,
		rawToNull(cfg), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy node")
}

// DeleteNode removes the node and nulls any provider/endpoint proxy bindings
// that referenced it. Events cascade via the schema.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `DELETE FROM proxy_nodes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "proxy node"); err != nil {
		return err
	}
	// Proxy bindings store {"node_id": "..."}; clear the ones pointing here.
	if _, err := tx.ExecContext(ctx,
		`UPDATE providers SET proxy=NULL WHERE proxy LIKE '%' || ? || '%'`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_endpoints SET proxy=NULL WHERE proxy LIKE '%' || ? || '%'`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendNodeEvent records one connect/disconnect/error event.
func (s *Store) AppendNodeEvent(ctx context.Context, e *gateway.NodeEvent) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO proxy_node_events (id, node_id, kind, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.NodeID, e.Kind, e.Detail, e.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// ListNodeEvents returns the node's events, newest first.
func (s *Store) ListNodeEvents(ctx context.Context, nodeID string) ([]*gateway.NodeEvent, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, node_id, kind, detail, created_at
		 FROM proxy_node_events WHERE node_id=? ORDER BY created_at DESC LIMIT 200`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.NodeEvent
	for rows.Next() {
		var e gateway.NodeEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.NodeID, &e.Kind, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// TrimNodeEvents deletes events older than cutoff.
func (s *Store) TrimNodeEvents(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM proxy_node_events WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func scanNode(sc scanner) (*gateway.ProxyNode, error) {
	var n gateway.ProxyNode
	var status string
	var tunnelMode, isManual int
	var lastHeartbeat, hardware, remoteConfig, createdAt sql.NullString
	err := sc.Scan(&n.ID, &n.Name, &n.IP, &n.Port, &n.Region, &status,
		&tunnelMode, &isManual, &n.ProxyURL, &n.Username, &n.Password,
		&n.HeartbeatIntervalS, &lastHeartbeat, &n.DeclaredMaxConc, &n.LearnedMaxConc,
		&hardware, &n.Stats.ActiveConnections, &n.Stats.TotalRequests,
		&n.Stats.AvgLatencyMs, &remoteConfig, &n.ConfigVersion, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	n.Status = gateway.NodeStatus(status)
	n.TunnelMode = tunnelMode != 0
	n.IsManual = isManual != 0
	n.LastHeartbeatAt = parseTime(lastHeartbeat)
	n.HardwareInfo = rawJSON(hardware)
	n.RemoteConfig = rawJSON(remoteConfig)
	if t := parseTime(createdAt); t != nil {
		n.CreatedAt = *t
	}
	return &n, nil
}
