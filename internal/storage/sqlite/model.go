package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	gateway "github.com/aetherlab/aether/internal"
)

// --- Global models ---

// CreateGlobalModel inserts a canonical model with default pricing.
func (s *Store) CreateGlobalModel(ctx context.Context, m *gateway.GlobalModel) error {
	tiers, err := json.Marshal(m.PriceTiers)
	if err != nil {
		return err
	}
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO global_models (id, name, price_tiers, price_per_request, capabilities, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, string(tiers), m.PricePerRequest, string(caps), boolToInt(m.Enabled))
	return err
}

// GetGlobalModel retrieves a global model by ID.
func (s *Store) GetGlobalModel(ctx context.Context, id string) (*gateway.GlobalModel, error) {
	row := s.read.QueryRowContext(ctx, globalModelSelect+` WHERE id = ?`, id)
	return scanGlobalModel(row)
}

// GetGlobalModelByName retrieves a global model by canonical name.
func (s *Store) GetGlobalModelByName(ctx context.Context, name string) (*gateway.GlobalModel, error) {
	row := s.read.QueryRowContext(ctx, globalModelSelect+` WHERE name = ?`, name)
	return scanGlobalModel(row)
}

// ListGlobalModels returns all global models.
func (s *Store) ListGlobalModels(ctx context.Context) ([]*gateway.GlobalModel, error) {
	rows, err := s.read.QueryContext(ctx, globalModelSelect+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.GlobalModel
	for rows.Next() {
		m, err := scanGlobalModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const globalModelSelect = `SELECT id, name, price_tiers, price_per_request, capabilities, enabled
	 FROM global_models`

func scanGlobalModel(sc scanner) (*gateway.GlobalModel, error) {
	var m gateway.GlobalModel
	var tiers string
	var caps sql.NullString
	var enabled int
	if err := sc.Scan(&m.ID, &m.Name, &tiers, &m.PricePerRequest, &caps, &enabled); err != nil {
		return nil, notFoundErr(err)
	}
	if err := json.Unmarshal([]byte(tiers), &m.PriceTiers); err != nil {
		return nil, err
	}
	if caps.Valid {
		if err := json.Unmarshal([]byte(caps.String), &m.Capabilities); err != nil {
			return nil, err
		}
	}
	m.Enabled = enabled != 0
	return &m, nil
}

// --- Provider models ---

// CreateModel inserts a provider-specific model realization.
func (s *Store) CreateModel(ctx context.Context, m *gateway.Model) error {
	altNames, err := marshalJSONAny(m.AltNames)
	if err != nil {
		return err
	}
	tiers, err := marshalJSONAny(m.PriceTiers)
	if err != nil {
		return err
	}
	caps, err := marshalJSONAny(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO models (id, provider_id, global_model_id, upstream_name,
		 alt_names, price_tiers, capabilities, priority, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.GlobalModelID, m.UpstreamName,
		altNames, tiers, caps, m.Priority, boolToInt(m.Enabled))
	return err
}

// ListModels returns models for one provider.
func (s *Store) ListModels(ctx context.Context, providerID string) ([]*gateway.Model, error) {
	rows, err := s.read.QueryContext(ctx, modelSelect+` WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, err
	}
	return collectModels(rows)
}

// ListAllModels returns every provider model.
func (s *Store) ListAllModels(ctx context.Context) ([]*gateway.Model, error) {
	rows, err := s.read.QueryContext(ctx, modelSelect)
	if err != nil {
		return nil, err
	}
	return collectModels(rows)
}

const modelSelect = `SELECT id, provider_id, global_model_id, upstream_name,
	 alt_names, price_tiers, capabilities, priority, enabled FROM models`

func collectModels(rows *sql.Rows) ([]*gateway.Model, error) {
	defer rows.Close()
	var out []*gateway.Model
	for rows.Next() {
		var m gateway.Model
		var altNames, tiers, caps sql.NullString
		var enabled int
		err := rows.Scan(&m.ID, &m.ProviderID, &m.GlobalModelID, &m.UpstreamName,
			&altNames, &tiers, &caps, &m.Priority, &enabled)
		if err != nil {
			return nil, err
		}
		if altNames.Valid {
			if err := json.Unmarshal([]byte(altNames.String), &m.AltNames); err != nil {
				return nil, err
			}
		}
		if tiers.Valid {
			if err := json.Unmarshal([]byte(tiers.String), &m.PriceTiers); err != nil {
				return nil, err
			}
		}
		if caps.Valid {
			if err := json.Unmarshal([]byte(caps.String), &m.Capabilities); err != nil {
				return nil, err
			}
		}
		m.Enabled = enabled != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Model mappings ---

// CreateModelMapping inserts a model name rewrite rule.
func (s *Store) CreateModelMapping(ctx context.Context, m *gateway.ModelMapping) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_mappings (id, pattern, global_model_id, provider_id, kind, enabled)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Pattern, m.GlobalModelID, m.ProviderID, m.Kind, boolToInt(m.Enabled))
	return err
}

// ListModelMappings returns all enabled model mappings.
func (s *Store) ListModelMappings(ctx context.Context) ([]*gateway.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, pattern, global_model_id, provider_id, kind, enabled
		 FROM model_mappings WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*gateway.ModelMapping
	for rows.Next() {
		var m gateway.ModelMapping
		var enabled int
		if err := rows.Scan(&m.ID, &m.Pattern, &m.GlobalModelID, &m.ProviderID, &m.Kind, &enabled); err != nil {
			return nil, err
		}
		m.Enabled = enabled != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// marshalJSONAny marshals any value to a nullable string, mapping nil
// pointers and empty slices to SQL NULL.
func marshalJSONAny(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case []gateway.ModelAlias:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []gateway.PriceTier:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case *gateway.Capabilities:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
