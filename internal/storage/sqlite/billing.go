package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// CreateBillingRule inserts a billing rule. The partial unique indexes
// reject a second enabled rule for the same scope.
func (s *Store) CreateBillingRule(ctx context.Context, r *gateway.BillingRule) error {
	vars, err := marshalJSON(r.Variables)
	if err != nil {
		return err
	}
	mappings, err := marshalJSON(r.Mappings)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO billing_rules (id, global_model_id, model_id, task_type,
		 expression, variables, dimension_mappings, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GlobalModelID, r.ModelID, r.TaskType,
		r.Expression, vars, mappings, boolToInt(r.Enabled),
		r.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// FindBillingRule returns the enabled rule for the scope, preferring the
// Model-level rule over the GlobalModel-level one. ErrNotFound when neither
// exists.
func (s *Store) FindBillingRule(ctx context.Context, modelID, globalModelID, taskType string) (*gateway.BillingRule, error) {
	if modelID != "" {
		r, err := s.queryRule(ctx,
			`WHERE model_id = ? AND task_type = ? AND enabled = 1`, modelID, taskType)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return nil, err
		}
	}
	if globalModelID == "" {
		return nil, gateway.ErrNotFound
	}
	return s.queryRule(ctx,
		`WHERE global_model_id = ? AND model_id IS NULL AND task_type = ? AND enabled = 1`,
		globalModelID, taskType)
}

func (s *Store) queryRule(ctx context.Context, where string, args ...any) (*gateway.BillingRule, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, global_model_id, model_id, task_type, expression, variables,
		 dimension_mappings, enabled, created_at FROM billing_rules `+where, args...)

	var r gateway.BillingRule
	var vars, mappings, createdAt sql.NullString
	var enabled int
	err := row.Scan(&r.ID, &r.GlobalModelID, &r.ModelID, &r.TaskType, &r.Expression,
		&vars, &mappings, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if vars.Valid {
		if err := json.Unmarshal([]byte(vars.String), &r.Variables); err != nil {
			return nil, err
		}
	}
	if mappings.Valid {
		if err := json.Unmarshal([]byte(mappings.String), &r.Mappings); err != nil {
			return nil, err
		}
	}
	r.Enabled = enabled != 0
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}

// CreateCollector inserts a dimension collector.
func (s *Store) CreateCollector(ctx context.Context, c *gateway.DimensionCollector) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO dimension_collectors (id, dimension, family, kind, task_type,
		 source, path, value_type, transform, default_value, priority, required, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Dimension, string(c.Family), string(c.Kind), c.TaskType,
		string(c.Source), c.Path, c.ValueType, c.Transform, c.Default,
		c.Priority, boolToInt(c.Required), boolToInt(c.Enabled))
	return err
}

// ListCollectors returns enabled collectors for the exact scope tuple.
func (s *Store) ListCollectors(ctx context.Context, family gateway.APIFamily, kind gateway.EndpointKind, taskType string) ([]gateway.DimensionCollector, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, dimension, family, kind, task_type, source, path, value_type,
		 transform, default_value, priority, required, enabled
		 FROM dimension_collectors
		 WHERE family = ? AND kind = ? AND task_type = ? AND enabled = 1
		 ORDER BY priority DESC`,
		string(family), string(kind), taskType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.DimensionCollector
	for rows.Next() {
		var c gateway.DimensionCollector
		var fam, knd, source string
		var required, enabled int
		err := rows.Scan(&c.ID, &c.Dimension, &fam, &knd, &c.TaskType, &source,
			&c.Path, &c.ValueType, &c.Transform, &c.Default, &c.Priority,
			&required, &enabled)
		if err != nil {
			return nil, err
		}
		c.Family = gateway.APIFamily(fam)
		c.Kind = gateway.EndpointKind(knd)
		c.Source = gateway.CollectorSource(source)
		c.Required = required != 0
		c.Enabled = enabled != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
