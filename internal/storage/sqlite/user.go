package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// CreateUser inserts a new tenant.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	providers, err := marshalJSON(u.AllowedProviders)
	if err != nil {
		return err
	}
	endpoints, err := marshalJSON(u.AllowedEndpoints)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	role := u.Role
	if role == "" {
		role = "user"
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, role, quota_usd, used_usd, total_usd,
		 allowed_providers, allowed_endpoints, allowed_models, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, role, u.QuotaUSD, u.UsedUSD, u.TotalUSD,
		providers, endpoints, models, boolToInt(u.Deleted),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetUser retrieves a user by ID. Soft-deleted users are not returned.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, role, quota_usd, used_usd, total_usd,
		 allowed_providers, allowed_endpoints, allowed_models, deleted, created_at, deleted_at
		 FROM users WHERE id = ? AND deleted = 0`, id)

	var u gateway.User
	var providers, endpoints, models sql.NullString
	var deleted int
	var createdAt, deletedAt sql.NullString
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.QuotaUSD, &u.UsedUSD, &u.TotalUSD,
		&providers, &endpoints, &models, &deleted, &createdAt, &deletedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Deleted = deleted != 0
	if u.AllowedProviders, err = unmarshalStringSlice(providers); err != nil {
		return nil, err
	}
	if u.AllowedEndpoints, err = unmarshalStringSlice(endpoints); err != nil {
		return nil, err
	}
	if u.AllowedModels, err = unmarshalStringSlice(models); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	u.DeletedAt = parseTime(deletedAt)
	return &u, nil
}

// AddUserUsage atomically adds usd to the user's used and total counters.
func (s *Store) AddUserUsage(ctx context.Context, id string, usd float64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE users SET used_usd = used_usd + ?, total_usd = total_usd + ? WHERE id = ?`,
		usd, usd, id)
	return err
}
