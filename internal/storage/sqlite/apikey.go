package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

const keyColumns = `id, user_id, name, key_hash, key_prefix,
	 allowed_providers, allowed_endpoints, allowed_formats, allowed_models,
	 rpm_limit, max_concurrent, used_usd, total_requests,
	 expires_at, auto_delete_on_expiry, active, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	providers, err := marshalJSON(key.AllowedProviders)
	if err != nil {
		return err
	}
	endpoints, err := marshalJSON(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	formats, err := marshalJSON(key.AllowedFormats)
	if err != nil {
		return err
	}
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, nullStr(key.UserID), key.Name, key.KeyHash, key.KeyPrefix,
		providers, endpoints, formats, models,
		key.RPMLimit, key.MaxConcurrent, key.UsedUSD, key.TotalRequests,
		timeToStr(key.ExpiresAt), boolToInt(key.AutoDeleteOnExpiry), boolToInt(key.Active),
		timeToStr(key.LastUsedAt), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// UpdateKey updates the mutable configuration of an API key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	providers, err := marshalJSON(key.AllowedProviders)
	if err != nil {
		return err
	}
	endpoints, err := marshalJSON(key.AllowedEndpoints)
	if err != nil {
		return err
	}
	formats, err := marshalJSON(key.AllowedFormats)
	if err != nil {
		return err
	}
	models, err := marshalJSON(key.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, allowed_providers=?, allowed_endpoints=?,
		 allowed_formats=?, allowed_models=?, rpm_limit=?, max_concurrent=?,
		 expires_at=?, auto_delete_on_expiry=?, active=? WHERE id=?`,
		key.Name, providers, endpoints, formats, models,
		key.RPMLimit, key.MaxConcurrent,
		timeToStr(key.ExpiresAt), boolToInt(key.AutoDeleteOnExpiry), boolToInt(key.Active),
		key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed bumps last_used_at, the request counter, and accumulated cost.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, usd float64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=?, total_requests=total_requests+1,
		 used_usd=used_usd+? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), usd, id,
	)
	return err
}

// DeleteExpiredKeys removes expired keys with auto_delete_on_expiry set and
// deactivates the rest. Returns the number of rows deleted.
func (s *Store) DeleteExpiredKeys(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at < ?
		 AND auto_delete_on_expiry = 1`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = s.write.ExecContext(ctx,
		`UPDATE api_keys SET active = 0 WHERE expires_at IS NOT NULL AND expires_at < ?
		 AND active = 1`, cutoff)
	return int(deleted), err
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var userID sql.NullString
	var providers, endpoints, formats, models sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var autoDelete, active int

	err := s.Scan(
		&k.ID, &userID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&providers, &endpoints, &formats, &models,
		&k.RPMLimit, &k.MaxConcurrent, &k.UsedUSD, &k.TotalRequests,
		&expiresAt, &autoDelete, &active, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.UserID = userID.String
	k.AutoDeleteOnExpiry = autoDelete != 0
	k.Active = active != 0
	if k.AllowedProviders, err = unmarshalStringSlice(providers); err != nil {
		return nil, err
	}
	if k.AllowedEndpoints, err = unmarshalStringSlice(endpoints); err != nil {
		return nil, err
	}
	if k.AllowedFormats, err = unmarshalStringSlice(formats); err != nil {
		return nil, err
	}
	if k.AllowedModels, err = unmarshalStringSlice(models); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}
