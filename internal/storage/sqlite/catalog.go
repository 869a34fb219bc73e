package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// --- Providers ---

// CreateProvider inserts a new provider.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, billing_model, monthly_quota_usd,
		 monthly_used_usd, rpm_limit, priority, proxy, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type, p.BillingModel, p.MonthlyQuotaUSD,
		p.MonthlyUsedUSD, p.RPMLimit, p.Priority, rawToNull(p.Proxy),
		boolToInt(p.Enabled), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx, providerSelect+` WHERE id = ?`, id)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by priority.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx, providerSelect+` ORDER BY priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProvider updates a provider's configuration.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, type=?, billing_model=?, monthly_quota_usd=?,
		 rpm_limit=?, priority=?, proxy=?, enabled=? WHERE id=?`,
		p.Name, p.Type, p.BillingModel, p.MonthlyQuotaUSD,
		p.RPMLimit, p.Priority, rawToNull(p.Proxy), boolToInt(p.Enabled), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider; endpoints and credentials cascade.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// AddProviderUsage adds usd to the provider's monthly usage counter.
func (s *Store) AddProviderUsage(ctx context.Context, id string, usd float64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET monthly_used_usd = monthly_used_usd + ? WHERE id = ?`, usd, id)
	return err
}

// ResetProviderMonthlyUsage zeroes every provider's monthly counter.
func (s *Store) ResetProviderMonthlyUsage(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `UPDATE providers SET monthly_used_usd = 0`)
	return err
}

const providerSelect = `SELECT id, name, type, billing_model, monthly_quota_usd,
	 monthly_used_usd, rpm_limit, priority, proxy, enabled, created_at FROM providers`

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var proxy, createdAt sql.NullString
	var enabled int
	err := sc.Scan(&p.ID, &p.Name, &p.Type, &p.BillingModel, &p.MonthlyQuotaUSD,
		&p.MonthlyUsedUSD, &p.RPMLimit, &p.Priority, &proxy, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Proxy = rawJSON(proxy)
	p.Enabled = enabled != 0
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	return &p, nil
}

// --- Endpoints ---

// CreateEndpoint inserts a new provider endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, e *gateway.Endpoint) error {
	headers, err := marshalJSON(e.Headers)
	if err != nil {
		return err
	}
	accepts, err := marshalJSON(e.AcceptFormats)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_endpoints (id, provider_id, family, kind, base_url,
		 custom_path, headers, accept_formats, stream_conversion,
		 connect_timeout_ms, read_timeout_ms, first_byte_ms, proxy, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProviderID, string(e.Family), string(e.Kind), e.BaseURL,
		e.CustomPath, headers, accepts, boolToInt(e.StreamConversion),
		e.ConnectTimeoutMs, e.ReadTimeoutMs, e.FirstByteMs, rawToNull(e.Proxy),
		boolToInt(e.Enabled),
	)
	return err
}

// ListEndpoints returns endpoints for one provider.
func (s *Store) ListEndpoints(ctx context.Context, providerID string) ([]*gateway.Endpoint, error) {
	rows, err := s.read.QueryContext(ctx, endpointSelect+` WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// ListAllEndpoints returns every endpoint in the catalog.
func (s *Store) ListAllEndpoints(ctx context.Context) ([]*gateway.Endpoint, error) {
	rows, err := s.read.QueryContext(ctx, endpointSelect)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// UpdateEndpoint updates an endpoint's configuration.
func (s *Store) UpdateEndpoint(ctx context.Context, e *gateway.Endpoint) error {
	headers, err := marshalJSON(e.Headers)
	if err != nil {
		return err
	}
	accepts, err := marshalJSON(e.AcceptFormats)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_endpoints SET base_url=?, custom_path=?, headers=?,
		 accept_formats=?, stream_conversion=?, connect_timeout_ms=?,
		 read_timeout_ms=?, first_byte_ms=?, proxy=?, enabled=? WHERE id=?`,
		e.BaseURL, e.CustomPath, headers, accepts, boolToInt(e.StreamConversion),
		e.ConnectTimeoutMs, e.ReadTimeoutMs, e.FirstByteMs, rawToNull(e.Proxy),
		boolToInt(e.Enabled), e.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "endpoint")
}

// DeleteEndpoint removes an endpoint; credentials cascade.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "endpoint")
}

const endpointSelect = `SELECT id, provider_id, family, kind, base_url, custom_path,
	 headers, accept_formats, stream_conversion, connect_timeout_ms, read_timeout_ms,
	 first_byte_ms, proxy, enabled FROM provider_endpoints`

func collectEndpoints(rows *sql.Rows) ([]*gateway.Endpoint, error) {
	defer rows.Close()
	var out []*gateway.Endpoint
	for rows.Next() {
		var e gateway.Endpoint
		var family, kind string
		var headers, accepts, proxy sql.NullString
		var streamConv, enabled int
		err := rows.Scan(&e.ID, &e.ProviderID, &family, &kind, &e.BaseURL, &e.CustomPath,
			&headers, &accepts, &streamConv, &e.ConnectTimeoutMs, &e.ReadTimeoutMs,
			&e.FirstByteMs, &proxy, &enabled)
		if err != nil {
			return nil, err
		}
		e.Family = gateway.APIFamily(family)
		e.Kind = gateway.EndpointKind(kind)
		e.StreamConversion = streamConv != 0
		e.Enabled = enabled != 0
		e.Proxy = rawJSON(proxy)
		if headers.Valid {
			if err := unmarshalInto(headers, &e.Headers); err != nil {
				return nil, err
			}
		}
		if e.AcceptFormats, err = unmarshalStringSlice(accepts); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Credentials ---

// CreateCredential inserts a new upstream credential.
func (s *Store) CreateCredential(ctx context.Context, c *gateway.Credential) error {
	include, err := marshalJSON(c.ModelInclude)
	if err != nil {
		return err
	}
	exclude, err := marshalJSON(c.ModelExclude)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO provider_api_keys (id, endpoint_id, provider_id, name, auth_type,
		 secret, auth_config, priority, rate_multiplier, rate_limit, max_concurrent,
		 daily_quota_usd, monthly_quota_usd, daily_used_usd, monthly_used_usd,
		 model_include, model_exclude, quota_snapshot, cache_ttl_minutes,
		 max_probe_interval_minutes, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EndpointID, c.ProviderID, c.Name, string(c.AuthType),
		c.Secret, rawToNull(c.AuthConfig), c.Priority, c.RateMultiplier,
		c.RateLimit, c.MaxConcurrent,
		c.DailyQuotaUSD, c.MonthlyQuotaUSD, c.DailyUsedUSD, c.MonthlyUsedUSD,
		include, exclude, rawToNull(c.QuotaSnapshot), c.CacheTTLMinutes,
		c.MaxProbeIntervalMin, boolToInt(c.Enabled),
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*gateway.Credential, error) {
	row := s.read.QueryRowContext(ctx, credentialSelect+` WHERE id = ?`, id)
	return scanCredential(row)
}

// ListCredentials returns credentials for one endpoint.
func (s *Store) ListCredentials(ctx context.Context, endpointID string) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		credentialSelect+` WHERE endpoint_id = ? ORDER BY priority`, endpointID)
	if err != nil {
		return nil, err
	}
	return collectCredentials(rows)
}

// ListAllCredentials returns every credential in the catalog.
func (s *Store) ListAllCredentials(ctx context.Context) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx, credentialSelect+` ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	return collectCredentials(rows)
}

// UpdateCredential updates a credential's configuration.
func (s *Store) UpdateCredential(ctx context.Context, c *gateway.Credential) error {
	include, err := marshalJSON(c.ModelInclude)
	if err != nil {
		return err
	}
	exclude, err := marshalJSON(c.ModelExclude)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_api_keys SET name=?, auth_type=?, secret=?, auth_config=?,
		 priority=?, rate_multiplier=?, rate_limit=?, max_concurrent=?,
		 daily_quota_usd=?, monthly_quota_usd=?, model_include=?, model_exclude=?,
		 quota_snapshot=?, cache_ttl_minutes=?, max_probe_interval_minutes=?, enabled=?
		 WHERE id=?`,
		c.Name, string(c.AuthType), c.Secret, rawToNull(c.AuthConfig),
		c.Priority, c.RateMultiplier, c.RateLimit, c.MaxConcurrent,
		c.DailyQuotaUSD, c.MonthlyQuotaUSD, include, exclude,
		rawToNull(c.QuotaSnapshot), c.CacheTTLMinutes, c.MaxProbeIntervalMin,
		boolToInt(c.Enabled), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// AddCredentialUsage adds usd to the credential's daily and monthly counters.
func (s *Store) AddCredentialUsage(ctx context.Context, id string, usd float64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE provider_api_keys SET daily_used_usd = daily_used_usd + ?,
		 monthly_used_usd = monthly_used_usd + ? WHERE id = ?`, usd, usd, id)
	return err
}

// UpdateCredentialSecret persists a refreshed OAuth token.
func (s *Store) UpdateCredentialSecret(ctx context.Context, id, secret string, authConfig []byte) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE provider_api_keys SET secret=?, auth_config=? WHERE id=?`,
		secret, rawToNull(authConfig), id)
	return err
}

const credentialSelect = `SELECT id, endpoint_id, provider_id, name, auth_type, secret,
	 auth_config, priority, rate_multiplier, rate_limit, max_concurrent,
	 daily_quota_usd, monthly_quota_usd, daily_used_usd, monthly_used_usd,
	 model_include, model_exclude, quota_snapshot, cache_ttl_minutes,
	 max_probe_interval_minutes, enabled, created_at FROM provider_api_keys`

func scanCredential(sc scanner) (*gateway.Credential, error) {
	var c gateway.Credential
	var authType string
	var authConfig, include, exclude, snapshot, createdAt sql.NullString
	var enabled int
	err := sc.Scan(&c.ID, &c.EndpointID, &c.ProviderID, &c.Name, &authType, &c.Secret,
		&authConfig, &c.Priority, &c.RateMultiplier, &c.RateLimit, &c.MaxConcurrent,
		&c.DailyQuotaUSD, &c.MonthlyQuotaUSD, &c.DailyUsedUSD, &c.MonthlyUsedUSD,
		&include, &exclude, &snapshot, &c.CacheTTLMinutes,
		&c.MaxProbeIntervalMin, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	c.AuthType = gateway.CredentialAuthType(authType)
	c.AuthConfig = rawJSON(authConfig)
	c.QuotaSnapshot = rawJSON(snapshot)
	c.Enabled = enabled != 0
	if c.ModelInclude, err = unmarshalStringSlice(include); err != nil {
		return nil, err
	}
	if c.ModelExclude, err = unmarshalStringSlice(exclude); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		c.CreatedAt = *t
	}
	return &c, nil
}

func collectCredentials(rows *sql.Rows) ([]*gateway.Credential, error) {
	defer rows.Close()
	var out []*gateway.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func unmarshalInto(ns sql.NullString, v any) error {
	if !ns.Valid {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}
