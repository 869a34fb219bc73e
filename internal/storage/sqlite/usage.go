package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

const usageColumns = `id, request_id, user_id, api_key_id, provider_id, endpoint_id,
	 credential_id, requested_model, resolved_model, api_format, endpoint_api_format,
	 has_format_conversion, task_type, input_tokens, output_tokens,
	 cache_creation_5m_tokens, cache_creation_1h_tokens, cache_read_tokens,
	 cost_usd, upstream_cost_usd, cost_breakdown, stream, status_code,
	 error_category, error_message, response_time_ms, first_byte_time_ms,
	 status, billing_status, request_body, response_body, request_headers,
	 response_headers, metadata, created_at, updated_at`

func usageArgs(u *gateway.Usage, now string) []any {
	return []any{
		u.ID, u.RequestID, u.UserID, u.APIKeyID, u.ProviderID, u.EndpointID,
		u.CredentialID, u.RequestedModel, u.ResolvedModel, u.APIFormat, u.EndpointAPIFormat,
		boolToInt(u.FormatConverted), u.TaskType, u.Tokens.Input, u.Tokens.Output,
		u.Tokens.CacheCreation5m, u.Tokens.CacheCreation1h, u.Tokens.CacheRead,
		u.CostUSD, u.UpstreamCostUSD, rawToNull(u.CostBreakdown), boolToInt(u.Stream),
		u.StatusCode, u.ErrorCategory, u.ErrorMessage, u.ResponseTimeMs, u.FirstByteTimeMs,
		string(u.Status), string(u.BillingStatus), rawToNull(u.RequestBody),
		rawToNull(u.ResponseBody), rawToNull(u.RequestHeaders),
		rawToNull(u.ResponseHeaders), rawToNull(u.Metadata),
		u.CreatedAt.UTC().Format(time.RFC3339), now,
	}
}

// InsertUsage inserts one usage row. A duplicate request_id is an error;
// callers that need at-most-once semantics use UpsertUsageTerminal.
func (s *Store) InsertUsage(ctx context.Context, u *gateway.Usage) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage (`+usageColumns+`) VALUES (`+placeholders(36)+`)`,
		usageArgs(u, now)...)
	return err
}

// GetUsageByRequestID retrieves a usage row by request ID.
func (s *Store) GetUsageByRequestID(ctx context.Context, requestID string) (*gateway.Usage, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage WHERE request_id = ?`, requestID)
	return scanUsage(row)
}

// MarkUsageStreaming flips a pending row to streaming and records first-byte
// latency. Rows already terminal are left untouched.
func (s *Store) MarkUsageStreaming(ctx context.Context, requestID string, firstByteMs int64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE usage SET status = ?, first_byte_time_ms = ?, updated_at = ?
		 WHERE request_id = ? AND status IN (?, ?)`,
		string(gateway.UsageStreaming), firstByteMs,
		time.Now().UTC().Format(time.RFC3339), requestID,
		string(gateway.UsagePending), string(gateway.UsageSubmitted))
	return err
}

// UpsertUsageTerminal applies terminal rows in one statement: new request_ids
// are inserted, existing rows updated in place. Settled rows keep their
// accounting fields.
func (s *Store) UpsertUsageTerminal(ctx context.Context, rows []*gateway.Usage) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	ph := make([]string, len(rows))
	args := make([]any, 0, len(rows)*36)
	for i, u := range rows {
		ph[i] = "(" + placeholders(36) + ")"
		args = append(args, usageArgs(u, now)...)
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO usage (`+usageColumns+`) VALUES `+strings.Join(ph, ", ")+`
		 ON CONFLICT(request_id) DO UPDATE SET
		 provider_id=excluded.provider_id, endpoint_id=excluded.endpoint_id,
		 credential_id=excluded.credential_id, resolved_model=excluded.resolved_model,
		 endpoint_api_format=excluded.endpoint_api_format,
		 has_format_conversion=excluded.has_format_conversion,
		 input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens,
		 cache_creation_5m_tokens=excluded.cache_creation_5m_tokens,
		 cache_creation_1h_tokens=excluded.cache_creation_1h_tokens,
		 cache_read_tokens=excluded.cache_read_tokens,
		 cost_usd=excluded.cost_usd, upstream_cost_usd=excluded.upstream_cost_usd,
		 cost_breakdown=excluded.cost_breakdown, status_code=excluded.status_code,
		 error_category=excluded.error_category, error_message=excluded.error_message,
		 response_time_ms=excluded.response_time_ms,
		 first_byte_time_ms=CASE WHEN excluded.first_byte_time_ms > 0
			 THEN excluded.first_byte_time_ms ELSE usage.first_byte_time_ms END,
		 status=excluded.status, billing_status=excluded.billing_status,
		 response_body=excluded.response_body, response_headers=excluded.response_headers,
		 metadata=excluded.metadata, updated_at=excluded.updated_at
		 WHERE usage.billing_status != 'settled'`,
		args...)
	return err
}

// SettleUsage writes final cost and flips billing_status to settled. A row
// already settled is not modified.
func (s *Store) SettleUsage(ctx context.Context, requestID string, status gateway.UsageStatus, costUSD float64, breakdown []byte, errCategory, errMessage string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage SET status=?, cost_usd=?, cost_breakdown=?,
		 error_category=?, error_message=?, billing_status=?, updated_at=?
		 WHERE request_id=? AND billing_status != ?`,
		string(status), costUSD, rawToNull(breakdown),
		errCategory, errMessage, string(gateway.BillingSettled),
		time.Now().UTC().Format(time.RFC3339), requestID,
		string(gateway.BillingSettled))
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "usage row")
}

// SumUsageCost returns the total accumulated cost for a given API key.
func (s *Store) SumUsageCost(ctx context.Context, keyID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage WHERE api_key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// ReapStale fails pending/streaming rows older than cutoff.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage SET status=?, error_category=?, error_message=?, updated_at=?
		 WHERE status IN (?, ?) AND created_at < ?`,
		string(gateway.UsageFailed), gateway.CategoryTimeout, "reaped: no terminal event",
		time.Now().UTC().Format(time.RFC3339),
		string(gateway.UsagePending), string(gateway.UsageStreaming),
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func scanUsage(sc scanner) (*gateway.Usage, error) {
	var u gateway.Usage
	var converted, stream int
	var status, billingStatus string
	var breakdown, reqBody, respBody, reqHeaders, respHeaders, metadata sql.NullString
	var createdAt, updatedAt sql.NullString
	err := sc.Scan(
		&u.ID, &u.RequestID, &u.UserID, &u.APIKeyID, &u.ProviderID, &u.EndpointID,
		&u.CredentialID, &u.RequestedModel, &u.ResolvedModel, &u.APIFormat, &u.EndpointAPIFormat,
		&converted, &u.TaskType, &u.Tokens.Input, &u.Tokens.Output,
		&u.Tokens.CacheCreation5m, &u.Tokens.CacheCreation1h, &u.Tokens.CacheRead,
		&u.CostUSD, &u.UpstreamCostUSD, &breakdown, &stream, &u.StatusCode,
		&u.ErrorCategory, &u.ErrorMessage, &u.ResponseTimeMs, &u.FirstByteTimeMs,
		&status, &billingStatus, &reqBody, &respBody, &reqHeaders,
		&respHeaders, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.FormatConverted = converted != 0
	u.Stream = stream != 0
	u.Status = gateway.UsageStatus(status)
	u.BillingStatus = gateway.BillingStatus(billingStatus)
	u.CostBreakdown = rawJSON(breakdown)
	u.RequestBody = rawJSON(reqBody)
	u.ResponseBody = rawJSON(respBody)
	u.RequestHeaders = rawJSON(reqHeaders)
	u.ResponseHeaders = rawJSON(respHeaders)
	u.Metadata = rawJSON(metadata)
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}

// --- Candidate ledger ---

// InsertCandidates batch-inserts ledger rows in attempt order.
func (s *Store) InsertCandidates(ctx context.Context, rows []gateway.RequestCandidate) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 13
	ph := make([]string, len(rows))
	args := make([]any, 0, len(rows)*cols)
	for i, c := range rows {
		ph[i] = "(" + placeholders(cols) + ")"
		args = append(args,
			c.ID, c.RequestID, c.Position, c.ProviderID, c.EndpointID, c.CredentialID,
			c.UpstreamModel, string(c.Status), c.SkipReason, c.ErrorCategory,
			c.LatencyMs, c.ObservedInFlight, c.CreatedAt.UTC().Format(time.RFC3339))
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_candidates (id, request_id, position, provider_id,
		 endpoint_id, credential_id, upstream_model, status, skip_reason,
		 error_category, latency_ms, observed_in_flight, created_at)
		 VALUES `+strings.Join(ph, ", "), args...)
	return err
}

// UpdateCandidate records a ledger row's terminal outcome.
func (s *Store) UpdateCandidate(ctx context.Context, id string, status gateway.CandidateStatus, errCategory string, latencyMs int64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE request_candidates SET status=?, error_category=?, latency_ms=? WHERE id=?`,
		string(status), errCategory, latencyMs, id)
	return err
}

// ListCandidates returns the ledger for one request in attempt order.
func (s *Store) ListCandidates(ctx context.Context, requestID string) ([]gateway.RequestCandidate, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, position, provider_id, endpoint_id, credential_id,
		 upstream_model, status, skip_reason, error_category, latency_ms,
		 observed_in_flight, created_at
		 FROM request_candidates WHERE request_id = ? ORDER BY position`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.RequestCandidate
	for rows.Next() {
		var c gateway.RequestCandidate
		var status string
		var createdAt sql.NullString
		err := rows.Scan(&c.ID, &c.RequestID, &c.Position, &c.ProviderID, &c.EndpointID,
			&c.CredentialID, &c.UpstreamModel, &status, &c.SkipReason, &c.ErrorCategory,
			&c.LatencyMs, &c.ObservedInFlight, &createdAt)
		if err != nil {
			return nil, err
		}
		c.Status = gateway.CandidateStatus(status)
		if t := parseTime(createdAt); t != nil {
			c.CreatedAt = *t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
