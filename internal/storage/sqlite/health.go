package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

// GetCredentialHealth returns the health row for a credential, or a fresh
// closed-breaker record when none exists yet.
func (s *Store) GetCredentialHealth(ctx context.Context, credentialID string) (*gateway.CredentialHealth, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT credential_id, request_count, success_count, error_count,
		 total_response_time_ms, health_score, consecutive_failures, breaker_state,
		 opened_at, next_probe_at, half_open_until, half_open_successes,
		 half_open_failures, learned_max_concurrent, last_concurrent_peak,
		 last_probe_increase_at, updated_at
		 FROM credential_health WHERE credential_id = ?`, credentialID)

	var h gateway.CredentialHealth
	var state string
	var openedAt, nextProbeAt, halfOpenUntil, lastProbe, updatedAt sql.NullString
	err := row.Scan(&h.CredentialID, &h.RequestCount, &h.SuccessCount, &h.ErrorCount,
		&h.TotalResponseTimeMs, &h.HealthScore, &h.ConsecutiveFailures, &state,
		&openedAt, &nextProbeAt, &halfOpenUntil, &h.HalfOpenSuccesses,
		&h.HalfOpenFailures, &h.LearnedMaxConcurrent, &h.LastConcurrentPeak,
		&lastProbe, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &gateway.CredentialHealth{
			CredentialID: credentialID,
			HealthScore:  1,
			BreakerState: gateway.BreakerClosed,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	h.BreakerState = gateway.BreakerState(state)
	h.OpenedAt = parseTime(openedAt)
	h.NextProbeAt = parseTime(nextProbeAt)
	h.HalfOpenUntil = parseTime(halfOpenUntil)
	h.LastProbeIncreaseAt = parseTime(lastProbe)
	if t := parseTime(updatedAt); t != nil {
		h.UpdatedAt = *t
	}
	return &h, nil
}

// SaveCredentialHealth upserts a credential's health row. Last writer wins;
// a lost update degrades to approximate counting.
func (s *Store) SaveCredentialHealth(ctx context.Context, h *gateway.CredentialHealth) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credential_health (credential_id, request_count, success_count,
		 error_count, total_response_time_ms, health_score, consecutive_failures,
		 breaker_state, opened_at, next_probe_at, half_open_until,
		 half_open_successes, half_open_failures, learned_max_concurrent,
		 last_concurrent_peak, last_probe_increase_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET
		 request_count=excluded.request_count, success_count=excluded.success_count,
		 error_count=excluded.error_count,
		 total_response_time_ms=excluded.total_response_time_ms,
		 health_score=excluded.health_score,
		 consecutive_failures=excluded.consecutive_failures,
		 breaker_state=excluded.breaker_state, opened_at=excluded.opened_at,
		 next_probe_at=excluded.next_probe_at, half_open_until=excluded.half_open_until,
		 half_open_successes=excluded.half_open_successes,
		 half_open_failures=excluded.half_open_failures,
		 learned_max_concurrent=excluded.learned_max_concurrent,
		 last_concurrent_peak=excluded.last_concurrent_peak,
		 last_probe_increase_at=excluded.last_probe_increase_at,
		 updated_at=excluded.updated_at`,
		h.CredentialID, h.RequestCount, h.SuccessCount, h.ErrorCount,
		h.TotalResponseTimeMs, h.HealthScore, h.ConsecutiveFailures,
		string(h.BreakerState), timeToStr(h.OpenedAt), timeToStr(h.NextProbeAt),
		timeToStr(h.HalfOpenUntil), h.HalfOpenSuccesses, h.HalfOpenFailures,
		h.LearnedMaxConcurrent, h.LastConcurrentPeak,
		timeToStr(h.LastProbeIncreaseAt),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
