package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertDailyStats recomputes the rollups for one UTC day from usage rows.
// Rerunning for the same day replaces the prior aggregates, so misfire
// backfill is idempotent.
func (s *Store) UpsertDailyStats(ctx context.Context, day time.Time) error {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	dayStr := start.Format("2006-01-02")
	startStr := start.Format(time.RFC3339)
	endStr := end.Format(time.RFC3339)

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM stats_daily WHERE day = ?`, dayStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats_daily (day, api_key_id, provider_id, model,
		 request_count, input_tokens, output_tokens, cost_usd)
		 SELECT ?, api_key_id, provider_id, resolved_model,
		 COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM usage WHERE created_at >= ? AND created_at < ?
		 GROUP BY api_key_id, provider_id, resolved_model`,
		dayStr, startStr, endStr); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stats_daily_error WHERE day = ?`, dayStr); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stats_daily_error (day, provider_id, error_category, error_count)
		 SELECT ?, provider_id, error_category, COUNT(*)
		 FROM usage WHERE created_at >= ? AND created_at < ?
		 AND error_category != '' GROUP BY provider_id, error_category`,
		dayStr, startStr, endStr); err != nil {
		return err
	}
	return tx.Commit()
}

// LastAggregatedDay returns the most recent day with rollups, zero if none.
func (s *Store) LastAggregatedDay(ctx context.Context) (time.Time, error) {
	var day string
	err := s.read.QueryRowContext(ctx, `SELECT MAX(day) FROM stats_daily`).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) || day == "" {
		return time.Time{}, nil
	}
	if err != nil {
		// MAX over an empty table yields NULL, which Scan into string rejects.
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", day)
}
