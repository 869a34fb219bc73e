package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/aetherlab/aether/internal"
)

const taskColumns = `id, request_id, external_task_id, provider_id, endpoint_id,
	 credential_id, model, status, poll_count, max_poll_count, poll_interval_seconds,
	 next_poll_at, retry_count, progress, result_urls, expires_at, error_code,
	 error_message, raw_response, rule_snapshot, price_snapshot, metadata, created_at, completed_at`

// CreateTask inserts a new async video task.
func (s *Store) CreateTask(ctx context.Context, t *gateway.VideoTask) error {
	urls, err := marshalJSON(t.ResultURLs)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO video_tasks (`+taskColumns+`) VALUES (`+placeholders(24)+`)`,
		t.ID, t.RequestID, t.ExternalTaskID, t.ProviderID, t.EndpointID,
		t.CredentialID, t.Model, string(t.Status), t.PollCount, t.MaxPollCount,
		t.PollIntervalS, t.NextPollAt.UTC().Format(time.RFC3339), t.RetryCount,
		t.Progress, urls, timeToStr(t.ExpiresAt), t.ErrorCode, t.ErrorMessage,
		rawToNull(t.RawResponse), rawToNull(t.RuleSnapshot), rawToNull(t.PriceSnapshot),
		rawToNull(t.Metadata), t.CreatedAt.UTC().Format(time.RFC3339), timeToStr(t.CompletedAt))
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*gateway.VideoTask, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM video_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByRequestID retrieves a task by its originating request ID.
func (s *Store) GetTaskByRequestID(ctx context.Context, requestID string) (*gateway.VideoTask, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM video_tasks WHERE request_id = ?`, requestID)
	return scanTask(row)
}

// DueTasks returns up to limit non-terminal tasks ready to poll, ordered by
// next_poll_at.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]*gateway.VideoTask, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM video_tasks
		 WHERE status IN (?, ?) AND next_poll_at <= ? AND poll_count < max_poll_count
		 ORDER BY next_poll_at LIMIT ?`,
		string(gateway.TaskSubmitted), string(gateway.TaskProcessing),
		now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.VideoTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask writes a task's full mutable state.
func (s *Store) UpdateTask(ctx context.Context, t *gateway.VideoTask) error {
	urls, err := marshalJSON(t.ResultURLs)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE video_tasks SET external_task_id=?, status=?, poll_count=?,
		 poll_interval_seconds=?, next_poll_at=?, retry_count=?, progress=?,
		 result_urls=?, expires_at=?, error_code=?, error_message=?,
		 raw_response=?, completed_at=? WHERE id=?`,
		t.ExternalTaskID, string(t.Status), t.PollCount,
		t.PollIntervalS, t.NextPollAt.UTC().Format(time.RFC3339), t.RetryCount,
		t.Progress, urls, timeToStr(t.ExpiresAt), t.ErrorCode, t.ErrorMessage,
		rawToNull(t.RawResponse), timeToStr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "video task")
}

func scanTask(sc scanner) (*gateway.VideoTask, error) {
	var t gateway.VideoTask
	var status string
	var urls, raw, ruleSnap, priceSnap, metadata sql.NullString
	var nextPollAt string
	var expiresAt, createdAt, completedAt sql.NullString
	err := sc.Scan(&t.ID, &t.RequestID, &t.ExternalTaskID, &t.ProviderID, &t.EndpointID,
		&t.CredentialID, &t.Model, &status, &t.PollCount, &t.MaxPollCount,
		&t.PollIntervalS, &nextPollAt, &t.RetryCount, &t.Progress, &urls,
		&expiresAt, &t.ErrorCode, &t.ErrorMessage, &raw, &ruleSnap, &priceSnap,
		&metadata, &createdAt, &completedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	t.Status = gateway.TaskStatus(status)
	t.RawResponse = rawJSON(raw)
	t.RuleSnapshot = rawJSON(ruleSnap)
	t.PriceSnapshot = rawJSON(priceSnap)
	t.Metadata = rawJSON(metadata)
	if t.ResultURLs, err = unmarshalStringSlice(urls); err != nil {
		return nil, err
	}
	if ts, e := time.Parse(time.RFC3339, nextPollAt); e == nil {
		t.NextPollAt = ts
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.CompletedAt = parseTime(completedAt)
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}
