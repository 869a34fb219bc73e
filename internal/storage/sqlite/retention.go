package sqlite

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"io"
	"time"
)

// Staged usage-row retention. Each method processes at most limit rows older
// than cutoff and reports how many it changed; the cleanup schedule drives
// the batching loop.

// CompressUsageBodies moves request/response body JSON into gzip blob columns
// and nulls the JSON columns.
func (s *Store) CompressUsageBodies(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_body, response_body FROM usage
		 WHERE created_at < ? AND (request_body IS NOT NULL OR response_body IS NOT NULL)
		 LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	type bodyRow struct {
		id       string
		reqBody  sql.NullString
		respBody sql.NullString
	}
	var pending []bodyRow
	for rows.Next() {
		var r bodyRow
		if err := rows.Scan(&r.id, &r.reqBody, &r.respBody); err != nil {
			rows.Close()
			return 0, err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	done := 0
	for _, r := range pending {
		var reqGz, respGz []byte
		if r.reqBody.Valid {
			if reqGz, err = gzipBytes([]byte(r.reqBody.String)); err != nil {
				return done, err
			}
		}
		if r.respBody.Valid {
			if respGz, err = gzipBytes([]byte(r.respBody.String)); err != nil {
				return done, err
			}
		}
		_, err = s.write.ExecContext(ctx,
			`UPDATE usage SET request_body_gz=?, response_body_gz=?,
			 request_body=NULL, response_body=NULL WHERE id=?`,
			reqGz, respGz, r.id)
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// DropCompressedBodies nulls the gzip blob columns.
func (s *Store) DropCompressedBodies(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage SET request_body_gz=NULL, response_body_gz=NULL
		 WHERE id IN (SELECT id FROM usage WHERE created_at < ?
		 AND (request_body_gz IS NOT NULL OR response_body_gz IS NOT NULL) LIMIT ?)`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ClearUsageHeaders nulls the header columns.
func (s *Store) ClearUsageHeaders(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE usage SET request_headers=NULL, response_headers=NULL
		 WHERE id IN (SELECT id FROM usage WHERE created_at < ?
		 AND (request_headers IS NOT NULL OR response_headers IS NOT NULL) LIMIT ?)`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// DeleteOldUsage removes rows entirely.
func (s *Store) DeleteOldUsage(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage WHERE id IN
		 (SELECT id FROM usage WHERE created_at < ? LIMIT ?)`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// gzipBytes compresses b. The round trip through GunzipBytes is exact.
func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GunzipBytes decompresses a blob produced by the compression stage.
func GunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
