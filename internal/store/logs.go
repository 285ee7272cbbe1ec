package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/saveenergy/latbench/pkg/types"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// InsertLog appends rec and returns its assigned id. rec.ID is ignored.
func (s *Store) InsertLog(ctx context.Context, rec types.LogRecord) (uint64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (sent, received, latency, jitter, under_load) VALUES (?, ?, ?, ?, ?)`,
		rec.Sent, rec.Received, rec.Latency, rec.Jitter, rec.UnderLoad,
	)
	if err != nil {
		return 0, classify(fmt.Errorf("insert log: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert log: last id: %w", err)
	}
	return uint64(id), nil
}

// LastLog returns the record with the highest id, or nil when empty.
func (s *Store) LastLog(ctx context.Context) (*types.LogRecord, error) {
	var rec types.LogRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sent, received, latency, jitter, under_load FROM logs ORDER BY id DESC LIMIT 1`,
	).Scan(&rec.ID, &rec.Sent, &rec.Received, &rec.Latency, &rec.Jitter, &rec.UnderLoad)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query last log: %w", err))
	}
	return &rec, nil
}

// ListLogs returns up to limit records with id > after, in id order.
func (s *Store) ListLogs(ctx context.Context, after uint64, limit int) ([]types.LogRecord, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sent, received, latency, jitter, under_load FROM logs WHERE id > ? ORDER BY id LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("query logs: %w", err))
	}
	defer rows.Close()

	out := make([]types.LogRecord, 0, limit)
	for rows.Next() {
		var rec types.LogRecord
		if err := rows.Scan(&rec.ID, &rec.Sent, &rec.Received, &rec.Latency, &rec.Jitter, &rec.UnderLoad); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate logs: %w", err))
	}
	return out, nil
}

// EachLog calls fn for every record in id order. It pages through the table
// so the connection is not held while fn runs; records inserted during the
// walk may or may not be visited.
func (s *Store) EachLog(ctx context.Context, fn func(types.LogRecord) error) error {
	var after uint64
	for {
		page, err := s.ListLogs(ctx, after, MaxPageSize)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < MaxPageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *Store) CountLogs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count logs: %w", err))
	}
	return n, nil
}
