package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/saveenergy/latbench/pkg/types"
)

// InsertPayload stores data and its pending deletion in one transaction.
func (s *Store) InsertPayload(ctx context.Context, data []int32, scheduledAt time.Time) (types.PendingDeletion, error) {
	var pd types.PendingDeletion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO payloads (data) VALUES (COALESCE(?, x''))`, encodeInts(data))
		if err != nil {
			return fmt.Errorf("insert payload: %w", err)
		}
		payloadID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert payload: last id: %w", err)
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO pending_deletions (scheduled_at, payload_id) VALUES (?, ?)`,
			scheduledAt.UnixNano(), payloadID,
		)
		if err != nil {
			return fmt.Errorf("insert pending deletion: %w", err)
		}
		deletionID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert pending deletion: last id: %w", err)
		}
		pd = types.PendingDeletion{
			ID:          uint64(deletionID),
			ScheduledAt: time.Unix(0, scheduledAt.UnixNano()),
			PayloadID:   uint64(payloadID),
		}
		return nil
	})
	return pd, err
}

// ReapOutcome reports what ConsumeDeletion found.
type ReapOutcome struct {
	Consumed       bool // the pending row existed and was removed
	PayloadDeleted bool
}

// ConsumeDeletion removes the pending deletion and the payload it points to.
// A missing pending row or payload is not an error.
func (s *Store) ConsumeDeletion(ctx context.Context, deletionID uint64) (ReapOutcome, error) {
	var out ReapOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var payloadID uint64
		err := tx.QueryRowContext(ctx,
			`SELECT payload_id FROM pending_deletions WHERE id = ?`, deletionID,
		).Scan(&payloadID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("query pending deletion: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_deletions WHERE id = ?`, deletionID); err != nil {
			return fmt.Errorf("delete pending deletion: %w", err)
		}
		out.Consumed = true
		res, err := tx.ExecContext(ctx, `DELETE FROM payloads WHERE id = ?`, payloadID)
		if err != nil {
			return fmt.Errorf("delete payload: %w", err)
		}
		n, _ := res.RowsAffected()
		out.PayloadDeleted = n > 0
		return nil
	})
	if err != nil {
		return ReapOutcome{}, err
	}
	return out, nil
}

// DueDeletions returns pending deletions scheduled at or before now, oldest
// first.
func (s *Store) DueDeletions(ctx context.Context, now time.Time, limit int) ([]types.PendingDeletion, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scheduled_at, payload_id FROM pending_deletions
		WHERE scheduled_at <= ? ORDER BY scheduled_at, id LIMIT ?`,
		now.UnixNano(), limit,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("query due deletions: %w", err))
	}
	defer rows.Close()

	var out []types.PendingDeletion
	for rows.Next() {
		var (
			pd    types.PendingDeletion
			nanos int64
		)
		if err := rows.Scan(&pd.ID, &nanos, &pd.PayloadID); err != nil {
			return nil, fmt.Errorf("scan pending deletion: %w", err)
		}
		pd.ScheduledAt = time.Unix(0, nanos)
		out = append(out, pd)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate pending deletions: %w", err))
	}
	return out, nil
}

// GetPayload returns the payload or nil when it does not exist.
func (s *Store) GetPayload(ctx context.Context, id uint64) (*types.Payload, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM payloads WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query payload: %w", err))
	}
	data, err := decodeInts(blob)
	if err != nil {
		return nil, err
	}
	return &types.Payload{ID: id, Data: data}, nil
}

func (s *Store) CountPayloads(ctx context.Context) (int, error) {
	return s.count(ctx, "payloads")
}

func (s *Store) CountPendingDeletions(ctx context.Context) (int, error) {
	return s.count(ctx, "pending_deletions")
}

func (s *Store) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count %s: %w", table, err))
	}
	return n, nil
}

func encodeInts(data []int32) []byte {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

func decodeInts(buf []byte) ([]int32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("decode payload: %d bytes is not a multiple of 4", len(buf))
	}
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
