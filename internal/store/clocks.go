package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/saveenergy/latbench/pkg/types"
)

// ReplaceClock deletes any clock row for the identity and inserts c, in one
// transaction.
func (s *Store) ReplaceClock(ctx context.Context, c types.ConnectionClock) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM connection_clocks WHERE identity = ?`, string(c.Identity)); err != nil {
			return fmt.Errorf("delete clock: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO connection_clocks (identity, clock) VALUES (?, ?)`,
			string(c.Identity), c.Clock,
		); err != nil {
			return fmt.Errorf("insert clock: %w", err)
		}
		return nil
	})
}

func (s *Store) GetClock(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error) {
	c := types.ConnectionClock{Identity: identity}
	err := s.db.QueryRowContext(ctx,
		`SELECT clock FROM connection_clocks WHERE identity = ?`, string(identity),
	).Scan(&c.Clock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("query clock: %w", err))
	}
	return &c, nil
}

func (s *Store) CountClocks(ctx context.Context) (int, error) {
	return s.count(ctx, "connection_clocks")
}
