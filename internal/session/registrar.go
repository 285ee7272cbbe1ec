// Package session records the server clock at each client connect.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/types"
)

type ClockStore interface {
	ReplaceClock(ctx context.Context, c types.ConnectionClock) error
	GetClock(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error)
}

// Registrar keeps exactly one ConnectionClock per identity. Rows are never
// removed on disconnect.
type Registrar struct {
	store  ClockStore
	clock  func() time.Time
	logger *logging.Logger
}

func NewRegistrar(store ClockStore, clock func() time.Time) *Registrar {
	if clock == nil {
		clock = time.Now
	}
	return &Registrar{
		store:  store,
		clock:  clock,
		logger: logging.NewLogger("session"),
	}
}

// OnConnect replaces the identity's clock record with the current time.
func (r *Registrar) OnConnect(ctx context.Context, identity types.Identity) (types.ConnectionClock, error) {
	c := types.ConnectionClock{
		Identity: identity,
		Clock:    types.UnixSeconds(r.clock()),
	}
	if err := r.store.ReplaceClock(ctx, c); err != nil {
		return types.ConnectionClock{}, fmt.Errorf("register %s: %w", identity, err)
	}
	r.logger.Info("client connected",
		logging.Field{Key: "identity", Value: identity},
		logging.Field{Key: "clock", Value: c.Clock})
	return c, nil
}

func (r *Registrar) OnDisconnect(identity types.Identity) {
	r.logger.Info("client disconnected", logging.Field{Key: "identity", Value: identity})
}

func (r *Registrar) Lookup(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error) {
	return r.store.GetClock(ctx, identity)
}
