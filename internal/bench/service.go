// Package bench dispatches client calls to the ingestion components.
package bench

import (
	"context"
	"fmt"

	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/internal/metrics"
	"github.com/saveenergy/latbench/internal/payload"
	"github.com/saveenergy/latbench/internal/reaper"
	"github.com/saveenergy/latbench/internal/session"
	"github.com/saveenergy/latbench/pkg/types"
)

type Service struct {
	engine    *metrics.Engine
	payloads  *payload.Manager
	registrar *session.Registrar
	logger    *logging.Logger
}

func NewService(engine *metrics.Engine, payloads *payload.Manager, registrar *session.Registrar) *Service {
	return &Service{
		engine:    engine,
		payloads:  payloads,
		registrar: registrar,
		logger:    logging.NewLogger("bench"),
	}
}

func (s *Service) Connect(ctx context.Context, identity types.Identity) (types.ConnectionClock, error) {
	return s.registrar.OnConnect(ctx, identity)
}

func (s *Service) Disconnect(identity types.Identity) {
	s.registrar.OnDisconnect(identity)
}

// AddLog ingests one probe on behalf of identity.
func (s *Service) AddLog(ctx context.Context, identity types.Identity, sent float64, underLoad bool) error {
	if _, err := s.engine.Ingest(ctx, sent, underLoad); err != nil {
		return fmt.Errorf("add_log from %s: %w", identity, err)
	}
	return nil
}

// AddData stores one synthetic payload on behalf of identity.
func (s *Service) AddData(ctx context.Context, identity types.Identity, data []int32) error {
	if _, err := s.payloads.Submit(ctx, data); err != nil {
		return fmt.Errorf("add_data from %s: %w", identity, err)
	}
	return nil
}

// DeleteData is the deletion worker exposed as a client call. It runs with
// the caller's identity, so the manager ignores it.
func (s *Service) DeleteData(ctx context.Context, identity types.Identity, deletionID uint64) {
	s.payloads.Reap(ctx, identity, reaper.Task{ID: deletionID})
}
