package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/saveenergy/latbench/internal/export"
	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/internal/metrics"
	"github.com/saveenergy/latbench/internal/store"
	"github.com/saveenergy/latbench/pkg/errors"
	"github.com/saveenergy/latbench/pkg/types"
)

// LogStore is the read side of the database the HTTP API serves.
type LogStore interface {
	ListLogs(ctx context.Context, after uint64, limit int) ([]types.LogRecord, error)
	EachLog(ctx context.Context, fn func(types.LogRecord) error) error
	CountLogs(ctx context.Context) (int, error)
	GetClock(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error)
	Ping(ctx context.Context) error
}

// ClockLookup resolves the last connection clock registered for an identity.
type ClockLookup interface {
	Lookup(ctx context.Context, identity types.Identity) (*types.ConnectionClock, error)
}

type Handler struct {
	store   LogStore
	clocks  ClockLookup
	version string
	logger  *logging.Logger
}

func NewHandler(st LogStore) *Handler {
	return &Handler{
		store:   st,
		version: "dev",
		logger:  logging.NewLogger("api"),
	}
}

// SetClockLookup routes clock queries through the session registrar instead
// of reading the store directly.
func (h *Handler) SetClockLookup(l ClockLookup) {
	h.clocks = l
}

func (h *Handler) SetVersion(version string) {
	if version == "" {
		version = "dev"
	}
	h.version = version
}

type VersionResponse struct {
	Version string `json:"version"`
}

type LogsResponse struct {
	Logs []types.LogRecord `json:"logs"`
	// NextAfter is the cursor for the following page; zero when this page
	// was not full.
	NextAfter uint64 `json:"next_after,omitempty"`
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, VersionResponse{Version: h.version}, http.StatusOK)
}

// ListLogs serves one keyset page: ?after=<id>&limit=<n>.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, errors.ErrInvalidConfig("after must be a non-negative integer", err), http.StatusBadRequest)
			return
		}
		after = v
	}
	limit := store.DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, errors.ErrInvalidConfig("limit must be a positive integer", err), http.StatusBadRequest)
			return
		}
		limit = min(v, store.MaxPageSize)
	}

	logs, err := h.store.ListLogs(r.Context(), after, limit)
	if err != nil {
		h.respondStoreError(w, "list logs", err)
		return
	}
	resp := LogsResponse{Logs: logs}
	if len(logs) == limit {
		resp.NextAfter = logs[len(logs)-1].ID
	}
	respondJSON(w, resp, http.StatusOK)
}

// ExportLogs streams the whole log table as CSV, zstd-compressed when the
// client asks for it.
func (h *Handler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	// Fail before the header is committed if the store is unreachable.
	if _, err := h.store.CountLogs(r.Context()); err != nil {
		h.respondStoreError(w, "export logs", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.DefaultFilename))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Add("Vary", "Accept-Encoding")

	var out io.Writer = w
	var enc *zstd.Encoder
	if acceptsZstd(r.Header.Get("Accept-Encoding")) {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			respondError(w, fmt.Errorf("init compressor: %w", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Encoding", "zstd")
		out = enc
	}
	w.WriteHeader(http.StatusOK)

	rows, err := export.WriteCSV(r.Context(), out, h.store)
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		h.logger.Warn("export aborted",
			logging.Field{Key: "rows", Value: rows},
			logging.Field{Key: "error", Value: err})
		return
	}
	h.logger.Debug("export complete", logging.Field{Key: "rows", Value: rows})
}

// GetSummary aggregates every record into per-phase figures and a
// bufferbloat grade.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	var s metrics.Summarizer
	err := h.store.EachLog(r.Context(), func(rec types.LogRecord) error {
		s.Add(rec)
		return nil
	})
	if err != nil {
		h.respondStoreError(w, "summarize logs", err)
		return
	}
	respondJSON(w, s.Summary(), http.StatusOK)
}

func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("identity")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondJSON(w, map[string]string{"error": "invalid identity"}, http.StatusBadRequest)
		return
	}
	identity := types.Identity(id.String())
	var clock *types.ConnectionClock
	if h.clocks != nil {
		clock, err = h.clocks.Lookup(r.Context(), identity)
	} else {
		clock, err = h.store.GetClock(r.Context(), identity)
	}
	if err != nil {
		h.respondStoreError(w, "get clock", err)
		return
	}
	if clock == nil {
		respondJSON(w, map[string]string{"error": "identity has never connected"}, http.StatusNotFound)
		return
	}
	respondJSON(w, clock, http.StatusOK)
}

func (h *Handler) Ready(ctx context.Context) error {
	return h.store.Ping(ctx)
}

func (h *Handler) respondStoreError(w http.ResponseWriter, op string, err error) {
	if stdErrors.Is(err, store.ErrRetryable) {
		w.Header().Set("Retry-After", "1")
		respondError(w, errors.ErrStoreUnavailable, http.StatusServiceUnavailable)
		return
	}
	if errors.IsContextError(err) {
		return
	}
	h.logger.Error(op+" failed", logging.Field{Key: "error", Value: err})
	respondJSON(w, map[string]string{"error": "internal error"}, http.StatusInternalServerError)
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "zstd") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}

func respondError(w http.ResponseWriter, err error, statusCode int) {
	var msg string
	var benchErr *errors.BenchError
	if stdErrors.As(err, &benchErr) {
		msg = benchErr.Message
	} else {
		msg = err.Error()
	}
	respondJSON(w, map[string]string{
		"error": msg,
	}, statusCode)
}
