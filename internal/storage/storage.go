package storage

import (
	"context"
	"errors"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Storage defines the persistence interface for latency runs.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, c Completion) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	GetRecords(ctx context.Context, id string) ([]types.LatencyRecord, error)
	GetFailures(ctx context.Context, id string) ([]types.TxFailure, error)
	DeleteRun(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
