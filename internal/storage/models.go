// Package storage provides persistence for latency run history.
package storage

import (
	"encoding/json"
	"time"

	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Run represents a persisted latency run with its summary statistics.
// JSON tags use camelCase to match the history API.
type Run struct {
	types.RunInfo

	Status       types.RunStatus `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ElapsedMs    int64           `json:"elapsedMs"`
	TxConfirmed  int             `json:"txConfirmed"`
	TxUnknown    int             `json:"txUnknown"`
	TxFailed     int             `json:"txFailed"`

	Send    types.PhaseStats `json:"send"`
	Confirm types.PhaseStats `json:"confirm"`
	Total   types.PhaseStats `json:"total"`

	// Config is the run configuration captured at start, without secrets.
	Config json.RawMessage `json:"config,omitempty"`
}

// Completion is the final state written by CompleteRun.
type Completion struct {
	Status       types.RunStatus
	ErrorMessage string
	Summary      *types.BatchSummary
	CompletedAt  time.Time
}

// RunDetail combines a run with its per-transaction data.
type RunDetail struct {
	Run      *Run                  `json:"run"`
	Records  []types.LatencyRecord `json:"records"`
	Failures []types.TxFailure     `json:"failures"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}
