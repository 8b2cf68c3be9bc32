// Package types contains public types for the latency benchmark.
// These types are persisted and served by the history API and must remain backwards-compatible.
package types

import "time"

// Strategy identifies how a signed transaction is turned into a confirmed receipt.
type Strategy string

const (
	StrategyAsyncPoll      Strategy = "async"
	StrategySyncSingleCall Strategy = "sync"
	StrategyRealtimePush   Strategy = "realtime"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAsyncPoll, StrategySyncSingleCall, StrategyRealtimePush:
		return true
	}
	return false
}

// Sequencing is the submit/confirm ordering policy of a batch.
type Sequencing string

const (
	SequencingSequential Sequencing = "sequential"
	SequencingPipelined  Sequencing = "pipelined"
)

// Valid reports whether s is a known sequencing policy.
func (s Sequencing) Valid() bool {
	return s == SequencingSequential || s == SequencingPipelined
}

// ConfirmStatus is the confirmation state of a submitted transaction.
type ConfirmStatus string

const (
	StatusPending   ConfirmStatus = "pending"
	StatusConfirmed ConfirmStatus = "confirmed"
	StatusUnknown   ConfirmStatus = "unknown"
)

// ReceiptStatus is the execution result reported by a receipt.
type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// UnknownReason explains why a transaction ended in StatusUnknown.
type UnknownReason string

const (
	UnknownReasonNone      UnknownReason = ""
	UnknownReasonTimeout   UnknownReason = "timeout"
	UnknownReasonMalformed UnknownReason = "malformed_receipt"
)

// SubmissionResult is produced once per accepted submission.
type SubmissionResult struct {
	Index  int           `json:"index"`
	Nonce  uint64        `json:"nonce"`
	TxHash string        `json:"txHash"`
	Send   time.Duration `json:"sendNs"`
	SentAt time.Time     `json:"sentAt"`

	// BlockBefore is the head observed just before submission (untimed).
	BlockBefore    uint64 `json:"blockBefore,omitempty"`
	HasBlockBefore bool   `json:"hasBlockBefore,omitempty"`
}

// ConfirmationOutcome is the result of resolving a submitted transaction.
type ConfirmationOutcome struct {
	TxHash        string        `json:"txHash"`
	Status        ConfirmStatus `json:"status"`
	Receipt       ReceiptStatus `json:"receipt,omitempty"`
	Reason        UnknownReason `json:"reason,omitempty"`
	BlockNumber   uint64        `json:"blockNumber,omitempty"`
	Confirm       time.Duration `json:"confirmNs"`
	BlockDistance *int64        `json:"blockDistance,omitempty"`
}

// LatencyRecord is the per-transaction timing sample.
// Build it with NewLatencyRecord; it is not modified afterwards.
type LatencyRecord struct {
	Index         int           `json:"index"`
	Nonce         uint64        `json:"nonce"`
	TxHash        string        `json:"txHash"`
	Send          time.Duration `json:"sendNs"`
	Confirm       time.Duration `json:"confirmNs"`
	Total         time.Duration `json:"totalNs"`
	Status        ConfirmStatus `json:"status"`
	Receipt       ReceiptStatus `json:"receipt,omitempty"`
	Reason        UnknownReason `json:"reason,omitempty"`
	BlockNumber   uint64        `json:"blockNumber,omitempty"`
	BlockDistance *int64        `json:"blockDistance,omitempty"`
}

// NewLatencyRecord joins a submission with its terminal outcome.
func NewLatencyRecord(sub SubmissionResult, out ConfirmationOutcome) LatencyRecord {
	rec := LatencyRecord{
		Index:       sub.Index,
		Nonce:       sub.Nonce,
		TxHash:      sub.TxHash,
		Send:        sub.Send,
		Confirm:     out.Confirm,
		Total:       sub.Send + out.Confirm,
		Status:      out.Status,
		Receipt:     out.Receipt,
		Reason:      out.Reason,
		BlockNumber: out.BlockNumber,
	}
	if out.BlockDistance != nil {
		d := *out.BlockDistance
		rec.BlockDistance = &d
	}
	return rec
}

// TxFailure records a transaction that produced no LatencyRecord.
type TxFailure struct {
	Index int    `json:"index"`
	Nonce uint64 `json:"nonce"`
	Stage string `json:"stage"` // build, send or confirm
	Error string `json:"error"`
}

// Failure stages.
const (
	StageBuild   = "build"
	StageSend    = "send"
	StageConfirm = "confirm"
)

// PhaseStats holds truncated millisecond statistics for one phase.
type PhaseStats struct {
	MinMs int64 `json:"minMs"`
	MaxMs int64 `json:"maxMs"`
	AvgMs int64 `json:"avgMs"`
}

// BatchSummary is the ordered result of a batch with stats derived from its records.
type BatchSummary struct {
	Records  []LatencyRecord `json:"records"`
	Failures []TxFailure     `json:"failures,omitempty"`
	Send     PhaseStats      `json:"send"`
	Confirm  PhaseStats      `json:"confirm"`
	Total    PhaseStats      `json:"total"`

	// Elapsed is the wall-clock duration of the whole batch, set by the runner.
	Elapsed time.Duration `json:"elapsedNs"`
}

// Count returns the number of recorded transactions.
func (s *BatchSummary) Count() int {
	return len(s.Records)
}

// RunStatus represents the state of a persisted run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// RunInfo describes the environment a batch ran against.
type RunInfo struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Strategy    Strategy   `json:"strategy"`
	Sequencing  Sequencing `json:"sequencing"`
	Method      string     `json:"method"`
	Profile     string     `json:"profile,omitempty"`
	RPCURL      string     `json:"rpcUrl"`
	ChainID     uint64     `json:"chainId"`
	Wallet      string     `json:"wallet"`
	FeeStrategy string     `json:"feeStrategy"`
	GasPriceWei uint64     `json:"gasPriceWei"`
	Requested   int        `json:"requested"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
