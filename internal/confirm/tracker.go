// Package confirm resolves submitted transactions into confirmation outcomes by polling receipts.
package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// NoTimeout disables the per-transaction confirmation timeout.
const NoTimeout time.Duration = -1

// Defaults for batch mode.
const (
	DefaultMaxBatchSize   = 50
	DefaultConcurrency    = 16
	DefaultMaxRoundErrors = 5
)

// ReceiptSource fetches a single receipt. A nil receipt with a nil error means not yet included.
type ReceiptSource interface {
	GetTransactionReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error)
}

// BatchReceiptSource fetches many receipts in one request.
// The result is indexed like txHashes; nil entries are still pending.
type BatchReceiptSource interface {
	GetTransactionReceiptsBatch(ctx context.Context, txHashes []string) ([]*rpc.TransactionReceipt, error)
}

// Config configures a Tracker.
type Config struct {
	Source ReceiptSource

	// PollInterval is the delay between receipt queries. Zero polls without delay.
	PollInterval time.Duration
	// InitialDelay is waited once before the first query.
	InitialDelay time.Duration
	// Timeout bounds each transaction from its sent-at instant.
	// NoTimeout waits forever; zero queries once and gives up.
	Timeout time.Duration

	// MaxBatchSize is the number of hashes per batch request in AwaitAll.
	MaxBatchSize int
	// Concurrency bounds the per-hash fan-out when Source has no batch support.
	Concurrency int
	// MaxRoundErrors is the number of consecutive failed rounds after which
	// AwaitAll fails every pending entry.
	MaxRoundErrors int
	// DisableBatch forces the per-hash fan-out even when Source supports batching.
	DisableBatch bool

	Logger *slog.Logger
}

// Tracker waits for receipts of submitted transactions.
// It is safe for concurrent use.
type Tracker struct {
	source   ReceiptSource
	batch    BatchReceiptSource
	interval time.Duration
	initial  time.Duration
	timeout  time.Duration
	maxBatch int
	conc     int
	maxErrs  int
	logger   *slog.Logger

	now func() time.Time
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		source:   cfg.Source,
		interval: cfg.PollInterval,
		initial:  cfg.InitialDelay,
		timeout:  cfg.Timeout,
		maxBatch: cfg.MaxBatchSize,
		conc:     cfg.Concurrency,
		maxErrs:  cfg.MaxRoundErrors,
		logger:   logger,
		now:      time.Now,
	}
	if t.maxBatch <= 0 {
		t.maxBatch = DefaultMaxBatchSize
	}
	if t.conc <= 0 {
		t.conc = DefaultConcurrency
	}
	if t.maxErrs <= 0 {
		t.maxErrs = DefaultMaxRoundErrors
	}
	if b, ok := cfg.Source.(BatchReceiptSource); ok && !cfg.DisableBatch {
		t.batch = b
	}
	return t
}

// Await polls until sub is confirmed, its timeout elapses or a receipt query fails.
// A timeout is reported as an unknown outcome, not an error.
func (t *Tracker) Await(ctx context.Context, sub types.SubmissionResult) (types.ConfirmationOutcome, error) {
	if err := sleep(ctx, t.initial); err != nil {
		return types.ConfirmationOutcome{}, err
	}

	for {
		receipt, err := t.source.GetTransactionReceipt(ctx, sub.TxHash)
		if err != nil {
			return types.ConfirmationOutcome{}, fmt.Errorf("failed to get receipt for %s: %w", sub.TxHash, err)
		}

		now := t.now()
		if receipt != nil {
			return Outcome(sub, receipt, now.Sub(sub.SentAt)), nil
		}
		if t.expired(sub, now) {
			return timedOut(sub, now), nil
		}

		if err := sleep(ctx, t.interval); err != nil {
			return types.ConfirmationOutcome{}, err
		}
	}
}

// AwaitAll resolves every submission. Outcomes and errors are indexed like subs;
// for each index exactly one of them is set.
//
// Each round queries only the hashes still pending, so a resolved hash is never queried again.
// Rounds are separated by the poll interval, and each entry times out on its own.
func (t *Tracker) AwaitAll(ctx context.Context, subs []types.SubmissionResult) ([]types.ConfirmationOutcome, []error) {
	outcomes := make([]types.ConfirmationOutcome, len(subs))
	errs := make([]error, len(subs))

	pending := make([]int, len(subs))
	for i := range subs {
		pending[i] = i
	}

	if err := sleep(ctx, t.initial); err != nil {
		failAll(errs, pending, err)
		return outcomes, errs
	}

	failedRounds := 0
	for round := 1; len(pending) > 0; round++ {
		hashes := make([]string, len(pending))
		for i, idx := range pending {
			hashes[i] = subs[idx].TxHash
		}

		receipts, err := t.queryRound(ctx, hashes)
		if ctx.Err() != nil {
			failAll(errs, pending, ctx.Err())
			return outcomes, errs
		}
		now := t.now()

		if err != nil {
			failedRounds++
			t.logger.Debug("receipt round failed",
				slog.Int("round", round),
				slog.Int("pending", len(pending)),
				slog.Int("consecutiveFailures", failedRounds),
				slog.String("error", err.Error()),
			)
			if failedRounds >= t.maxErrs {
				failAll(errs, pending, fmt.Errorf("receipt polling failed %d rounds in a row: %w", failedRounds, err))
				return outcomes, errs
			}
		} else {
			failedRounds = 0
		}

		still := pending[:0]
		for i, idx := range pending {
			sub := subs[idx]
			switch {
			case receipts[i] != nil:
				outcomes[idx] = Outcome(sub, receipts[i], now.Sub(sub.SentAt))
			case t.expired(sub, now):
				outcomes[idx] = timedOut(sub, now)
			default:
				still = append(still, idx)
			}
		}
		pending = still

		t.logger.Debug("receipt round complete",
			slog.Int("round", round),
			slog.Int("pending", len(pending)),
		)

		if len(pending) == 0 {
			break
		}
		if err := sleep(ctx, t.interval); err != nil {
			failAll(errs, pending, err)
			return outcomes, errs
		}
	}

	return outcomes, errs
}

// queryRound fetches receipts for hashes. It fails only when no query in the round succeeded.
func (t *Tracker) queryRound(ctx context.Context, hashes []string) ([]*rpc.TransactionReceipt, error) {
	receipts := make([]*rpc.TransactionReceipt, len(hashes))

	var (
		mu        sync.Mutex
		succeeded bool
		lastErr   error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			lastErr = err
		} else {
			succeeded = true
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.conc)

	if t.batch != nil {
		for start := 0; start < len(hashes); start += t.maxBatch {
			end := min(start+t.maxBatch, len(hashes))
			g.Go(func() error {
				chunk, err := t.batch.GetTransactionReceiptsBatch(gctx, hashes[start:end])
				record(err)
				if err == nil {
					copy(receipts[start:end], chunk)
				}
				return nil
			})
		}
	} else {
		for i, hash := range hashes {
			g.Go(func() error {
				r, err := t.source.GetTransactionReceipt(gctx, hash)
				record(err)
				if err == nil {
					receipts[i] = r
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if !succeeded && lastErr != nil {
		return receipts, lastErr
	}
	return receipts, nil
}

func (t *Tracker) expired(sub types.SubmissionResult, now time.Time) bool {
	if t.timeout < 0 {
		return false
	}
	return t.timeout == 0 || now.Sub(sub.SentAt) >= t.timeout
}

// Outcome builds the terminal outcome for a receipt observed confirm after submission.
// A receipt without a decodable status or block number yields unknown/malformed_receipt.
func Outcome(sub types.SubmissionResult, receipt *rpc.TransactionReceipt, confirm time.Duration) types.ConfirmationOutcome {
	if confirm < 0 {
		confirm = 0
	}
	out := types.ConfirmationOutcome{
		TxHash:  sub.TxHash,
		Confirm: confirm,
	}
	if !receipt.Complete() {
		out.Status = types.StatusUnknown
		out.Reason = types.UnknownReasonMalformed
		return out
	}

	out.Status = types.StatusConfirmed
	out.BlockNumber = receipt.BlockNumber
	out.Receipt = types.ReceiptFailed
	if receipt.Succeeded() {
		out.Receipt = types.ReceiptSuccess
	}
	if sub.HasBlockBefore {
		d := int64(receipt.BlockNumber) - int64(sub.BlockBefore)
		out.BlockDistance = &d
	}
	return out
}

func timedOut(sub types.SubmissionResult, now time.Time) types.ConfirmationOutcome {
	return types.ConfirmationOutcome{
		TxHash:  sub.TxHash,
		Status:  types.StatusUnknown,
		Reason:  types.UnknownReasonTimeout,
		Confirm: max(now.Sub(sub.SentAt), 0),
	}
}

func failAll(errs []error, pending []int, err error) {
	for _, idx := range pending {
		errs[idx] = err
	}
}

// sleep waits for d or until ctx is done. A non-positive d only checks ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
