package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/gateway-fm/rpclatency/internal/confirm"
	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// singleCall submits through a method that blocks until inclusion and returns the receipt.
// The whole round trip is the send phase; confirm is zero.
type singleCall struct {
	kind   types.Strategy
	method string
	sender SyncSender
	blocks BlockNumberSource
	logger *slog.Logger
	now    func() time.Time
}

var _ Strategy = (*singleCall)(nil)

// NewSyncSingleCall returns the strategy for eth_sendRawTransactionSync style methods.
// blocks may be nil.
func NewSyncSingleCall(sender SyncSender, method string, blocks BlockNumberSource, logger *slog.Logger) Strategy {
	return newSingleCall(types.StrategySyncSingleCall, sender, method, blocks, logger)
}

// NewRealtimePush returns the strategy for realtime_sendRawTransaction style methods,
// where the node pushes the receipt back on inclusion. blocks may be nil.
func NewRealtimePush(sender SyncSender, method string, blocks BlockNumberSource, logger *slog.Logger) Strategy {
	return newSingleCall(types.StrategyRealtimePush, sender, method, blocks, logger)
}

func newSingleCall(kind types.Strategy, sender SyncSender, method string, blocks BlockNumberSource, logger *slog.Logger) *singleCall {
	if logger == nil {
		logger = slog.Default()
	}
	return &singleCall{
		kind:   kind,
		method: method,
		sender: sender,
		blocks: blocks,
		logger: logger,
		now:    time.Now,
	}
}

func (s *singleCall) Kind() types.Strategy { return s.kind }

func (s *singleCall) Method() string { return s.method }

func (s *singleCall) Execute(ctx context.Context, tx *txbuilder.SignedTx) (types.LatencyRecord, error) {
	sub := types.SubmissionResult{Nonce: tx.Nonce}
	blockBefore(ctx, s.blocks, &sub, s.logger)

	clock := metrics.StartClockWith(s.now)
	receipt, err := s.sender.SendRawTransactionSync(ctx, s.method, tx.Raw)
	sub.Send = clock.Sent()
	sub.SentAt = clock.SentAt()
	if err != nil {
		return types.LatencyRecord{}, transportError(s.method, err)
	}

	sub.TxHash = tx.Hash.Hex()
	if receipt != nil && receipt.TxHash != "" {
		sub.TxHash = receipt.TxHash
	}

	out := confirm.Outcome(sub, receipt, 0)
	if out.Status != types.StatusConfirmed {
		s.logger.Warn("malformed receipt from synchronous submission",
			slog.String("method", s.method),
			slog.String("txHash", sub.TxHash),
		)
	}

	s.logger.Debug("transaction confirmed",
		slog.String("txHash", sub.TxHash),
		slog.Uint64("nonce", tx.Nonce),
		slog.Duration("send", sub.Send),
	)
	return types.NewLatencyRecord(sub, out), nil
}
