package strategy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gateway-fm/rpclatency/internal/confirm"
	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// AsyncPollConfig configures AsyncPoll.
type AsyncPollConfig struct {
	Sender  RawSender
	Tracker *confirm.Tracker
	// Blocks, when set, is read before each submission.
	Blocks BlockNumberSource
	Logger *slog.Logger
}

// AsyncPoll submits with eth_sendRawTransaction and polls for the receipt.
// The send phase ends when the node returns the hash.
type AsyncPoll struct {
	sender  RawSender
	tracker *confirm.Tracker
	blocks  BlockNumberSource
	logger  *slog.Logger
	now     func() time.Time
}

var _ TwoPhase = (*AsyncPoll)(nil)

// NewAsyncPoll creates an AsyncPoll strategy.
func NewAsyncPoll(cfg AsyncPollConfig) *AsyncPoll {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncPoll{
		sender:  cfg.Sender,
		tracker: cfg.Tracker,
		blocks:  cfg.Blocks,
		logger:  logger,
		now:     time.Now,
	}
}

func (a *AsyncPoll) Kind() types.Strategy { return types.StrategyAsyncPoll }

func (a *AsyncPoll) Method() string { return rpc.MethodSendRawTransaction }

func (a *AsyncPoll) Tracker() *confirm.Tracker { return a.tracker }

// Send submits tx and returns once the node has accepted it.
func (a *AsyncPoll) Send(ctx context.Context, tx *txbuilder.SignedTx) (types.SubmissionResult, error) {
	sub := types.SubmissionResult{Nonce: tx.Nonce}
	blockBefore(ctx, a.blocks, &sub, a.logger)

	clock := metrics.StartClockWith(a.now)
	hash, err := a.sender.SendRawTransaction(ctx, tx.Raw)
	sub.Send = clock.Sent()
	sub.SentAt = clock.SentAt()
	if err != nil {
		return types.SubmissionResult{}, transportError(rpc.MethodSendRawTransaction, err)
	}

	local := tx.Hash.Hex()
	switch {
	case hash == "":
		hash = local
	case !strings.EqualFold(hash, local):
		a.logger.Warn("node returned unexpected tx hash",
			slog.String("expected", local),
			slog.String("got", hash),
		)
	}
	sub.TxHash = hash

	a.logger.Debug("transaction sent",
		slog.String("txHash", hash),
		slog.Uint64("nonce", tx.Nonce),
		slog.Duration("send", sub.Send),
	)
	return sub, nil
}

// Execute sends tx and waits for its receipt.
func (a *AsyncPoll) Execute(ctx context.Context, tx *txbuilder.SignedTx) (types.LatencyRecord, error) {
	sub, err := a.Send(ctx, tx)
	if err != nil {
		return types.LatencyRecord{}, err
	}

	out, err := a.tracker.Await(ctx, sub)
	if err != nil {
		return types.LatencyRecord{}, &confirmError{err: transportError(rpc.MethodGetTransactionReceipt, err)}
	}
	return types.NewLatencyRecord(sub, out), nil
}
