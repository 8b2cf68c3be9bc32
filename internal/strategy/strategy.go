// Package strategy implements the submission strategies whose latency is measured.
//
// A Strategy turns one signed transaction into a LatencyRecord. Strategies whose
// send and confirm phases are separately observable also implement TwoPhase, which
// lets a caller submit many transactions first and resolve them together.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateway-fm/rpclatency/internal/confirm"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Strategy submits a transaction and observes its confirmation.
type Strategy interface {
	Kind() types.Strategy
	// Method is the RPC method used for submission.
	Method() string
	Execute(ctx context.Context, tx *txbuilder.SignedTx) (types.LatencyRecord, error)
}

// TwoPhase is implemented by strategies that can submit without waiting for confirmation.
type TwoPhase interface {
	Strategy
	Send(ctx context.Context, tx *txbuilder.SignedTx) (types.SubmissionResult, error)
	// Tracker resolves the submissions returned by Send.
	Tracker() *confirm.Tracker
}

// RawSender submits a transaction and returns its hash.
type RawSender interface {
	SendRawTransaction(ctx context.Context, txRLP []byte) (string, error)
}

// SyncSender submits a transaction through a method that returns the receipt.
type SyncSender interface {
	SendRawTransactionSync(ctx context.Context, method string, txRLP []byte) (*rpc.TransactionReceipt, error)
}

// BlockNumberSource reports the chain head.
type BlockNumberSource interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// TransportError is a failed RPC call made by a strategy. It is never retried.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransportError{Method: method, Err: err}
}

// confirmError marks an error raised after the node accepted the transaction,
// including a context that ended while waiting for the receipt.
type confirmError struct {
	err error
}

func (e *confirmError) Error() string { return e.err.Error() }

func (e *confirmError) Unwrap() error { return e.err }

// Stage returns the failure stage of an Execute error: confirm when the transaction
// was accepted and waiting for its receipt failed, send otherwise.
func Stage(err error) string {
	var ce *confirmError
	if errors.As(err, &ce) {
		return types.StageConfirm
	}
	var te *TransportError
	if errors.As(err, &te) && te.Method == rpc.MethodGetTransactionReceipt {
		return types.StageConfirm
	}
	return types.StageSend
}

// Client is the RPC surface the strategies need.
type Client interface {
	RawSender
	SyncSender
	BlockNumberSource
	confirm.ReceiptSource
}

// Options select and configure a strategy.
type Options struct {
	Kind types.Strategy

	// Client carries HTTP submissions and receipt polling.
	Client Client
	// Realtime, when set, carries realtime submissions instead of Client.
	Realtime SyncSender

	// Tracker resolves async submissions. Required for StrategyAsyncPoll.
	Tracker *confirm.Tracker

	// SyncMethod and RealtimeMethod override the default method names.
	SyncMethod     string
	RealtimeMethod string

	// TrackBlocks reads the head before each submission to report inclusion distance.
	TrackBlocks bool

	Logger *slog.Logger
}

// New returns the strategy selected by opts.Kind.
func New(opts Options) (Strategy, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("strategy %q: client is required", opts.Kind)
	}

	var blocks BlockNumberSource
	if opts.TrackBlocks {
		blocks = opts.Client
	}

	switch opts.Kind {
	case types.StrategyAsyncPoll:
		if opts.Tracker == nil {
			return nil, fmt.Errorf("strategy %q: tracker is required", opts.Kind)
		}
		return NewAsyncPoll(AsyncPollConfig{
			Sender:  opts.Client,
			Tracker: opts.Tracker,
			Blocks:  blocks,
			Logger:  opts.Logger,
		}), nil

	case types.StrategySyncSingleCall:
		method := opts.SyncMethod
		if method == "" {
			method = rpc.MethodSendRawTransactionSync
		}
		return NewSyncSingleCall(opts.Client, method, blocks, opts.Logger), nil

	case types.StrategyRealtimePush:
		method := opts.RealtimeMethod
		if method == "" {
			method = rpc.MethodRealtimeSendRawTransaction
		}
		var sender SyncSender = opts.Client
		if opts.Realtime != nil {
			sender = opts.Realtime
		}
		return NewRealtimePush(sender, method, blocks, opts.Logger), nil

	default:
		return nil, fmt.Errorf("unknown strategy %q", opts.Kind)
	}
}

// blockBefore records the head into sub when blocks is set. Failures only lose the distance.
func blockBefore(ctx context.Context, blocks BlockNumberSource, sub *types.SubmissionResult, logger *slog.Logger) {
	if blocks == nil {
		return
	}
	n, err := blocks.GetBlockNumber(ctx)
	if err != nil {
		logger.Debug("failed to read block before submission", slog.String("error", err.Error()))
		return
	}
	sub.BlockBefore = n
	sub.HasBlockBefore = true
}
