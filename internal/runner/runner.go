// Package runner drives a batch of submissions through a strategy and summarizes the result.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/internal/ratelimit"
	"github.com/gateway-fm/rpclatency/internal/sender"
	"github.com/gateway-fm/rpclatency/internal/strategy"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Builder signs the transaction for a nonce.
type Builder interface {
	Build(nonce uint64) (*txbuilder.SignedTx, error)
}

// Recorder observes per-transaction progress. *metrics.PrometheusMetrics implements it.
type Recorder interface {
	RecordSent(strategy types.Strategy)
	RecordResolved(strategy types.Strategy, rec types.LatencyRecord)
	RecordFailed(strategy types.Strategy, sent bool)
}

var _ Recorder = (*metrics.PrometheusMetrics)(nil)

// Config configures a Runner.
type Config struct {
	Strategy   strategy.Strategy
	Builder    Builder
	Count      int
	Sequencing types.Sequencing

	// StartingNonce is the nonce of transaction 0; transaction i uses StartingNonce+i.
	StartingNonce uint64
	// TxDelay pauses between transactions in sequential mode.
	TxDelay time.Duration
	// Concurrency bounds in-flight submissions in pipelined mode. Defaults to Count.
	Concurrency int
	// Rate caps submissions per second in pipelined mode. Zero sends as fast as
	// Concurrency allows.
	Rate float64

	Recorder Recorder
	Logger   *slog.Logger
}

// ConfigError is returned by New for an invalid configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid run config: %s %s", e.Field, e.Reason)
}

// Runner executes one batch. A Runner is not reusable concurrently.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and creates a Runner. It makes no RPC calls.
func New(cfg Config) (*Runner, error) {
	switch {
	case cfg.Strategy == nil:
		return nil, &ConfigError{Field: "strategy", Reason: "is required"}
	case cfg.Builder == nil:
		return nil, &ConfigError{Field: "builder", Reason: "is required"}
	case cfg.Count <= 0:
		return nil, &ConfigError{Field: "count", Reason: "must be positive"}
	case !cfg.Sequencing.Valid():
		return nil, &ConfigError{Field: "sequencing", Reason: fmt.Sprintf("must be %s or %s, got %q",
			types.SequencingSequential, types.SequencingPipelined, cfg.Sequencing)}
	case cfg.TxDelay < 0:
		return nil, &ConfigError{Field: "tx delay", Reason: "must not be negative"}
	case cfg.Concurrency < 0:
		return nil, &ConfigError{Field: "concurrency", Reason: "must not be negative"}
	case cfg.Rate < 0:
		return nil, &ConfigError{Field: "rate", Reason: "must not be negative"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = cfg.Count
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// slot collects the result of one transaction; exactly one of rec and fail is set
// once the transaction has been attempted.
type slot struct {
	nonce uint64
	tx    *txbuilder.SignedTx
	sub   *types.SubmissionResult
	rec   *types.LatencyRecord
	fail  *types.TxFailure
}

// Run executes the batch and returns its summary. Per-transaction failures are
// recorded in the summary and never abort the run. If ctx ends early, the summary
// covers the transactions attempted so far and ctx.Err() is returned with it.
func (r *Runner) Run(ctx context.Context) (*types.BatchSummary, error) {
	start := time.Now()
	kind := r.cfg.Strategy.Kind()

	r.logger.Info("starting batch",
		slog.String("strategy", string(kind)),
		slog.String("method", r.cfg.Strategy.Method()),
		slog.String("sequencing", string(r.cfg.Sequencing)),
		slog.Int("count", r.cfg.Count),
		slog.Uint64("startingNonce", r.cfg.StartingNonce),
	)

	slots := make([]slot, r.cfg.Count)
	for i := range slots {
		slots[i].nonce = r.cfg.StartingNonce + uint64(i)
	}

	if r.cfg.Sequencing == types.SequencingPipelined {
		r.runPipelined(ctx, slots)
	} else {
		r.runSequential(ctx, slots)
	}

	records := make([]types.LatencyRecord, 0, len(slots))
	var failures []types.TxFailure
	for _, s := range slots {
		switch {
		case s.rec != nil:
			records = append(records, *s.rec)
		case s.fail != nil:
			failures = append(failures, *s.fail)
		}
	}

	summary := metrics.Summarize(records, failures)
	summary.Elapsed = time.Since(start)

	r.logger.Info("batch complete",
		slog.Int("records", len(summary.Records)),
		slog.Int("failures", len(summary.Failures)),
		slog.Int64("avgSendMs", summary.Send.AvgMs),
		slog.Int64("avgConfirmMs", summary.Confirm.AvgMs),
		slog.Int64("avgTotalMs", summary.Total.AvgMs),
		slog.Duration("elapsed", summary.Elapsed),
	)
	return summary, ctx.Err()
}

func (r *Runner) runSequential(ctx context.Context, slots []slot) {
	kind := r.cfg.Strategy.Kind()
	twoPhase, isTwoPhase := r.cfg.Strategy.(strategy.TwoPhase)

	for i := range slots {
		s := &slots[i]
		if i > 0 && r.cfg.TxDelay > 0 {
			timer := time.NewTimer(r.cfg.TxDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		tx, err := r.cfg.Builder.Build(s.nonce)
		if err != nil {
			r.fail(i, s, types.StageBuild, err)
			continue
		}

		if isTwoPhase {
			r.sendAndAwait(ctx, twoPhase, i, s, tx)
			continue
		}

		rec, err := r.cfg.Strategy.Execute(ctx, tx)
		if err != nil {
			r.fail(i, s, strategy.Stage(err), err)
			r.recordFailed(kind, false)
			continue
		}
		rec.Index = i
		s.rec = &rec
		r.recordSent(kind)
		r.recordResolved(kind, rec)
		r.logRecord(rec)
	}
}

// sendAndAwait counts tx as sent as soon as the node accepts it, then waits for its receipt.
func (r *Runner) sendAndAwait(ctx context.Context, tp strategy.TwoPhase, i int, s *slot, tx *txbuilder.SignedTx) {
	kind := tp.Kind()

	sub, err := tp.Send(ctx, tx)
	if err != nil {
		r.fail(i, s, types.StageSend, err)
		r.recordFailed(kind, false)
		return
	}
	sub.Index = i
	r.recordSent(kind)

	out, err := tp.Tracker().Await(ctx, sub)
	if err != nil {
		r.fail(i, s, types.StageConfirm, err)
		r.recordFailed(kind, true)
		return
	}
	rec := types.NewLatencyRecord(sub, out)
	s.rec = &rec
	r.recordResolved(kind, rec)
	r.logRecord(rec)
}

func (r *Runner) runPipelined(ctx context.Context, slots []slot) {
	kind := r.cfg.Strategy.Kind()

	// Every transaction is signed before the first is sent so that signing
	// does not delay later submissions.
	for i := range slots {
		s := &slots[i]
		tx, err := r.cfg.Builder.Build(s.nonce)
		if err != nil {
			r.fail(i, s, types.StageBuild, err)
			continue
		}
		s.tx = tx
	}

	twoPhase, isTwoPhase := r.cfg.Strategy.(strategy.TwoPhase)

	var limiter *ratelimit.Limiter
	if r.cfg.Rate > 0 {
		limiter = ratelimit.New(r.cfg.Rate)
		r.logger.Debug("pacing submissions", slog.Float64("ratePerSec", limiter.Rate()))
	}

	d := sender.New(sender.Config{Concurrency: r.cfg.Concurrency, Logger: r.logger})
	r.logger.Debug("dispatching submissions", slog.Int("concurrency", d.Capacity()))
	for i := range slots {
		s := &slots[i]
		if s.tx == nil {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				r.fail(i, s, types.StageSend, err)
				continue
			}
		}

		err := d.Dispatch(ctx, func() {
			if isTwoPhase {
				sub, err := twoPhase.Send(ctx, s.tx)
				if err != nil {
					r.fail(i, s, types.StageSend, err)
					r.recordFailed(kind, false)
					return
				}
				sub.Index = i
				s.sub = &sub
				r.recordSent(kind)
				return
			}

			rec, err := r.cfg.Strategy.Execute(ctx, s.tx)
			if err != nil {
				r.fail(i, s, strategy.Stage(err), err)
				r.recordFailed(kind, false)
				return
			}
			rec.Index = i
			s.rec = &rec
			r.recordSent(kind)
			r.recordResolved(kind, rec)
		})
		if err != nil {
			r.fail(i, s, types.StageSend, err)
		}
	}
	d.Wait()

	if isTwoPhase {
		r.resolve(ctx, twoPhase, slots)
	}

	for _, s := range slots {
		if s.rec != nil {
			r.logRecord(*s.rec)
		}
	}
}

// resolve confirms every submitted slot with one AwaitAll call.
func (r *Runner) resolve(ctx context.Context, tp strategy.TwoPhase, slots []slot) {
	kind := tp.Kind()

	var idx []int
	var subs []types.SubmissionResult
	for i := range slots {
		if slots[i].sub != nil {
			idx = append(idx, i)
			subs = append(subs, *slots[i].sub)
		}
	}
	if len(subs) == 0 {
		return
	}

	outcomes, errs := tp.Tracker().AwaitAll(ctx, subs)
	for j, i := range idx {
		s := &slots[i]
		if errs[j] != nil {
			r.fail(i, s, types.StageConfirm, errs[j])
			r.recordFailed(kind, true)
			continue
		}
		rec := types.NewLatencyRecord(subs[j], outcomes[j])
		s.rec = &rec
		r.recordResolved(kind, rec)
	}
}

func (r *Runner) fail(i int, s *slot, stage string, err error) {
	s.fail = &types.TxFailure{Index: i, Nonce: s.nonce, Stage: stage, Error: err.Error()}
	r.logger.Warn("transaction failed",
		slog.Int("index", i),
		slog.Uint64("nonce", s.nonce),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

func (r *Runner) logRecord(rec types.LatencyRecord) {
	attrs := []any{
		slog.Int("index", rec.Index),
		slog.String("txHash", rec.TxHash),
		slog.String("status", string(rec.Status)),
		slog.Int64("sendMs", rec.Send.Milliseconds()),
		slog.Int64("confirmMs", rec.Confirm.Milliseconds()),
		slog.Int64("totalMs", rec.Total.Milliseconds()),
	}
	if rec.BlockDistance != nil {
		attrs = append(attrs, slog.Int64("blockDistance", *rec.BlockDistance))
	}
	if rec.Status == types.StatusUnknown {
		r.logger.Warn("transaction unresolved", append(attrs, slog.String("reason", string(rec.Reason)))...)
		return
	}
	r.logger.Info("transaction confirmed", attrs...)
}

func (r *Runner) recordSent(kind types.Strategy) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordSent(kind)
	}
}

func (r *Runner) recordResolved(kind types.Strategy, rec types.LatencyRecord) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordResolved(kind, rec)
	}
}

func (r *Runner) recordFailed(kind types.Strategy, sent bool) {
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordFailed(kind, sent)
	}
}
