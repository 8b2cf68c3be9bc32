package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/rpclatency/internal/account"
	"github.com/gateway-fm/rpclatency/internal/config"
	"github.com/gateway-fm/rpclatency/internal/confirm"
	"github.com/gateway-fm/rpclatency/internal/execnode"
	"github.com/gateway-fm/rpclatency/internal/metrics"
	"github.com/gateway-fm/rpclatency/internal/report"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/runner"
	"github.com/gateway-fm/rpclatency/internal/storage"
	"github.com/gateway-fm/rpclatency/internal/strategy"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send a batch of transactions and report their latency",
		Long: `Send a batch of self-transfers, measure send, confirm and total latency of each,
print a summary, write a Markdown report and store the run in the history database.

The signing key is read from PRIVATE_KEY_1 (environment or .env file).`,
		Args: cobra.NoArgs,
	}
	ov := newOverrides(cmd.Flags())
	runFlags(ov)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := root.load(cmd, ov)
		if err != nil {
			return err
		}
		_, err = runLatency(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		return err
	}
	return cmd
}

// runResult is what a completed (or interrupted) run produced.
type runResult struct {
	Info    types.RunInfo
	Summary *types.BatchSummary
	Reports []string
}

// runLatency executes one latency run described by cfg. Configuration errors are
// returned before any RPC call. Once the batch has started, the summary is always
// printed, reported and persisted, even if ctx ends early.
func runLatency(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) (*runResult, error) {
	profiles := execnode.DefaultRegistry()
	if err := cfg.Validate(profiles); err != nil {
		return nil, err
	}
	profile := profiles.Get(cfg.Profile)
	cfg.ApplyProfile(profile)

	acct, err := account.NewAccountFromHex(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	fee, err := txbuilder.ParseFeeStrategy(cfg.FeeStrategy, cfg.GasPriceMultiplier, cfg.FixedFee())
	if err != nil {
		return nil, err
	}
	opts := txbuilder.Options{ChainID: cfg.ChainID, GasLimit: cfg.GasLimit, Fee: fee}
	if cfg.Recipient != "" {
		if !common.IsHexAddress(cfg.Recipient) {
			return nil, fmt.Errorf("invalid recipient address %q", cfg.Recipient)
		}
		to := common.HexToAddress(cfg.Recipient)
		opts.To = &to
	}
	if cfg.ValueWei > 0 {
		opts.Value = new(big.Int).SetUint64(cfg.ValueWei)
	}

	reg := prometheus.NewRegistry()
	pm := metrics.NewPrometheusMetrics(reg)

	rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
	rpcCfg.Timeout = cfg.RPCTimeout.Std()
	rpcCfg.MaxRetries = cfg.RPCRetries
	rpcCfg.Logger = logger
	rpcCfg.Observer = pm.RecordRPCLatency
	client := rpc.NewHTTPClient(rpcCfg)

	var realtime strategy.SyncSender
	if cfg.Strategy == types.StrategyRealtimePush && cfg.WSURL != "" {
		ws, err := rpc.DialWS(ctx, rpc.WSConfig{
			URL:         cfg.WSURL,
			DialTimeout: 10 * time.Second,
			Logger:      logger,
			Observer:    pm.RecordRPCLatency,
		})
		if err != nil {
			return nil, err
		}
		defer ws.Close()
		realtime = ws
	}

	desc, err := txbuilder.NewDescriptor(ctx, client, acct.Address, opts)
	if err != nil {
		return nil, err
	}
	factory, err := txbuilder.NewFactory(acct.PrivateKey, desc)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	if cfg.StartNonce != nil {
		nonce = *cfg.StartNonce
	} else if nonce, err = acct.StartingNonce(ctx, client); err != nil {
		return nil, err
	}

	tracker := confirm.New(confirm.Config{
		Source:       client,
		PollInterval: cfg.Poll(),
		InitialDelay: cfg.InitialDelay.Std(),
		Timeout:      cfg.Timeout(),
		MaxBatchSize: cfg.MaxBatchSize,
		Logger:       logger,
	})
	strat, err := strategy.New(strategy.Options{
		Kind:           cfg.Strategy,
		Client:         client,
		Realtime:       realtime,
		Tracker:        tracker,
		SyncMethod:     profile.SyncMethod,
		RealtimeMethod: profile.RealtimeMethod,
		TrackBlocks:    cfg.TrackBlocks,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	r, err := runner.New(runner.Config{
		Strategy:      strat,
		Builder:       factory,
		Count:         cfg.Count,
		Sequencing:    cfg.Sequencing,
		StartingNonce: nonce,
		TxDelay:       cfg.TxDelay.Std(),
		Concurrency:   cfg.Concurrency,
		Rate:          cfg.Rate,
		Recorder:      pm,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	info := types.RunInfo{
		ID:          uuid.NewString(),
		Label:       cfg.Label,
		Strategy:    strat.Kind(),
		Sequencing:  cfg.Sequencing,
		Method:      strat.Method(),
		Profile:     profile.Name,
		RPCURL:      cfg.RPCURL,
		ChainID:     desc.ChainID.Uint64(),
		Wallet:      acct.Address.Hex(),
		FeeStrategy: fee.Name(),
		Requested:   cfg.Count,
		StartedAt:   time.Now().UTC(),
	}
	if p := desc.Fee.PriceWei(); p != nil && p.IsUint64() {
		info.GasPriceWei = p.Uint64()
	}

	store, err := openHistory(ctx, cfg, info, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	pm.SetRunStatus(types.RunStatusRunning)
	summary, runErr := r.Run(ctx)
	completedAt := time.Now().UTC()
	info.CompletedAt = &completedAt

	status := types.RunStatusCompleted
	if runErr != nil {
		status = types.RunStatusError
		logger.Warn("run interrupted", slog.String("error", runErr.Error()))
	}
	pm.SetRunStatus(status)

	res := &runResult{Info: info, Summary: summary}
	report.PrintConsole(out, summary)

	if cfg.WriteReport {
		paths, err := report.Save(cfg.ResultsDir, report.Report{Info: info, Summary: summary}, cfg.JSONReport)
		if err != nil {
			logger.Error("failed to write report", slog.String("error", err.Error()))
		}
		for _, p := range paths {
			fmt.Fprintf(out, "Results saved to %s\n", p)
		}
		res.Reports = paths
	}

	if store != nil {
		// ctx may already be canceled here.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		c := storage.Completion{Status: status, Summary: summary, CompletedAt: completedAt}
		if runErr != nil {
			c.ErrorMessage = runErr.Error()
		}
		if err := store.CompleteRun(saveCtx, info.ID, c); err != nil {
			logger.Error("failed to store run", slog.String("runID", info.ID), slog.String("error", err.Error()))
		} else {
			logger.Info("run stored", slog.String("runID", info.ID), slog.String("database", cfg.DatabasePath))
		}
	}

	return res, runErr
}

// openHistory opens the history database and records the run as running.
// It returns nil without error when persistence is disabled.
func openHistory(ctx context.Context, cfg *config.Config, info types.RunInfo, logger *slog.Logger) (*storage.SQLiteStorage, error) {
	if cfg.DatabasePath == "" {
		return nil, nil
	}
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	snapshot, err := configSnapshot(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := store.CreateRun(ctx, &storage.Run{RunInfo: info, Status: types.RunStatusRunning, Config: snapshot}); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// configSnapshot serializes cfg for the history database without the signing key.
func configSnapshot(cfg *config.Config) (json.RawMessage, error) {
	c := *cfg
	c.PrivateKey = ""
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run config: %w", err)
	}
	return b, nil
}

// serveMetrics exposes reg on addr until the returned stop function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
