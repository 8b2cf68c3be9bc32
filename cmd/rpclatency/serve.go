package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/rpclatency/internal/config"
	"github.com/gateway-fm/rpclatency/internal/rpc"
	"github.com/gateway-fm/rpclatency/internal/storage"
	"github.com/gateway-fm/rpclatency/internal/transport"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var corsOrigins string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API",
		Args:  cobra.NoArgs,
	}
	ov := newOverrides(cmd.Flags())
	ov.str("listen", "HTTP API listen address (env LISTEN_ADDR)", func(c *config.Config, v string) { c.ListenAddr = v })
	ov.str("database", "SQLite history database (env DATABASE_PATH)", func(c *config.Config, v string) { c.DatabasePath = v })
	ov.str("rpc-url", "RPC endpoint checked by /ready (env RPC_PROVIDER)", func(c *config.Config, v string) { c.RPCURL = v })
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "*", "Comma-separated allowed CORS origins")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := root.load(cmd, ov)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, corsOrigins, logger)
	}
	return cmd
}

// rpcHealth reports the RPC endpoint ready when it answers eth_blockNumber.
type rpcHealth struct {
	client *rpc.HTTPClient
}

var _ transport.HealthChecker = (*rpcHealth)(nil)

func (h *rpcHealth) CheckRPC(ctx context.Context) error {
	_, err := h.client.GetBlockNumber(ctx)
	return err
}

func serve(ctx context.Context, cfg *config.Config, corsOrigins string, logger *slog.Logger) error {
	if cfg.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("initialized storage", slog.String("path", cfg.DatabasePath))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var health transport.HealthChecker
	if cfg.RPCURL != "" {
		rpcCfg := rpc.DefaultClientConfig(cfg.RPCURL)
		rpcCfg.Timeout = cfg.RPCTimeout.Std()
		rpcCfg.MaxRetries = 0
		rpcCfg.Logger = logger
		health = &rpcHealth{client: rpc.NewHTTPClient(rpcCfg)}
	}

	api := transport.NewServer(transport.ServerConfig{
		Store:              store,
		Health:             health,
		Gatherer:           reg,
		CORSAllowedOrigins: corsOrigins,
		Logger:             logger,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("history API listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down history API")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
