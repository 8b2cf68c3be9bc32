package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gateway-fm/rpclatency/internal/config"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rpclatency",
		Short:         "Measure send and confirm latency of transactions against an RPC endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	pf.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the environment")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newShredsCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

// load layers defaults, the config file, the environment and the changed flags of ov,
// then builds the logger.
func (o *rootOptions) load(cmd *cobra.Command, ov *overrides) (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if o.configPath != "" {
		if err := cfg.LoadFile(o.configPath); err != nil {
			return nil, nil, err
		}
	}
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, nil, fmt.Errorf("invalid environment: %w", err)
	}
	if ov != nil {
		ov.Apply(cfg)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or text)", format)
	}
}

// overrides registers flags that map onto Config fields. Only flags the user
// changed are applied, so unset flags never mask the file or the environment.
type overrides struct {
	flags *pflag.FlagSet
	apply map[string]func(*config.Config)
}

func newOverrides(flags *pflag.FlagSet) *overrides {
	return &overrides{flags: flags, apply: make(map[string]func(*config.Config))}
}

func (o *overrides) str(name, usage string, set func(*config.Config, string)) {
	v := o.flags.String(name, "", usage)
	o.apply[name] = func(c *config.Config) { set(c, *v) }
}

func (o *overrides) integer(name, usage string, set func(*config.Config, int)) {
	v := o.flags.Int(name, 0, usage)
	o.apply[name] = func(c *config.Config) { set(c, *v) }
}

func (o *overrides) unsigned(name, usage string, set func(*config.Config, uint64)) {
	v := o.flags.Uint64(name, 0, usage)
	o.apply[name] = func(c *config.Config) { set(c, *v) }
}

func (o *overrides) float(name, usage string, set func(*config.Config, float64)) {
	v := o.flags.Float64(name, 0, usage)
	o.apply[name] = func(c *config.Config) { set(c, *v) }
}

func (o *overrides) boolean(name, usage string, set func(*config.Config, bool)) {
	v := o.flags.Bool(name, false, usage)
	o.apply[name] = func(c *config.Config) { set(c, *v) }
}

func (o *overrides) duration(name, usage string, set func(*config.Config, config.Duration)) {
	var v config.Duration
	o.flags.Var(&v, name, usage)
	o.apply[name] = func(c *config.Config) { set(c, v) }
}

// Apply copies every changed flag into c. Flag.Changed is checked rather than
// FlagSet.Visit so that persistent flags parsed by a subcommand are seen.
func (o *overrides) Apply(c *config.Config) {
	o.flags.VisitAll(func(f *pflag.Flag) {
		if fn, ok := o.apply[f.Name]; ok && f.Changed {
			fn(c)
		}
	})
}

// endpointFlags are shared by commands that talk to a node.
func endpointFlags(ov *overrides) {
	ov.str("rpc-url", "HTTP JSON-RPC endpoint (env RPC_PROVIDER)", func(c *config.Config, v string) { c.RPCURL = v })
	ov.str("ws-url", "WebSocket JSON-RPC endpoint (env WS_PROVIDER)", func(c *config.Config, v string) { c.WSURL = v })
	ov.str("profile", "Chain profile: rise, mega, generic (env CHAIN_PROFILE)", func(c *config.Config, v string) { c.Profile = v })
	ov.duration("rpc-timeout", "Per-request RPC timeout", func(c *config.Config, v config.Duration) { c.RPCTimeout = v })
}

func runFlags(ov *overrides) {
	endpointFlags(ov)

	ov.unsigned("chain-id", "Chain ID; 0 asks the node (env CHAIN_ID)", func(c *config.Config, v uint64) { c.ChainID = v })
	ov.str("label", "Run label used in report names (env TEST_NAME)", func(c *config.Config, v string) { c.Label = v })
	ov.str("strategy", "Submission strategy: async, sync, realtime (env STRATEGY)", func(c *config.Config, v string) { c.Strategy = types.Strategy(v) })
	ov.str("sequencing", "sequential or pipelined (env SEQUENCING)", func(c *config.Config, v string) { c.Sequencing = types.Sequencing(v) })
	ov.integer("count", "Number of transactions (env TX_COUNT)", func(c *config.Config, v int) { c.Count = v })

	ov.duration("poll-interval", "Receipt poll delay; none busy-polls (env POLL_INTERVAL)", func(c *config.Config, v config.Duration) { c.PollInterval = &v })
	ov.duration("confirm-timeout", "Per-transaction confirmation timeout; none waits forever (env CONFIRM_TIMEOUT)", func(c *config.Config, v config.Duration) { c.ConfirmTimeout = v })
	ov.duration("initial-delay", "Delay before the first receipt query", func(c *config.Config, v config.Duration) { c.InitialDelay = v })
	ov.duration("tx-delay", "Pause between sequential transactions", func(c *config.Config, v config.Duration) { c.TxDelay = v })
	ov.integer("concurrency", "In-flight submissions in pipelined mode; 0 means count", func(c *config.Config, v int) { c.Concurrency = v })
	ov.float("rate", "Pipelined submissions per second; 0 is unpaced", func(c *config.Config, v float64) { c.Rate = v })
	ov.integer("max-batch-size", "Receipt hashes per batch request", func(c *config.Config, v int) { c.MaxBatchSize = v })
	ov.boolean("track-blocks", "Read the head before each submission to report block distance", func(c *config.Config, v bool) { c.TrackBlocks = v })

	ov.str("fee-strategy", "Fee strategy: fixed, legacy-multiplier, eip1559 (env FEE_STRATEGY)", func(c *config.Config, v string) { c.FeeStrategy = v })
	ov.unsigned("gas-price-multiplier", "Multiplier applied to eth_gasPrice", func(c *config.Config, v uint64) { c.GasPriceMultiplier = v })
	ov.unsigned("gas-price-wei", "Gas price of the fixed fee strategy", func(c *config.Config, v uint64) { c.GasPriceWei = v })
	ov.unsigned("gas-tip-cap-wei", "Priority fee of the fixed fee strategy", func(c *config.Config, v uint64) { c.GasTipCapWei = v })
	ov.unsigned("gas-fee-cap-wei", "Max fee of the fixed fee strategy", func(c *config.Config, v uint64) { c.GasFeeCapWei = v })
	ov.unsigned("gas-limit", "Gas limit; 0 estimates once per run", func(c *config.Config, v uint64) { c.GasLimit = v })
	ov.str("recipient", "Recipient address; empty sends to self", func(c *config.Config, v string) { c.Recipient = v })
	ov.unsigned("value-wei", "Value of each transfer", func(c *config.Config, v uint64) { c.ValueWei = v })
	ov.unsigned("start-nonce", "Nonce of the first transaction; unset uses the pending nonce", func(c *config.Config, v uint64) { c.StartNonce = &v })
	ov.integer("rpc-retries", "Retries of transient HTTP failures", func(c *config.Config, v int) { c.RPCRetries = v })

	ov.str("results-dir", "Report directory (env RESULTS_DIR)", func(c *config.Config, v string) { c.ResultsDir = v })
	ov.boolean("report", "Write the Markdown report", func(c *config.Config, v bool) { c.WriteReport = v })
	ov.boolean("json", "Also write a JSON report", func(c *config.Config, v bool) { c.JSONReport = v })
	ov.str("database", "SQLite history database; empty disables persistence (env DATABASE_PATH)", func(c *config.Config, v string) { c.DatabasePath = v })
	ov.str("metrics-addr", "Serve Prometheus metrics on this address while running", func(c *config.Config, v string) { c.MetricsAddr = v })
}
