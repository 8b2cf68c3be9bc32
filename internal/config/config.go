// Package config handles configuration loading and validation.
//
// Values are layered, lowest precedence first: Default, an optional YAML file
// (LoadFile), environment variables (ApplyEnv, with a .env file loaded by
// LoadDotEnv), and finally command-line flags applied by the caller.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/rpclatency/internal/execnode"
	"github.com/gateway-fm/rpclatency/internal/txbuilder"
	"github.com/gateway-fm/rpclatency/pkg/types"
)

// Config holds every option of a latency run and of the history server.
type Config struct {
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"` // WebSocket URL for realtime submission and shreds
	PrivateKey string `yaml:"private_key"`
	ChainID    uint64 `yaml:"chain_id"` // 0 = ask the node

	Label      string           `yaml:"label"`
	Profile    string           `yaml:"profile"`
	Strategy   types.Strategy   `yaml:"strategy"` // empty = profile default
	Sequencing types.Sequencing `yaml:"sequencing"`
	Count      int              `yaml:"count"`

	// PollInterval is nil until set; the profile then supplies it. None busy-polls.
	PollInterval   *Duration `yaml:"poll_interval"`
	ConfirmTimeout Duration  `yaml:"confirm_timeout"` // None = wait forever
	InitialDelay   Duration  `yaml:"initial_delay"`
	TxDelay        Duration  `yaml:"tx_delay"` // pause between sequential transactions
	Concurrency    int       `yaml:"concurrency"`
	Rate           float64   `yaml:"rate"` // pipelined submissions per second; 0 = unpaced
	MaxBatchSize   int       `yaml:"max_batch_size"`
	TrackBlocks    bool      `yaml:"track_blocks"`

	FeeStrategy        string  `yaml:"fee_strategy"` // empty = profile default
	GasPriceMultiplier uint64  `yaml:"gas_price_multiplier"`
	GasPriceWei        uint64  `yaml:"gas_price_wei"` // fixed fee strategy
	GasTipCapWei       uint64  `yaml:"gas_tip_cap_wei"`
	GasFeeCapWei       uint64  `yaml:"gas_fee_cap_wei"`
	GasLimit           uint64  `yaml:"gas_limit"` // 0 = eth_estimateGas
	Recipient          string  `yaml:"recipient"` // empty = self-transfer
	ValueWei           uint64  `yaml:"value_wei"`
	StartNonce         *uint64 `yaml:"start_nonce"` // nil = pending nonce from the node

	RPCTimeout Duration `yaml:"rpc_timeout"`
	RPCRetries int      `yaml:"rpc_retries"`

	ResultsDir   string `yaml:"results_dir"`
	WriteReport  bool   `yaml:"write_report"`
	JSONReport   bool   `yaml:"json_report"`
	DatabasePath string `yaml:"database_path"` // empty = do not persist
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults
const (
	DefaultRPCURL       = "http://localhost:8545"
	DefaultProfile      = "generic"
	DefaultCount        = 10
	DefaultConfirm      = 60 * time.Second
	DefaultRPCTimeout   = 30 * time.Second
	DefaultMaxBatchSize = 50
	DefaultGasLimit     = txbuilder.TransferGasLimit
	DefaultResultsDir   = "results"
	DefaultDatabasePath = "./data/rpclatency.db"
	DefaultListenAddr   = ":3001"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RPCURL:             DefaultRPCURL,
		Profile:            DefaultProfile,
		Sequencing:         types.SequencingSequential,
		Count:              DefaultCount,
		ConfirmTimeout:     Duration(DefaultConfirm),
		MaxBatchSize:       DefaultMaxBatchSize,
		GasPriceMultiplier: txbuilder.DefaultGasPriceMultiplier,
		GasLimit:           DefaultGasLimit,
		RPCTimeout:         Duration(DefaultRPCTimeout),
		ResultsDir:         DefaultResultsDir,
		WriteReport:        true,
		DatabasePath:       DefaultDatabasePath,
		ListenAddr:         DefaultListenAddr,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
	}
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads variables from the given .env files into the process environment
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("RPC_PROVIDER", &c.RPCURL)
	str("WS_PROVIDER", &c.WSURL)
	str("PRIVATE_KEY_1", &c.PrivateKey)
	str("TEST_NAME", &c.Label)
	str("CHAIN_PROFILE", &c.Profile)
	str("FEE_STRATEGY", &c.FeeStrategy)
	str("RESULTS_DIR", &c.ResultsDir)
	str("DATABASE_PATH", &c.DatabasePath)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("LOG_LEVEL", &c.LogLevel)

	if v := getenv("STRATEGY"); v != "" {
		c.Strategy = types.Strategy(v)
	}
	if v := getenv("SEQUENCING"); v != "" {
		c.Sequencing = types.Sequencing(v)
	}
	if v := getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		c.ChainID = id
	}
	if v := getenv("TX_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TX_COUNT: %w", err)
		}
		c.Count = n
	}
	if v := getenv("POLL_INTERVAL"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.PollInterval = &d
	}
	if v := getenv("CONFIRM_TIMEOUT"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONFIRM_TIMEOUT: %w", err)
		}
		c.ConfirmTimeout = d
	}
	return nil
}

// ApplyProfile fills the options left unset with the defaults of profile p.
func (c *Config) ApplyProfile(p *execnode.Profile) {
	if c.Strategy == "" {
		c.Strategy = p.DefaultStrategy
	}
	if c.FeeStrategy == "" {
		c.FeeStrategy = p.FeeStrategy
	}
	if c.PollInterval == nil {
		d := Duration(p.PollInterval)
		c.PollInterval = &d
	}
}

// Poll returns the receipt poll delay. Zero busy-polls.
func (c *Config) Poll() time.Duration {
	if c.PollInterval == nil || c.PollInterval.IsNone() {
		return 0
	}
	return c.PollInterval.Std()
}

// Timeout returns the confirmation timeout, negative when unbounded.
func (c *Config) Timeout() time.Duration {
	return c.ConfirmTimeout.Std()
}

// Validate checks a run configuration. It makes no network calls.
func (c *Config) Validate(profiles *execnode.Registry) error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		return fmt.Errorf("private key is required (PRIVATE_KEY_1)")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if !c.Sequencing.Valid() {
		return fmt.Errorf("unknown sequencing %q (want sequential or pipelined)", c.Sequencing)
	}

	p := profiles.Get(c.Profile)
	if p == nil {
		return fmt.Errorf("unknown chain profile %q (supported: %s)", c.Profile, strings.Join(profiles.Names(), ", "))
	}
	strategy := c.Strategy
	if strategy == "" {
		strategy = p.DefaultStrategy
	}
	if !strategy.Valid() {
		return fmt.Errorf("unknown strategy %q (want async, sync or realtime)", strategy)
	}
	if !p.Supports(strategy) {
		return fmt.Errorf("chain profile %s does not support the %s strategy", p.Name, strategy)
	}

	if c.ConfirmTimeout < None {
		return fmt.Errorf("confirm timeout must not be negative")
	}
	if c.PollInterval != nil && *c.PollInterval < None {
		return fmt.Errorf("poll interval must not be negative")
	}
	if c.InitialDelay < 0 || c.TxDelay < 0 {
		return fmt.Errorf("delays must not be negative or none")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.RPCRetries < 0 {
		return fmt.Errorf("RPC retries must not be negative")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	fee := c.FeeStrategy
	if fee == "" {
		fee = p.FeeStrategy
	}
	if _, err := txbuilder.ParseFeeStrategy(fee, c.GasPriceMultiplier, c.FixedFee()); err != nil {
		return err
	}
	if fee == txbuilder.FeeFixed {
		if _, err := c.FixedFee().Quote(context.Background(), nil); err != nil {
			return err
		}
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// FixedFee returns the configured fixed fee values.
func (c *Config) FixedFee() txbuilder.FixedFee {
	var f txbuilder.FixedFee
	if c.GasPriceWei > 0 {
		f.GasPrice = new(big.Int).SetUint64(c.GasPriceWei)
	}
	if c.GasTipCapWei > 0 && c.GasFeeCapWei > 0 {
		f.TipCap = new(big.Int).SetUint64(c.GasTipCapWei)
		f.FeeCap = new(big.Int).SetUint64(c.GasFeeCapWei)
	}
	return f
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
	}
	return level, nil
}
