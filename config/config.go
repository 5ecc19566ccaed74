package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// Networks the node can follow.
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet3"
	NetworkRegtest = "regtest"
	NetworkSimnet  = "simnet"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultNodeHome  = ".fullnode"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName      = "config.toml"
	defaultCheckpointsFileName = "checkpoints.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Consensus       *ConsensusConfig       `mapstructure:"consensus"`
	BlockSync       *BlockSyncConfig       `mapstructure:"blocksync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Consensus:       DefaultConsensusConfig(),
		BlockSync:       DefaultBlockSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Consensus:       TestConsensusConfig(),
		BlockSync:       TestBlockSyncConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.BlockSync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [blocksync] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Network to follow: mainnet | testnet3 | regtest | simnet
	Network string `mapstructure:"network"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Path to a TOML file with checkpoints added to the network's built-in
	// ones. A missing file is not an error.
	CheckpointsFile string `mapstructure:"checkpoints-file"`
}

// DefaultBaseConfig returns a default base configuration for a node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:         defaultMoniker,
		Network:         NetworkMainnet,
		DBBackend:       "goleveldb",
		DBPath:          defaultDataDir,
		LogLevel:        DefaultLogLevel,
		LogFormat:       LogFormatPlain,
		CheckpointsFile: filepath.Join(defaultConfigDir, defaultCheckpointsFileName),
	}
}

// TestBaseConfig returns a base configuration for testing a node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Network = NetworkRegtest
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFilePath returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFilePath() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// CheckpointsPath returns the full path to the checkpoints file
func (cfg BaseConfig) CheckpointsPath() string {
	return rootify(cfg.CheckpointsFile, cfg.RootDir)
}

// ChainParams returns the btcd parameters of the configured network.
func (cfg BaseConfig) ChainParams() (*chaincfg.Params, error) {
	switch cfg.Network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	case NetworkSimnet:
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log-format (must be 'plain' or 'json')")
	}

	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log-level %q", cfg.LogLevel)
	}

	if _, err := cfg.ChainParams(); err != nil {
		return err
	}

	return nil
}

// DefaultLogLevel defines a default log level as INFO.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig defines the configuration for the consensus core: the
// header tree bounds and the validation pipeline.
type ConsensusConfig struct {
	// Deepest reorg the node accepts. Headers forking below
	// tip height - max-reorg-length are rejected and the in-memory tree is
	// pruned below that height.
	MaxReorgLength int64 `mapstructure:"max-reorg-length"`

	// How many blocks above the tip may be requested at once.
	DownloadWindow int64 `mapstructure:"download-window"`

	// Fully validated blocks deeper than this keep only their header in
	// memory; bodies are reloaded from the block store when needed.
	BodyRetentionDepth int64 `mapstructure:"body-retention-depth"`

	// Upper bound of partial validations running at the same time.
	MaxParallelPartialValidations int `mapstructure:"max-parallel-partial-validations"`

	// Number of invalid header hashes remembered.
	InvalidHeaderCacheSize int `mapstructure:"invalid-header-cache-size"`

	// How far in the future a header timestamp may be.
	MaxTimeOffset time.Duration `mapstructure:"max-time-offset"`

	// Capacity of the peer error channel consumed by the peer layer.
	PeerErrorBuffer int `mapstructure:"peer-error-buffer"`
}

// DefaultConsensusConfig returns a default configuration for the consensus core
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		MaxReorgLength:                500,
		DownloadWindow:                1024,
		BodyRetentionDepth:            10,
		MaxParallelPartialValidations: 8,
		InvalidHeaderCacheSize:        4096,
		MaxTimeOffset:                 2 * time.Hour,
		PeerErrorBuffer:               256,
	}
}

// TestConsensusConfig returns a configuration for testing the consensus core
func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.MaxReorgLength = 20
	cfg.DownloadWindow = 64
	cfg.BodyRetentionDepth = 3
	cfg.MaxParallelPartialValidations = 4
	cfg.InvalidHeaderCacheSize = 64
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.MaxReorgLength <= 0 {
		return errors.New("max-reorg-length must be positive")
	}
	if cfg.DownloadWindow <= 0 {
		return errors.New("download-window must be positive")
	}
	if cfg.BodyRetentionDepth < 0 {
		return errors.New("body-retention-depth can't be negative")
	}
	if cfg.BodyRetentionDepth > cfg.MaxReorgLength {
		return fmt.Errorf("body-retention-depth (%d) can't be greater than max-reorg-length (%d)",
			cfg.BodyRetentionDepth, cfg.MaxReorgLength)
	}
	if cfg.MaxParallelPartialValidations <= 0 {
		return errors.New("max-parallel-partial-validations must be positive")
	}
	if cfg.InvalidHeaderCacheSize <= 0 {
		return errors.New("invalid-header-cache-size must be positive")
	}
	if cfg.MaxTimeOffset < 0 {
		return errors.New("max-time-offset can't be negative")
	}
	if cfg.PeerErrorBuffer < 0 {
		return errors.New("peer-error-buffer can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BlockSyncConfig

// BlockSyncConfig defines the configuration for the block download
// coordinator.
type BlockSyncConfig struct {
	// How long a peer has to deliver a requested block.
	PeerTimeout time.Duration `mapstructure:"peer-timeout"`

	// Number of peers tried for one block before its branch is abandoned.
	MaxAttempts int `mapstructure:"max-attempts"`

	// Maximum number of requests in flight to a single peer.
	MaxPendingPerPeer int `mapstructure:"max-pending-per-peer"`

	// Requests per second sent to a single peer. 0 disables pacing.
	PeerRequestRate float64 `mapstructure:"peer-request-rate"`

	// Burst allowed on top of peer-request-rate.
	PeerRequestBurst int `mapstructure:"peer-request-burst"`

	// Number of recently delivered blocks kept to serve repeated requests.
	DeliveredCacheSize int `mapstructure:"delivered-cache-size"`
}

// DefaultBlockSyncConfig returns a default configuration for block download
func DefaultBlockSyncConfig() *BlockSyncConfig {
	return &BlockSyncConfig{
		PeerTimeout:        15 * time.Second,
		MaxAttempts:        4,
		MaxPendingPerPeer:  32,
		PeerRequestRate:    50,
		PeerRequestBurst:   16,
		DeliveredCacheSize: 4096,
	}
}

// TestBlockSyncConfig returns a configuration for testing block download
func TestBlockSyncConfig() *BlockSyncConfig {
	cfg := DefaultBlockSyncConfig()
	cfg.PeerTimeout = 2 * time.Second
	cfg.MaxAttempts = 3
	cfg.PeerRequestRate = 0
	cfg.DeliveredCacheSize = 128
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *BlockSyncConfig) ValidateBasic() error {
	if cfg.PeerTimeout <= 0 {
		return errors.New("peer-timeout must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return errors.New("max-attempts must be positive")
	}
	if cfg.MaxPendingPerPeer <= 0 {
		return errors.New("max-pending-per-peer must be positive")
	}
	if cfg.PeerRequestRate < 0 {
		return errors.New("peer-request-rate can't be negative")
	}
	if cfg.PeerRequestRate > 0 && cfg.PeerRequestBurst <= 0 {
		return errors.New("peer-request-burst must be positive when peer-request-rate is set")
	}
	if cfg.DeliveredCacheSize <= 0 {
		return errors.New("delivered-cache-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "fullnode",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	if cfg.Prometheus && strings.TrimSpace(cfg.PrometheusListenAddr) == "" {
		return errors.New("prometheus-listen-addr is required when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
