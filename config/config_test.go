package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.Consensus)
	assert.NotNil(cfg.BlockSync)
	assert.NotNil(cfg.Instrumentation)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())
	assert.Equal("/foo/config/checkpoints.toml", cfg.CheckpointsPath())
	assert.Equal("/foo/config/config.toml", cfg.ConfigFilePath())

	cfg.DBPath = "data"
	assert.Equal("/foo/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Consensus.MaxReorgLength = 0
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[consensus]")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with log format
	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.Network = "dogecoin"
	assert.Error(t, cfg.ValidateBasic())
}

func TestBaseConfigChainParams(t *testing.T) {
	testCases := map[string]*chaincfg.Params{
		NetworkMainnet: &chaincfg.MainNetParams,
		NetworkTestnet: &chaincfg.TestNet3Params,
		NetworkRegtest: &chaincfg.RegressionNetParams,
		NetworkSimnet:  &chaincfg.SimNetParams,
	}
	for network, want := range testCases {
		t.Run(network, func(t *testing.T) {
			cfg := DefaultBaseConfig()
			cfg.Network = network
			params, err := cfg.ChainParams()
			require.NoError(t, err)
			assert.Equal(t, want.Name, params.Name)
		})
	}
}

func TestConsensusConfigValidateBasic(t *testing.T) {
	testcases := map[string]struct {
		modify    func(*ConsensusConfig)
		expectErr bool
	}{
		"MaxReorgLength":                     {func(c *ConsensusConfig) { c.MaxReorgLength = 1 }, true},
		"MaxReorgLength negative":            {func(c *ConsensusConfig) { c.MaxReorgLength = -1 }, true},
		"MaxReorgLength equals retention":    {func(c *ConsensusConfig) { c.MaxReorgLength = c.BodyRetentionDepth }, false},
		"DownloadWindow":                     {func(c *ConsensusConfig) { c.DownloadWindow = 0 }, true},
		"BodyRetentionDepth":                 {func(c *ConsensusConfig) { c.BodyRetentionDepth = 0 }, false},
		"BodyRetentionDepth negative":        {func(c *ConsensusConfig) { c.BodyRetentionDepth = -1 }, true},
		"MaxParallelPartialValidations":      {func(c *ConsensusConfig) { c.MaxParallelPartialValidations = 0 }, true},
		"InvalidHeaderCacheSize":             {func(c *ConsensusConfig) { c.InvalidHeaderCacheSize = 0 }, true},
		"MaxTimeOffset":                      {func(c *ConsensusConfig) { c.MaxTimeOffset = time.Minute }, false},
		"MaxTimeOffset negative":             {func(c *ConsensusConfig) { c.MaxTimeOffset = -time.Minute }, true},
		"PeerErrorBuffer zero is unbuffered": {func(c *ConsensusConfig) { c.PeerErrorBuffer = 0 }, false},
		"PeerErrorBuffer negative":           {func(c *ConsensusConfig) { c.PeerErrorBuffer = -1 }, true},
	}
	for desc, tc := range testcases {
		tc := tc
		t.Run(desc, func(t *testing.T) {
			cfg := DefaultConsensusConfig()
			tc.modify(cfg)

			err := cfg.ValidateBasic()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBlockSyncConfigValidateBasic(t *testing.T) {
	cfg := TestBlockSyncConfig()
	assert.NoError(t, cfg.ValidateBasic())

	fieldsToTest := []string{
		"PeerTimeout",
		"MaxAttempts",
		"MaxPendingPerPeer",
		"DeliveredCacheSize",
	}

	reflectCfg := reflect.ValueOf(cfg).Elem()
	for _, fieldName := range fieldsToTest {
		field := reflectCfg.FieldByName(fieldName)
		old := field.Int()
		field.SetInt(0)
		assert.Error(t, cfg.ValidateBasic(), fieldName)
		field.SetInt(old)
	}

	cfg.PeerRequestRate = 10
	cfg.PeerRequestBurst = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with maximum open connections
	cfg.MaxOpenConnections = -1
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestInstrumentationConfig()
	cfg.Prometheus = true
	cfg.PrometheusListenAddr = " "
	assert.Error(t, cfg.ValidateBasic())
}
