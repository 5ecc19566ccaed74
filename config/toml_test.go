package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	require := require.New(t)

	// setup temp dir for test
	tmpDir := t.TempDir()

	// create root dir
	EnsureRoot(tmpDir)

	require.NoError(WriteConfigFile(tmpDir, DefaultConfig()))

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(err)

	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data")
}

func TestEnsureTestRoot(t *testing.T) {
	testName := "ensureTestRoot"

	// create root dir
	cfg, err := ResetTestRoot(t.TempDir(), testName)
	require.NoError(t, err)
	rootDir := cfg.RootDir

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))

	ensureFiles(t, rootDir, "data", "config")
	assert.Equal(t, NetworkRegtest, cfg.Network)
}

func TestRenderedConfigRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.MaxReorgLength = 123
	cfg.BlockSync.PeerRequestRate = 2.5

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.WriteToTemplate(path))

	var decoded struct {
		Network   string `toml:"network"`
		Consensus struct {
			MaxReorgLength int64  `toml:"max-reorg-length"`
			MaxTimeOffset  string `toml:"max-time-offset"`
		} `toml:"consensus"`
		BlockSync struct {
			PeerRequestRate float64 `toml:"peer-request-rate"`
		} `toml:"blocksync"`
	}
	_, err := toml.DecodeFile(path, &decoded)
	require.NoError(t, err)
	assert.Equal(t, NetworkMainnet, decoded.Network)
	assert.EqualValues(t, 123, decoded.Consensus.MaxReorgLength)
	assert.Equal(t, "2h0m0s", decoded.Consensus.MaxTimeOffset)
	assert.Equal(t, 2.5, decoded.BlockSync.PeerRequestRate)
}

func TestLoadCheckpoints(t *testing.T) {
	params := chaincfg.RegressionNetParams
	params.Checkpoints = []chaincfg.Checkpoint{
		{Height: 10, Hash: newHash(t, "0a")},
	}
	dir := t.TempDir()

	// missing file yields the built-in ones
	cps, err := LoadCheckpoints(filepath.Join(dir, "missing.toml"), &params)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	path := filepath.Join(dir, "checkpoints.toml")
	require.NoError(t, WriteCheckpoints(path, []chaincfg.Checkpoint{
		{Height: 20, Hash: newHash(t, "14")},
		{Height: 10, Hash: newHash(t, "0a")},
	}))
	cps, err = LoadCheckpoints(path, &params)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.EqualValues(t, 10, cps[0].Height)
	assert.EqualValues(t, 20, cps[1].Height)
	assert.True(t, cps[1].Hash.IsEqual(newHash(t, "14")))

	// conflicting entry
	require.NoError(t, WriteCheckpoints(path, []chaincfg.Checkpoint{
		{Height: 10, Hash: newHash(t, "0b")},
	}))
	_, err = LoadCheckpoints(path, &params)
	assert.Error(t, err)

	// malformed hash
	require.NoError(t, os.WriteFile(path, []byte("[[checkpoint]]\nheight = 5\nhash = \"zz\"\n"), 0644))
	_, err = LoadCheckpoints(path, &params)
	assert.Error(t, err)
}

func newHash(t *testing.T, s string) *chainhash.Hash {
	t.Helper()
	h, err := chainhash.NewHashFromStr(s)
	require.NoError(t, err)
	return h
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()
	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"network",
		"db-backend",
		"log-level",
		"checkpoints-file",
		"consensus",
		"max-reorg-length",
		"download-window",
		"blocksync",
		"peer-timeout",
		"instrumentation",
		"prometheus",
	}
	for _, e := range elems {
		if !strings.Contains(configFile, e) {
			t.Errorf("config file was expected to contain %s but did not", e)
		}
	}
}
