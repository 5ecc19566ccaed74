package confix_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/confix"
)

const oldConfig = `# An older config file
moniker = "node0"
network = "regtest"
db_backend = "goleveldb"
max_reorg_length = 200

[consensus]
download_window = 512
checkpoints_enabled = true

[blockpuller]
peer_timeout = "20s"
max_attempts = 3
delivered_set_size = 1000
`

func TestUpgrade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(oldConfig), 0600))

	require.NoError(t, confix.Upgrade(ctx, path, path))

	var got map[string]interface{}
	_, err := toml.DecodeFile(path, &got)
	require.NoError(t, err)

	assert.Equal(t, "goleveldb", got["db-backend"])
	assert.NotContains(t, got, "max-reorg-length")
	assert.NotContains(t, got, "blockpuller")

	consensus := got["consensus"].(map[string]interface{})
	assert.EqualValues(t, 200, consensus["max-reorg-length"])
	assert.EqualValues(t, 512, consensus["download-window"])
	assert.EqualValues(t, config.DefaultConsensusConfig().PeerErrorBuffer, consensus["peer-error-buffer"])
	assert.NotContains(t, consensus, "checkpoints-enabled")

	blocksync := got["blocksync"].(map[string]interface{})
	assert.Equal(t, "20s", blocksync["peer-timeout"])
	assert.EqualValues(t, 1000, blocksync["delivered-cache-size"])
	assert.EqualValues(t, config.DefaultBlockSyncConfig().PeerRequestBurst, blocksync["peer-request-burst"])
	assert.Contains(t, blocksync, "peer-request-rate")
}

func TestUpgradeCurrentConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	require.NoError(t, config.WriteConfigFile(dir, config.DefaultConfig()))
	path := filepath.Join(dir, "config", "config.toml")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	out := filepath.Join(dir, "upgraded.toml")
	require.NoError(t, confix.Upgrade(ctx, path, out))

	// nothing to change in a file written by this version
	after, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, confix.CheckValid(after))
	assert.Contains(t, string(before), "peer-request-rate")
	assert.Equal(t, strings.Count(string(before), "peer-request-rate ="), strings.Count(string(after), "peer-request-rate ="))
}

func TestUpgradeRejectsInvalidResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[consensus]\nmax_reorg_length = -1\n"), 0600))

	err := confix.Upgrade(ctx, path, path)
	require.Error(t, err)

	// the input is left untouched
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_reorg_length")
}

func TestUpgradeMissingFile(t *testing.T) {
	err := confix.Upgrade(context.Background(), filepath.Join(t.TempDir(), "nope.toml"), "")
	assert.Error(t, err)

	assert.Error(t, confix.Upgrade(context.Background(), "", ""))
}
