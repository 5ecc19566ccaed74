package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/creachadair/atomicfile"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := ensureDir(dir, defaultDirPerm); err != nil {
			panic(err.Error())
		}
	}
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/fullnode/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return writeFile(path, buffer.Bytes(), 0644)
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !fileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/fullnode/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.fullnode" by default, but could be changed via $FULLNODE_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Network to follow: mainnet | testnet3 | regtest | simnet
network = "{{ .BaseConfig.Network }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Extra checkpoints, merged with the network's built-in ones
checkpoints-file = "{{ js .BaseConfig.CheckpointsFile }}"

#######################################################
###         Consensus Configuration Options         ###
#######################################################
[consensus]

# Deepest reorg the node accepts
max-reorg-length = {{ .Consensus.MaxReorgLength }}

# How many blocks above the tip may be requested at once
download-window = {{ .Consensus.DownloadWindow }}

# Blocks deeper than this keep only their header in memory
body-retention-depth = {{ .Consensus.BodyRetentionDepth }}

# Upper bound of partial validations running at the same time
max-parallel-partial-validations = {{ .Consensus.MaxParallelPartialValidations }}

# Number of invalid header hashes remembered
invalid-header-cache-size = {{ .Consensus.InvalidHeaderCacheSize }}

# How far in the future a header timestamp may be
max-time-offset = "{{ .Consensus.MaxTimeOffset }}"

# Capacity of the peer error channel
peer-error-buffer = {{ .Consensus.PeerErrorBuffer }}

#######################################################
###       Block Sync Configuration Options          ###
#######################################################
[blocksync]

# How long a peer has to deliver a requested block
peer-timeout = "{{ .BlockSync.PeerTimeout }}"

# Number of peers tried for one block before its branch is abandoned
max-attempts = {{ .BlockSync.MaxAttempts }}

# Maximum number of requests in flight to a single peer
max-pending-per-peer = {{ .BlockSync.MaxPendingPerPeer }}

# Requests per second sent to a single peer. 0 disables pacing.
peer-request-rate = {{ .BlockSync.PeerRequestRate }}

# Burst allowed on top of peer-request-rate
peer-request-burst = {{ .BlockSync.PeerRequestBurst }}

# Number of recently delivered blocks kept to serve repeated requests
delivered-cache-size = {{ .BlockSync.DeliveredCacheSize }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory under dir with a default
// config file and returns a test configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under os.TempDir()
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	// ensure config and data subdirs are created
	if err := ensureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return nil, err
	}
	if err := ensureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return nil, err
	}

	// Write default config file if missing.
	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	return config, nil
}

func ensureDir(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

func fileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := atomicfile.WriteData(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
