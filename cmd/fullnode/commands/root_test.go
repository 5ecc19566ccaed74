package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/test/factory"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/cli"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

// writeConfigVals writes a toml file with the given values.
// It returns an error if writing was impossible.
func writeConfigVals(dir string, vals map[string]string) error {
	data := ""
	for k, v := range vals {
		data += fmt.Sprintf("%s = \"%s\"\n", k, v)
	}
	cfile := filepath.Join(dir, "config.toml")
	return os.WriteFile(cfile, []byte(data), 0600)
}

// clearConfig clears env vars, the given root dir, and resets viper.
func clearConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("FULLNODEHOME"))
	require.NoError(t, os.Unsetenv("FULLNODE_HOME"))
	require.NoError(t, os.RemoveAll(dir))

	viper.Reset()
	conf := config.DefaultConfig()
	conf.SetRoot(dir)

	return conf
}

// prepare new rootCmd
func testRootCmd(conf *config.Config) *cobra.Command {
	logger := log.NewNopLogger()
	cmd := RootCommand(conf, logger)
	var l string
	cmd.PersistentFlags().String("log", l, "Log")
	return cmd
}

func testSetup(ctx context.Context, t *testing.T, conf *config.Config, args []string, env map[string]string) error {
	t.Helper()

	cmd := testRootCmd(conf)
	viper.Set(cli.HomeFlag, conf.RootDir)

	// run with the args and env
	args = append([]string{cmd.Use}, args...)
	return RunWithArgs(ctx, cmd, args, env)
}

func TestRootHome(t *testing.T) {
	defaultRoot := t.TempDir()
	newRoot := filepath.Join(defaultRoot, "something-else")
	cases := []struct {
		args []string
		env  map[string]string
		root string
	}{
		{nil, nil, defaultRoot},
		{[]string{"--home", newRoot}, nil, newRoot},
		{nil, map[string]string{"FULLNODEHOME": newRoot}, newRoot},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, tc.root)

			err := testSetup(ctx, t, conf, tc.args, tc.env)
			require.NoError(t, err)

			require.Equal(t, tc.root, conf.RootDir)
		})
	}
}

func TestRootFlagsEnv(t *testing.T) {
	// defaults
	defaults := config.DefaultConfig()
	defaultDir := t.TempDir()

	defaultLogLvl := defaults.LogLevel

	cases := []struct {
		args     []string
		env      map[string]string
		logLevel string
		network  string
	}{
		{[]string{"--log", "debug"}, nil, defaultLogLvl, config.NetworkMainnet},                     // wrong flag
		{[]string{"--log-level", "debug"}, nil, "debug", config.NetworkMainnet},                     // right flag
		{nil, map[string]string{"FULLNODE_LOG_LEVEL": "debug"}, "debug", config.NetworkMainnet},     // right env
		{[]string{"--network", "regtest"}, nil, defaultLogLvl, config.NetworkRegtest},               // network flag
		{nil, map[string]string{"FULLNODE_NETWORK": "simnet"}, defaultLogLvl, config.NetworkSimnet}, // network env
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conf := clearConfig(t, defaultDir)

			err := testSetup(ctx, t, conf, tc.args, tc.env)
			require.NoError(t, err)

			assert.Equal(t, tc.logLevel, conf.LogLevel)
			assert.Equal(t, tc.network, conf.Network)
		})
	}
}

func TestRootConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// write non-default config
	nonDefaultLogLvl := "debug"
	cvals := map[string]string{
		"log-level": nonDefaultLogLvl,
	}

	cases := []struct {
		args   []string
		env    map[string]string
		logLvl string
	}{
		{nil, nil, nonDefaultLogLvl},                // should load config
		{[]string{"--log-level=info"}, nil, "info"}, // flag over rides
	}

	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			defaultRoot := t.TempDir()
			conf := clearConfig(t, defaultRoot)
			conf.LogLevel = tc.logLvl

			configFilePath := filepath.Join(defaultRoot, "config")
			require.NoError(t, os.MkdirAll(configFilePath, 0700))
			require.NoError(t, writeConfigVals(configFilePath, cvals))

			cmd := testRootCmd(conf)

			// run with the args and env
			tc.args = append([]string{cmd.Use}, tc.args...)
			err := RunWithArgs(ctx, cmd, tc.args, tc.env)
			require.NoError(t, err)

			require.Equal(t, tc.logLvl, conf.LogLevel)
		})
	}
}

func TestRootInvalidConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := clearConfig(t, t.TempDir())
	err := testSetup(ctx, t, conf, []string{"--network", "dogecoin"}, nil)
	require.Error(t, err)
}

func TestInitImportShowTip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root := t.TempDir()
	logger := log.NewNopLogger()

	run := func(t *testing.T, out *bytes.Buffer, args ...string) error {
		t.Helper()
		conf := clearConfig(t, filepath.Join(root, "missing"))
		conf.SetRoot(root)

		cmd := RootCommand(conf, logger)
		showTip := MakeShowTipCommand(conf)
		if out != nil {
			showTip.SetOut(out)
		}
		cmd.AddCommand(
			MakeInitFilesCommand(conf, logger),
			MakeImportCommand(conf, logger),
			showTip,
		)
		args = append([]string{cmd.Use, "--home", root, "--network", config.NetworkRegtest}, args...)
		return RunWithArgs(ctx, cmd, args, nil)
	}

	require.NoError(t, run(t, nil, "init"))
	assert.FileExists(t, filepath.Join(root, "config", "config.toml"))
	assert.FileExists(t, filepath.Join(root, "config", "checkpoints.toml"))

	// nothing stored yet
	require.Error(t, run(t, nil, "show-tip"))

	blocks := factory.MakeChain(factory.Genesis().Header, 12)
	var buf bytes.Buffer
	for _, chb := range blocks {
		require.NoError(t, chb.Block.Serialize(&buf))
	}
	blocksFile := filepath.Join(root, "blocks.dat")
	require.NoError(t, os.WriteFile(blocksFile, buf.Bytes(), 0600))

	require.NoError(t, run(t, nil, "import", blocksFile))

	var out bytes.Buffer
	require.NoError(t, run(t, &out, "show-tip"))

	var tip struct {
		Hash   string `json:"hash"`
		Height int64  `json:"height"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &tip))
	assert.Equal(t, factory.Tip(blocks).Hash.String(), tip.Hash)
	assert.EqualValues(t, 12, tip.Height)
}

// RunWithArgs executes the given command with the specified command line args
// and environmental variables set. It returns any error returned from cmd.Execute()
func RunWithArgs(ctx context.Context, cmd *cobra.Command, args []string, env map[string]string) error {
	oargs := os.Args
	oenv := map[string]string{}
	// defer returns the environment back to normal
	defer func() {
		os.Args = oargs
		for k, v := range oenv {
			os.Setenv(k, v)
		}
	}()

	// set the args and env how we want them
	os.Args = args
	for k, v := range env {
		// backup old value if there, to restore at end
		oenv[k] = os.Getenv(k)
		err := os.Setenv(k, v)
		if err != nil {
			return err
		}
	}

	// and finally run the command
	return cli.RunWithTrace(ctx, cmd)
}
