package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/cli"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

// ParseConfig retrieves the default environment configuration,
// sets up the node root and ensures that the root exists
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point of the node.
func RootCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fullnode",
		Short: "Proof of work full node consensus core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == VersionCmd.Name() {
				return nil
			}

			if err := cli.BindFlagsLoadViper(cmd, args); err != nil {
				return err
			}

			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			config.EnsureRoot(conf.RootDir)
			return log.OverrideWithNewLogger(logger, conf.LogFormat, conf.LogLevel)
		},
	}
	cmd.PersistentFlags().StringP(cli.HomeFlag, "", os.ExpandEnv(filepath.Join("$HOME", config.DefaultNodeHome)), "directory for config and data")
	cmd.PersistentFlags().Bool(cli.TraceFlag, false, "print out full stack trace on errors")
	cmd.PersistentFlags().String("log-level", conf.LogLevel, "log level")
	cmd.PersistentFlags().String("network", conf.Network, "network to follow: mainnet | testnet3 | regtest | simnet")
	cobra.OnInitialize(func() { cli.InitEnv("FULLNODE") })
	return cmd
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db-backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db-dir",
		conf.DBPath,
		"database directory")
}
