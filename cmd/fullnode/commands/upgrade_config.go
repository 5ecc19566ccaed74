package commands

import (
	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/confix"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

// MakeUpgradeConfigCommand returns the command that rewrites the config file
// of the home directory to the current layout.
func MakeUpgradeConfigCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "upgrade-config",
		Short: "Upgrade the config file to the current version",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.ConfigFilePath()
			if output == "" {
				output = path
			}
			if err := confix.Upgrade(cmd.Context(), path, output); err != nil {
				return err
			}
			logger.Info("upgraded config file", "input", path, "output", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of replacing the input")
	return cmd
}
