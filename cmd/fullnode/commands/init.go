package commands

import (
	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

// MakeInitFilesCommand returns the command that writes the default config
// and checkpoints files. Existing files are left alone.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes the node home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := conf.ConfigFilePath()
			if fileExists(configFile) {
				logger.Info("Found config file", "path", configFile)
			} else {
				if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
					return err
				}
				logger.Info("Generated config file", "path", configFile)
			}

			checkpointsFile := conf.CheckpointsPath()
			if fileExists(checkpointsFile) {
				logger.Info("Found checkpoints file", "path", checkpointsFile)
				return nil
			}
			params, err := conf.ChainParams()
			if err != nil {
				return err
			}
			if err := config.WriteCheckpoints(checkpointsFile, params.Checkpoints); err != nil {
				return err
			}
			logger.Info("Generated checkpoints file", "path", checkpointsFile,
				"network", params.Name, "checkpoints", len(params.Checkpoints))
			return nil
		},
	}
}
