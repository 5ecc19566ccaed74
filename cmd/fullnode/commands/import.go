package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/node"
)

// MakeImportCommand returns the command that feeds a file of concatenated
// serialized blocks through consensus, as if announced by a peer.
func MakeImportCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import blocks from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			puller := node.NewFilePuller()
			headers, err := puller.Load(f)
			f.Close()
			if err != nil {
				return err
			}
			logger.Info("read import file", "path", args[0], "blocks", len(headers))

			n, err := node.New(conf, logger, node.WithBlockPuller(puller))
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := n.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			defer func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
				n.Wait()
			}()

			tip, err := n.Import(cmd.Context(), headers)
			if err != nil {
				return err
			}
			logger.Info("import complete", "tip", tip)
			return nil
		},
	}

	addDBFlags(cmd, conf)
	return cmd
}
