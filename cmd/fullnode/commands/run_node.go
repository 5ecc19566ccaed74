package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	cmd.Flags().Int64("consensus.max-reorg-length", conf.Consensus.MaxReorgLength,
		"deepest reorg the node accepts")
	cmd.Flags().Int64("consensus.download-window", conf.Consensus.DownloadWindow,
		"how many blocks above the tip may be requested at once")

	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus,
		"serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr", conf.Instrumentation.PrometheusListenAddr,
		"prometheus listen address")

	addDBFlags(cmd, conf)
}

// NewRunNodeCmd returns the command that starts a node and runs it until
// the command context is canceled.
func NewRunNodeCmd(conf *config.Config, logger log.Logger, opts ...node.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.New(conf, logger, opts...)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "network", n.Params().Name, "tip", n.Consensus().GetTip())

			// stops upon receiving SIGTERM or CTRL-C
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
