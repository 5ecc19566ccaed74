package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/store"
)

// MakeShowTipCommand returns the command that prints the persisted
// consensus tip.
func MakeShowTipCommand(conf *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-tip",
		Short: "Show the persisted consensus tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := config.DefaultDBProvider(&config.DBContext{ID: "blockstore", Config: conf})
			if err != nil {
				return err
			}
			blockStore := store.NewBlockStore(db)
			defer blockStore.Close()

			tip := blockStore.LoadTip()
			if tip == nil {
				return errors.New("no chain stored, start the node first")
			}

			bz, err := json.MarshalIndent(struct {
				Hash      string `json:"hash"`
				Height    int64  `json:"height"`
				ChainWork string `json:"chain_work"`
			}{
				Hash:      tip.Hash.String(),
				Height:    tip.Height,
				ChainWork: tip.ChainWork.Text(16),
			}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bz))
			return err
		},
	}

	addDBFlags(cmd, conf)
	return cmd
}
