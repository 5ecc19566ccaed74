package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/version"
)

var verbose bool

// VersionCmd prints the node version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose {
			values, _ := json.MarshalIndent(struct {
				Node            string `json:"node"`
				ProtocolVersion uint32 `json:"protocol_version"`
			}{
				Node:            version.Version,
				ProtocolVersion: version.ProtocolVersion,
			}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		}
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol version")
}
