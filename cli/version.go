package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
