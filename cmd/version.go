package cmd

import (
	"fmt"

	"github.com/osmanclan1/ProdiBot/prodibot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"prodibot version=%s commit=%s built: %s",
			prodibot.Version,
			prodibot.CommitSHA,
			prodibot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
