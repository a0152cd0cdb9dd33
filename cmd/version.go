package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/retrograph/retrograph/internal/ui"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Retrograph version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s/%s)\n",
			ui.StyleTitle.Render("retrograph"), version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
