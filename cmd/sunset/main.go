// Sunset - cloud resource lifecycle governor
// Warn. Wait. Delete.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sunset/providers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and available providers",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sunset %s\nproviders: %s\n", version, strings.Join(providers.ListProviders(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	Execute()
}
