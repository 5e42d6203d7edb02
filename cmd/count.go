package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bebsworthy/proccensus/internal/census"
)

// countCmd represents the count command
var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print a single process census reading",
	Long: `Print the number of entries in the census directory (/proc by default)
and exit. With --pids-only, only entries named by a process ID are counted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe := census.NewProbe(GetConfig().Census)
		n, err := probe.Count()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(countCmd)
}
