package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "Supervisor for long-running report generation workers",
	Long: `reportd accepts report jobs over HTTP, starts one worker process per
approved job and keeps it supervised until the job completes, fails or is
removed.

Examples:
  reportd serve --config configs/config.yaml
  reportd estimate --dir jobs/3f2a --name lake_erie --start 2001 --end 2010`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
