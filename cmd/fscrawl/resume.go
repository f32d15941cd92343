package main

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a crawl from its last checkpoint",
	Long: `Continue a previously started crawl. The database must exist; seed
flags are ignored. The run picks up at the first uncommitted iteration,
re-dispatching any pids that were in flight when the last process died.

EXAMPLES:
  fscrawl resume --out-dir ./out --basename smith
  fscrawl resume --out-dir ./out --basename smith --max-hopcount 6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)
		return runCrawl(cmd.Context(), true)
	},
}

func init() {
	addRunFlags(resumeCmd)
}
