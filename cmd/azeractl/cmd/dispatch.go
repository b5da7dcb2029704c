package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Control the delivery dispatcher",
}

// runCmd triggers an immediate sweep
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger an immediate dispatch sweep",
	Long: `Request an immediate sweep over due deliveries, bypassing the
normal interval. The sweep runs asynchronously; use "azeractl delivery
get" afterwards to inspect outcomes.

Example:
  azeractl dispatch run`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("POST", "/v1/dispatch/run", nil)
		if err != nil {
			return fmt.Errorf("failed to trigger sweep: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		fmt.Println("Sweep triggered")
		return nil
	},
}

func init() {
	dispatchCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dispatchCmd)
}
