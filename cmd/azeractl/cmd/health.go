package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd checks the dispatcher's health endpoint
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dispatcher health",
	Long: `Query the dispatcher's health endpoint, reporting database
reachability and the time of the last completed sweep.

Example:
  azeractl health`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/healthz", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		if ok, _ := resp["ok"].(bool); ok {
			fmt.Println("Dispatcher is healthy")
		} else {
			fmt.Printf("Dispatcher is unhealthy: %v\n", resp["message"])
		}
		if ls, ok := resp["last_sweep"].(string); ok && ls != "" {
			fmt.Printf("Last sweep: %s\n", ls)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
