package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and resend webhook deliveries",
}

// getCmd fetches a single delivery
var getCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show the state of a delivery",
	Long: `Show a delivery's status, attempt count, last HTTP outcome, and
retry schedule.

Example:
  azeractl delivery get 7f3c2a10-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/v1/deliveries/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		fmt.Printf("Delivery %s:\n", args[0])
		for _, k := range []string{"status", "attempt_count", "last_status_code", "last_error", "next_retry_at", "last_attempted_at"} {
			if v, ok := resp[k]; ok && v != nil {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
		return nil
	},
}

// resendCmd resets a delivery for immediate re-attempt
var resendCmd = &cobra.Command{
	Use:   "resend [delivery-id]",
	Short: "Reset a delivery for immediate re-attempt",
	Long: `Reset a delivery (including a dead-lettered one) back to pending
with a fresh retry budget. The next sweep picks it up; combine with
"azeractl dispatch run" for faster feedback.

Example:
  azeractl delivery resend 7f3c2a10-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("POST", "/v1/deliveries/"+args[0]+"/resend", nil)
		if err != nil {
			return fmt.Errorf("failed to resend delivery: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		fmt.Printf("Delivery %s reset to pending\n", args[0])

		runNow, _ := cmd.Flags().GetBool("run-now")
		if runNow {
			if _, err := doRequest("POST", "/v1/dispatch/run", nil); err != nil {
				return fmt.Errorf("delivery reset but sweep trigger failed: %w", err)
			}
			fmt.Println("Sweep triggered")
		}
		return nil
	},
}

func init() {
	resendCmd.Flags().Bool("run-now", false, "trigger a sweep right after the reset")
	deliveryCmd.AddCommand(getCmd)
	deliveryCmd.AddCommand(resendCmd)
	rootCmd.AddCommand(deliveryCmd)
}
