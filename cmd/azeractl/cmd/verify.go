package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// verifyCmd lists a tenant's webhook signing secrets
var verifyCmd = &cobra.Command{
	Use:   "verify [tenant-id]",
	Short: "List webhook signing secrets for a tenant",
	Long: `Fetch the id and signing secret of each active subscription for a
tenant, for receiver-side signature validation.

Example:
  azeractl verify tenant-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest("GET", "/v1/verify-webhook?tenant_id="+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to fetch secrets: %w", err)
		}
		if outputJSON {
			printJSON(resp)
			return nil
		}
		hooks, _ := resp["webhooks"].([]any)
		if len(hooks) == 0 {
			fmt.Println("No active subscriptions")
			return nil
		}
		fmt.Printf("Active subscriptions for tenant %s:\n", args[0])
		for _, h := range hooks {
			m, ok := h.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  %v  secret=%v\n", m["id"], m["secret"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
