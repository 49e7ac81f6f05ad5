package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Provision and wake tenant droplets",
}

func init() {
	tenantCmd.AddCommand(tenantProvisionCmd)
	tenantCmd.AddCommand(tenantWakeCmd)
	tenantCmd.AddCommand(tenantEligibilityCmd)

	tenantProvisionCmd.Flags().String("slug", "", "Tenant slug (required)")
	tenantProvisionCmd.Flags().String("region", "", "Region to provision in (required)")
	tenantProvisionCmd.Flags().String("size", "", "Droplet size override")
	tenantProvisionCmd.Flags().Int("priority", 0, "Job priority, lower runs first")
	_ = tenantProvisionCmd.MarkFlagRequired("slug")
	_ = tenantProvisionCmd.MarkFlagRequired("region")

	tenantWakeCmd.Flags().String("reason", "", "Wake reason (defaults to admin_request)")
}

var tenantProvisionCmd = &cobra.Command{
	Use:   "provision TENANT_ID",
	Short: "Enqueue provisioning of a new droplet for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, _ := cmd.Flags().GetString("slug")
		region, _ := cmd.Flags().GetString("region")
		size, _ := cmd.Flags().GetString("size")
		priority, _ := cmd.Flags().GetInt("priority")

		body := map[string]any{
			"slug":            slug,
			"region":          region,
			"size":            size,
			"priority":        priority,
			"requester":       "cli",
			"idempotency_key": "provision:" + args[0],
		}
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := apiCall(cmd, http.MethodPost, "/api/v1/tenants/"+args[0]+"/provision", body, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Provisioning enqueued for %s (job %s)\n", args[0], out.JobID)
		return nil
	},
}

var tenantEligibilityCmd = &cobra.Command{
	Use:   "eligibility TENANT_ID",
	Short: "Show whether a tenant would be hibernated by the next sweep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Eligible bool   `json:"eligible"`
			Reason   string `json:"reason"`
		}
		if err := apiCall(cmd, http.MethodGet, "/api/v1/tenants/"+args[0]+"/hibernation", nil, &out); err != nil {
			return err
		}
		if out.Eligible {
			fmt.Printf("%s is eligible for hibernation\n", args[0])
		} else {
			fmt.Printf("%s is not eligible: %s\n", args[0], out.Reason)
		}
		return nil
	},
}

var tenantWakeCmd = &cobra.Command{
	Use:   "wake TENANT_ID",
	Short: "Wake a hibernated tenant droplet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		body := map[string]string{"reason": reason}
		var out struct {
			JobID string `json:"job_id"`
		}
		if err := apiCall(cmd, http.MethodPost, "/api/v1/tenants/"+args[0]+"/wake", body, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Wake enqueued for %s (job %s)\n", args[0], out.JobID)
		return nil
	},
}
