package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/genesishq/genesis/pkg/types"
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Manage fleet rollouts",
}

func init() {
	rolloutCmd.AddCommand(rolloutCreateCmd)
	rolloutCmd.AddCommand(rolloutStatusCmd)
	rolloutCmd.AddCommand(rolloutPauseCmd)
	rolloutCmd.AddCommand(rolloutResumeCmd)
	rolloutCmd.AddCommand(rolloutAbortCmd)
	rolloutCmd.AddCommand(rolloutSkipCmd)
	rolloutCmd.AddCommand(rolloutRollbackCmd)

	rolloutCreateCmd.Flags().StringP("file", "f", "", "YAML rollout plan (required)")
	_ = rolloutCreateCmd.MarkFlagRequired("file")

	rolloutAbortCmd.Flags().String("reason", "", "Why the rollout is being aborted")

	rolloutRollbackCmd.Flags().String("component", "", "Component to roll back (required)")
	rolloutRollbackCmd.Flags().String("to-version", "", "Version to roll back to (required)")
	rolloutRollbackCmd.Flags().String("scope", "all", "Target scope: all, affected_only or single_tenant")
	rolloutRollbackCmd.Flags().String("tenant", "", "Tenant ID for single_tenant scope")
	rolloutRollbackCmd.Flags().String("reason", "", "Why the component is being rolled back")
	_ = rolloutRollbackCmd.MarkFlagRequired("component")
	_ = rolloutRollbackCmd.MarkFlagRequired("to-version")
}

// RolloutPlan is the YAML shape of a rollout plan file
type RolloutPlan struct {
	Component string   `yaml:"component"`
	ToVersion string   `yaml:"to_version"`
	Strategy  string   `yaml:"strategy,omitempty"`
	TenantIDs []string `yaml:"tenant_ids,omitempty"`
	Workflow  struct {
		Name       string         `yaml:"name,omitempty"`
		Definition map[string]any `yaml:"definition,omitempty"`
	} `yaml:"workflow,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	CreatedBy string `yaml:"created_by,omitempty"`
	Reason    string `yaml:"reason,omitempty"`
	Paused    bool   `yaml:"paused,omitempty"`
}

var rolloutCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a rollout from a plan file",
	Long: `Create a rollout from a YAML plan.

Examples:
  # Roll a workflow template across the fleet
  genesis rollout create -f welcome-v42.yaml

  # Stage a sidecar update but hold the first wave
  genesis rollout create -f sidecar-1.5.0.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read plan: %v", err)
		}
		var plan RolloutPlan
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("failed to parse plan: %v", err)
		}

		var workflowJSON json.RawMessage
		if plan.Workflow.Definition != nil {
			workflowJSON, err = json.Marshal(plan.Workflow.Definition)
			if err != nil {
				return fmt.Errorf("failed to encode workflow definition: %v", err)
			}
		}

		req := map[string]any{
			"component":     plan.Component,
			"to_version":    plan.ToVersion,
			"strategy":      plan.Strategy,
			"tenant_ids":    plan.TenantIDs,
			"workflow_name": plan.Workflow.Name,
			"workflow_json": workflowJSON,
			"priority":      plan.Priority,
			"created_by":    plan.CreatedBy,
			"reason":        plan.Reason,
			"paused":        plan.Paused,
		}

		var ro types.Rollout
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts", req, &ro); err != nil {
			return err
		}
		fmt.Printf("✓ Rollout created: %s (%s → %s, %d tenants, %s)\n",
			ro.ID, ro.Component, ro.ToVersion, ro.TotalTenants, ro.Status)
		return nil
	},
}

var rolloutStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a rollout and its waves",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Rollout *types.Rollout `json:"rollout"`
			Waves   []types.Wave   `json:"waves"`
		}
		if err := apiCall(cmd, http.MethodGet, "/api/v1/rollouts/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var rolloutPauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Pause a running rollout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts/"+args[0]+"/pause", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Rollout paused: %s\n", args[0])
		return nil
	},
}

var rolloutResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Resume a paused rollout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts/"+args[0]+"/resume", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Rollout resumed: %s\n", args[0])
		return nil
	},
}

var rolloutAbortCmd = &cobra.Command{
	Use:   "abort ID",
	Short: "Abort a rollout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		body := map[string]string{"reason": reason}
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts/"+args[0]+"/abort", body, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Rollout aborted: %s\n", args[0])
		return nil
	},
}

var rolloutRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Abort any active rollout and reverse a component to an earlier version",
	Long: `Abort any active rollout for the component and start a raised-priority
fleet-sync rollout back to the given version.

Examples:
  # Reverse the whole fleet to the last good sidecar image
  genesis rollout rollback --component sidecar --to-version 1.4.2 --reason "1.5.0 regression"

  # Only the tenants that absorbed the bad version
  genesis rollout rollback --component sidecar --to-version 1.4.2 --scope affected_only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		component, _ := cmd.Flags().GetString("component")
		toVersion, _ := cmd.Flags().GetString("to-version")
		scope, _ := cmd.Flags().GetString("scope")
		tenant, _ := cmd.Flags().GetString("tenant")
		reason, _ := cmd.Flags().GetString("reason")

		req := map[string]any{
			"component":  component,
			"to_version": toVersion,
			"scope":      scope,
			"tenant_id":  tenant,
			"created_by": "cli",
			"reason":     reason,
		}
		var ro types.Rollout
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts/rollback", req, &ro); err != nil {
			return err
		}
		fmt.Printf("✓ Rollback started: %s (%s → %s, %d tenants)\n",
			ro.ID, ro.Component, ro.ToVersion, ro.TotalTenants)
		return nil
	},
}

var rolloutSkipCmd = &cobra.Command{
	Use:   "skip ID",
	Short: "Merge all remaining waves into the final wave",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd, http.MethodPost, "/api/v1/rollouts/"+args[0]+"/skip", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Rollout %s will finish in a single wave\n", args[0])
		return nil
	},
}
