package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/genesishq/genesis/pkg/bus"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}

var dlqListCmd = &cobra.Command{
	Use:   "list QUEUE",
	Short: "List dead-lettered jobs for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Queue   string         `json:"queue"`
			Entries []bus.DLQEntry `json:"entries"`
		}
		if err := apiCall(cmd, http.MethodGet, "/api/v1/queues/"+args[0]+"/dlq", nil, &out); err != nil {
			return err
		}
		if len(out.Entries) == 0 {
			fmt.Printf("DLQ for %s is empty\n", out.Queue)
			return nil
		}
		for _, e := range out.Entries {
			fmt.Printf("%s  attempts=%d/%d  dead-lettered=%s  %s\n",
				e.Job.ID, e.Job.Attempts, e.Job.MaxAttempts,
				e.DeadLetteredAt.Format("2006-01-02T15:04:05Z07:00"), e.FinalError)
		}
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay QUEUE JOB_ID",
	Short: "Re-enqueue a dead-lettered job with a fresh retry budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			JobID string `json:"job_id"`
		}
		path := "/api/v1/queues/" + args[0] + "/dlq/" + args[1] + "/replay"
		if err := apiCall(cmd, http.MethodPost, path, nil, &out); err != nil {
			return err
		}
		fmt.Printf("✓ Replayed as job %s\n", out.JobID)
		return nil
	},
}
