package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/quatton/qagent/apps/qagctl/internal/client"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit an agent run",
	Run: func(cmd *cobra.Command, args []string) {
		c, err := apiClient(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		threadID, _ := cmd.Flags().GetString("thread")
		projectID, _ := cmd.Flags().GetString("project")
		model, _ := cmd.Flags().GetString("model")
		reasoning, _ := cmd.Flags().GetBool("reasoning")
		effort, _ := cmd.Flags().GetString("effort")
		watch, _ := cmd.Flags().GetBool("watch")

		run, err := c.SubmitRun(cmd.Context(), client.SubmitRequest{
			ThreadID:         threadID,
			ProjectID:        projectID,
			Model:            model,
			ReasoningEnabled: reasoning,
			ReasoningEffort:  effort,
		})
		exitIfAPIError(err)

		fmt.Printf("✓ Run submitted: %s\n", run.RunID)
		fmt.Printf("  Thread: %s\n", run.ThreadID)
		fmt.Printf("  Model: %s (reasoning: %s)\n", run.Model, run.ReasoningTier)

		if watch {
			watchRun(cmd, c, run.RunID)
		}
	},
}

func init() {
	runCmd.Flags().String("thread", "", "conversation thread ID (required)")
	runCmd.Flags().String("project", "", "project ID")
	runCmd.Flags().String("model", "", "model name (required)")
	runCmd.Flags().Bool("reasoning", false, "enable reasoning")
	runCmd.Flags().String("effort", "", "reasoning effort: low, medium, or high")
	runCmd.Flags().Bool("watch", false, "watch the response stream after submitting")
	runCmd.MarkFlagRequired("thread")
	runCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(runCmd)
}
