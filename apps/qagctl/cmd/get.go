package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run's durable record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := apiClient(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		run, err := c.GetRun(cmd.Context(), args[0])
		exitIfAPIError(err)

		fmt.Printf("Run: %s\n", run.RunID)
		fmt.Printf("  Thread: %s\n", run.ThreadID)
		if run.ProjectID != "" {
			fmt.Printf("  Project: %s\n", run.ProjectID)
		}
		fmt.Printf("  Model: %s (reasoning: %s)\n", run.Model, run.ReasoningTier)
		fmt.Printf("  Status: %s\n", run.Status)
		if run.Error != "" {
			fmt.Printf("  Error: %s\n", run.Error)
		}
		fmt.Printf("  Started: %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
		if run.CompletedAt != nil {
			fmt.Printf("  Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
