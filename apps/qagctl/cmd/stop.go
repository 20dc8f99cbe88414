package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Request cooperative cancellation of a run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := apiClient(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		exitIfAPIError(c.StopRun(cmd.Context(), args[0]))
		fmt.Printf("✓ Stop requested for %s\n", args[0])
		fmt.Println("  The run halts at its next yield point; use 'qagctl get' to confirm")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
