package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/quatton/qagent/apps/qagctl/internal/client"
	"github.com/quatton/qagent/pkg/qrun"
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's response events until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := apiClient(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		watchRun(cmd, c, args[0])
	},
}

// watchRun polls the responses endpoint and prints events as they land.
// The terminal status event ends the watch.
func watchRun(cmd *cobra.Command, c *client.Client, runID string) {
	printed := 0
	for {
		events, err := c.GetResponses(cmd.Context(), runID)
		exitIfAPIError(err)

		for ; printed < len(events); printed++ {
			ev, err := qrun.DecodeEvent(events[printed])
			if err != nil {
				fmt.Printf("  [undecodable event: %v]\n", err)
				continue
			}
			switch e := ev.(type) {
			case *qrun.AssistantEvent:
				fmt.Printf("  assistant: %s\n", e.Content)
			case *qrun.ToolEvent:
				fmt.Printf("  tool %s: %s\n", e.Name, e.Content)
			case *qrun.StatusEvent:
				if e.Error != "" {
					fmt.Printf("  status: %s (%s)\n", e.Status, e.Error)
				} else {
					fmt.Printf("  status: %s\n", e.Status)
				}
				if e.Status.Terminal() {
					return
				}
			}
		}

		select {
		case <-cmd.Context().Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
