package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript <run-id>",
	Short: "Print a download link for a run's archived transcript",
	Long:  "Prints a short-lived presigned URL for the transcript archived in object storage. Available once the run reaches a terminal state.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c, err := apiClient(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}

		url, err := c.TranscriptURL(cmd.Context(), args[0])
		exitIfAPIError(err)
		fmt.Println(url)
	},
}

func init() {
	rootCmd.AddCommand(transcriptCmd)
}
