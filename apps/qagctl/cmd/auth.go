package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quatton/qagent/apps/qagctl/internal/client"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage API tokens",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token for the configured worker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := GetConfig(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		baseURL := cfg.GetString(client.BaseUrlKey)

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			fmt.Print("Paste API token: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				log.Fatalf("reading token: %v", err)
			}
			token = strings.TrimSpace(line)
		}
		if token == "" {
			log.Fatal("no token provided")
		}

		if err := client.SaveToken(baseURL, token); err != nil {
			log.Fatalf("storing token: %v", err)
		}
		fmt.Printf("✓ Token stored for %s\n", baseURL)
	},
}

var authShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show whether a token is stored for the configured worker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := GetConfig(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		baseURL := cfg.GetString(client.BaseUrlKey)

		token, err := client.LoadToken(baseURL)
		if err != nil || token == "" {
			fmt.Printf("No token stored for %s\n", baseURL)
			return
		}
		masked := token
		if len(masked) > 12 {
			masked = masked[:6] + "..." + masked[len(masked)-4:]
		}
		fmt.Printf("Token for %s: %s\n", baseURL, masked)
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored token for the configured worker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := GetConfig(cmd)
		if err != nil {
			log.Fatalf("%v", err)
		}
		baseURL := cfg.GetString(client.BaseUrlKey)

		if err := client.DeleteToken(baseURL); err != nil {
			log.Fatalf("deleting token: %v", err)
		}
		fmt.Printf("✓ Token deleted for %s\n", baseURL)
	},
}

func init() {
	authLoginCmd.Flags().String("token", "", "API token (prompts when omitted)")
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authShowCmd)
	authCmd.AddCommand(authLogoutCmd)
	rootCmd.AddCommand(authCmd)
}
