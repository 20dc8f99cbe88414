package cmd

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/quatton/qagent/apps/qagctl/internal/client"
)

type contextKey string

const configContextKey contextKey = "qagentconfig"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "qagctl",
		Short: "CLI for interacting with the qagent worker API (runs, auth, health)",
		Long: `qagctl is a small command-line tool for interacting with a running
qagent worker API. It provides subcommands to authenticate, submit agent
runs, watch their response streams, and request cooperative stops. Use the
auth subcommands to store and manage API tokens.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			if err := cfg.Viper().BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the Config from the command context
func GetConfig(cmd *cobra.Command) (*client.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*client.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

// apiClient builds a Client from the resolved config.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := GetConfig(cmd)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.GetString(client.BaseUrlKey)), nil
}

// exitIfAPIError prints a friendly message for common failures and exits.
func exitIfAPIError(err error) {
	if err == nil {
		return
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized:
			log.Fatalf("unauthorized (401). Please run 'qagctl auth login' first")
		case http.StatusNotFound:
			log.Fatalf("not found (404): %s", apiErr.Body)
		}
	}
	log.Fatalf("%v", err)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: qagent.yaml, .qagent/config.yaml")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL for the qagent worker (overrides config)")
}
