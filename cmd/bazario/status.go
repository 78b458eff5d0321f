package main

import (
	"fmt"

	bazario "github.com/bazario-app/bazario-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured identity, device, and session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Bazario CLI status")
		fmt.Println()

		if cfg.Default.AuthToken == "" {
			fmt.Println("  Auth token:  (not set — run 'bazario init <auth-token>')")
		} else {
			fmt.Printf("  Auth token:  %s\n", maskToken(cfg.Default.AuthToken))
		}
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, bazario.DefaultBaseURL))
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.User.ID, "(not set)"))
		fmt.Printf("  Device:      %s (%s)\n",
			valueOrDefault(cfg.Device.Name, "bazario-cli"),
			valueOrDefault(cfg.Device.Platform, "android"))

		if cfg.Session.ID == "" {
			fmt.Println("  Session:     none — run 'bazario register'")
		} else {
			fmt.Printf("  Session:     %s\n", cfg.Session.ID)
		}
		return nil
	},
}
