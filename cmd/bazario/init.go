package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <auth-token>",
	Short: "Initialize the Bazario CLI with your auth token",
	Long:  "Store your Bazario auth token in ~/.bazario/config.toml.\nThe token is used for all subsequent API and socket operations.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.AuthToken = token
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Auth token saved to %s\n", path)
		fmt.Println("Next: set your identity and device, then register a session:")
		fmt.Println("  bazario config set user.id <user-id>")
		fmt.Println("  bazario config set device.platform android")
		fmt.Println("  bazario register")
		return nil
	},
}
