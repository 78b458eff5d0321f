package main

import (
	"context"
	"fmt"
	"time"

	bazario "github.com/bazario-app/bazario-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a device session with the Bazario backend",
	Long:  "Register (or refresh) this device's session using the configured\nidentity and device details, and persist the session identifier.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.User.ID == "" {
			return fmt.Errorf("no user configured; run 'bazario config set user.id <id>' first")
		}

		client, err := newSDKClient(cfg)
		if err != nil {
			return err
		}

		sm := bazario.NewSessionManager(client, configCredentialStore{},
			staticTokenProvider{token: cfg.Device.PushToken},
			bazario.NewSocketManager(client, nil), nil)
		sm.SetDeviceInfo(bazario.DeviceInfo{
			Name:     valueOrDefault(cfg.Device.Name, "bazario-cli"),
			Platform: bazario.DevicePlatform(valueOrDefault(cfg.Device.Platform, "android")),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessionID, err := sm.RegisterSession(ctx, cfg.Default.AuthToken, bazario.User{
			ID:    cfg.User.ID,
			Email: cfg.User.Email,
		})
		if err != nil {
			return fmt.Errorf("session registration failed: %w", err)
		}

		fmt.Printf("Session registered: %s\n", sessionID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Close the device session and clear persisted credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Session.ID == "" {
			fmt.Println("No active session.")
			return nil
		}

		client, err := newSDKClient(cfg)
		if err != nil {
			return err
		}

		sm := bazario.NewSessionManager(client, configCredentialStore{},
			staticTokenProvider{token: cfg.Device.PushToken},
			bazario.NewSocketManager(client, nil), nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := sm.CleanupOnLogout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
