package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.bazario/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Device  ConfigDevice  `toml:"device"`
	User    ConfigUser    `toml:"user"`
	Session ConfigSession `toml:"session"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	AuthToken string `toml:"auth_token"`
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

// ConfigDevice describes this device for session registration.
type ConfigDevice struct {
	Name      string `toml:"name"`
	Platform  string `toml:"platform"`
	PushToken string `toml:"push_token"`
}

// ConfigUser holds the authenticated vendor identity.
type ConfigUser struct {
	ID    string `toml:"id"`
	Email string `toml:"email"`
}

// ConfigSession holds the persisted device session state.
type ConfigSession struct {
	ID string `toml:"id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.bazario, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bazario")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "device.name").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. device.name)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "auth_token":
			cfg.Default.AuthToken = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "socket_url":
			cfg.Default.SocketURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "device":
		switch field {
		case "name":
			cfg.Device.Name = value
		case "platform":
			cfg.Device.Platform = value
		case "push_token":
			cfg.Device.PushToken = value
		default:
			return fmt.Errorf("unknown field %q in section [device]", field)
		}
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "email":
			cfg.User.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [user]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, device, user)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "bazario",
	Short: "Bazario vendor messaging CLI",
	Long:  "Command-line interface for the Bazario vendor messaging client.\nManage configuration, register device sessions, and chat with buyers.",
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Bazario configuration",
	Long:  "View or modify the Bazario CLI configuration stored in ~/.bazario/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'bazario init <auth-token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bazario config set device.platform android",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
