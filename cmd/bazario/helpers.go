package main

import (
	"context"
	"fmt"

	bazario "github.com/bazario-app/bazario-go"
)

// maskToken redacts the middle of an auth token for display.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// valueOrDefault returns val, or def when val is empty.
func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// newSDKClient builds a bazario.Client from the CLI configuration.
func newSDKClient(cfg *Config) (*bazario.Client, error) {
	if cfg.Default.AuthToken == "" {
		return nil, fmt.Errorf("no auth token configured; run 'bazario init <auth-token>' first")
	}
	opts := []bazario.ClientOption{}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, bazario.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.SocketURL != "" {
		opts = append(opts, bazario.WithSocketURL(cfg.Default.SocketURL))
	}
	return bazario.NewClient(cfg.Default.AuthToken, opts...), nil
}

// ============================================================================
// Config-backed credential store
// ============================================================================

// configCredentialStore persists the device session identifier in the
// CLI config file, so it survives across invocations the way a mobile
// client's keychain entry would.
type configCredentialStore struct{}

func (configCredentialStore) Get(key string) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if key == "session_id" {
		return cfg.Session.ID, nil
	}
	return "", nil
}

func (configCredentialStore) Set(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if key == "session_id" {
		cfg.Session.ID = value
	}
	return saveConfig(cfg)
}

func (configCredentialStore) Delete(key string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if key == "session_id" {
		cfg.Session.ID = ""
	}
	return saveConfig(cfg)
}

// staticTokenProvider returns a fixed push token from the config.
type staticTokenProvider struct {
	token string
}

func (p staticTokenProvider) DeviceToken(_ context.Context) (string, error) {
	return p.token, nil
}
