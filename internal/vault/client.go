// Package vault loads runtime secrets from a HashiCorp Vault KV v2 mount.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config holds Vault connection settings
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// DefaultConfig returns a disabled configuration on the default KV mount
func DefaultConfig() Config {
	return Config{
		Address:    "http://127.0.0.1:8200",
		MountPath:  "secret",
		SecretPath: "trader",
	}
}

// Secrets are the credentials the engine may take from Vault. Empty fields
// leave the configured value in place.
type Secrets struct {
	DatabasePassword  string `json:"database_password"`
	RedisPassword     string `json:"redis_password"`
	JWTSecret         string `json:"jwt_secret"`
	TelegramBotToken  string `json:"telegram_bot_token"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
	BrokerAPIKey      string `json:"broker_api_key"`
	PredictorAPIKey   string `json:"predictor_api_key"`
	ReviewAPIKey      string `json:"review_api_key"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config Config

	mu     sync.RWMutex
	cached *Secrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// that serves empty secrets.
func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultConfig().MountPath
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = DefaultConfig().SecretPath
	}
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Secrets reads the secret once and caches it
func (c *Client) Secrets(ctx context.Context) (Secrets, error) {
	c.mu.RLock()
	if c.cached != nil {
		s := *c.cached
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return Secrets{}, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Secrets{}, fmt.Errorf("secret %s not found", c.secretPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Secrets{}, fmt.Errorf("invalid secret format at %s", c.secretPath())
	}

	s := Secrets{
		DatabasePassword:  getString(data, "database_password"),
		RedisPassword:     getString(data, "redis_password"),
		JWTSecret:         getString(data, "jwt_secret"),
		TelegramBotToken:  getString(data, "telegram_bot_token"),
		DiscordWebhookURL: getString(data, "discord_webhook_url"),
		BrokerAPIKey:      getString(data, "broker_api_key"),
		PredictorAPIKey:   getString(data, "predictor_api_key"),
		ReviewAPIKey:      getString(data, "review_api_key"),
	}

	c.mu.Lock()
	c.cached = &s
	c.mu.Unlock()
	return s, nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", strings.Trim(c.config.MountPath, "/"), strings.Trim(c.config.SecretPath, "/"))
}

func getString(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}
