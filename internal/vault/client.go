// Package vault resolves per-user exchange credentials from HashiCorp
// Vault's KV v2 engine, with an in-memory cache in front.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/exchange"
)

// ErrCredentialsNotFound is returned when a user has no stored credentials
// for the requested exchange.
var ErrCredentialsNotFound = fmt.Errorf("credentials not found")

// Client resolves exchange credentials for pipeline runs. With Vault
// disabled it serves only what was stored in-process, which is how tests
// and local development run.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*exchange.Credentials // userID/exchange -> creds
}

// NewClient creates a credentials client. A disabled config skips the
// Vault connection entirely.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*exchange.Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// GetCredentials returns the user's API credentials for the given
// exchange, reading through the cache.
func (c *Client) GetCredentials(ctx context.Context, userID, exchangeName string) (*exchange.Credentials, error) {
	key := cacheKey(userID, exchangeName)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("user %s on %s: %w", userID, exchangeName, ErrCredentialsNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID, exchangeName))
	if err != nil {
		return nil, fmt.Errorf("read credentials for user %s: %w", userID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("user %s on %s: %w", userID, exchangeName, ErrCredentialsNotFound)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("user %s on %s: malformed secret", userID, exchangeName)
	}

	creds := &exchange.Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("user %s on %s: incomplete credentials", userID, exchangeName)
	}

	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreCredentials writes credentials for a user. With Vault disabled they
// live only in the cache.
func (c *Client) StoreCredentials(ctx context.Context, userID, exchangeName string, creds exchange.Credentials) error {
	if c.config.Enabled {
		_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID, exchangeName), map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
				"is_testnet": creds.IsTestnet,
			},
		})
		if err != nil {
			return fmt.Errorf("store credentials for user %s: %w", userID, err)
		}
	}

	c.mu.Lock()
	c.cache[cacheKey(userID, exchangeName)] = &creds
	c.mu.Unlock()
	return nil
}

// Invalidate drops a user's cached credentials so the next run re-reads
// Vault, used after a key rotation.
func (c *Client) Invalidate(userID, exchangeName string) {
	c.mu.Lock()
	delete(c.cache, cacheKey(userID, exchangeName))
	c.mu.Unlock()
}

// Health checks the Vault connection. A disabled client is always healthy.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(userID, exchangeName string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", c.config.MountPath, c.config.SecretPath, userID, exchangeName)
}

func cacheKey(userID, exchangeName string) string {
	return userID + "/" + exchangeName
}

func getString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
