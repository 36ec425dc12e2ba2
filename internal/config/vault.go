package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplyVaultSecrets overlays secrets from Vault onto cfg when VAULT_ADDR is
// set. Recognised keys: PG_URL, REDIS_PASSWORD, EVENT_SOURCE_ADDR,
// FACADE_URL. Environment values remain in force for keys absent from the
// secret, so local development works without a Vault.
func ApplyVaultSecrets(cfg *Config) error {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil
	}
	token := getenv("VAULT_TOKEN", "root")
	path := getenv("VAULT_SECRET_PATH", "secret/data/parental-control/enforcer")

	sm, err := NewSecretManager(addr, token)
	if err != nil {
		return err
	}
	secrets, err := sm.GetKV2(path)
	if err != nil {
		return err
	}

	if v, ok := secrets["PG_URL"].(string); ok && v != "" {
		cfg.PGURL = v
	}
	if v, ok := secrets["REDIS_PASSWORD"].(string); ok && v != "" {
		cfg.RedisPassword = v
	}
	if v, ok := secrets["EVENT_SOURCE_ADDR"].(string); ok && v != "" {
		cfg.Event.Addr = v
	}
	if v, ok := secrets["FACADE_URL"].(string); ok && v != "" {
		cfg.Facade.URL = v
	}
	return nil
}
