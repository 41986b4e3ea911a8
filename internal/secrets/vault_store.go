package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultStore keeps shared secrets in a Vault KV v2 mount. Each secret is a
// single "value" field under <mount>/data/<secretID>.
type VaultStore struct {
	client *vault.Client
	mount  string
}

// VaultConfig carries the connection settings for a Vault-backed store.
type VaultConfig struct {
	Address   string `yaml:"address,omitempty"`
	Token     string `yaml:"token,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	Mount     string `yaml:"mount,omitempty"`
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vaultCfg := vault.DefaultConfig()
	if strings.TrimSpace(cfg.Address) != "" {
		vaultCfg.Address = strings.TrimSpace(cfg.Address)
	}
	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if strings.TrimSpace(cfg.Token) != "" {
		client.SetToken(strings.TrimSpace(cfg.Token))
	}
	if strings.TrimSpace(cfg.Namespace) != "" {
		client.SetNamespace(strings.TrimSpace(cfg.Namespace))
	}
	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{client: client, mount: mount}, nil
}

func (s *VaultStore) dataPath(secretID string) string {
	return fmt.Sprintf("%s/data/%s", s.mount, strings.Trim(secretID, "/"))
}

func (s *VaultStore) Get(ctx context.Context, secretID string) (string, bool, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(secretID))
	if err != nil {
		return "", false, err
	}
	if secret == nil || secret.Data == nil {
		return "", false, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", false, nil
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", true, fmt.Errorf("secret %s has no string value field", secretID)
	}
	return value, true, nil
}

func (s *VaultStore) Exists(ctx context.Context, secretID string) (bool, error) {
	_, found, err := s.Get(ctx, secretID)
	return found, err
}

func (s *VaultStore) Put(ctx context.Context, secretID, value string) (Outcome, error) {
	_, found, err := s.Get(ctx, secretID)
	if err != nil {
		return "", err
	}
	_, err = s.client.Logical().WriteWithContext(ctx, s.dataPath(secretID), map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	})
	if err != nil {
		return "", err
	}
	if found {
		return OutcomeUpdated, nil
	}
	return OutcomeCreated, nil
}
