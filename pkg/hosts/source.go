package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

const vaultScheme = "vault://"

// Load reads keychains from a file path, or from a Vault KV v2 secret when
// source has the form vault://<mount>/<path>. The secret must hold the list
// under the "keychains" key.
func Load(ctx context.Context, source, vaultAddr string) ([]Keychain, error) {
	if strings.HasPrefix(source, vaultScheme) {
		return loadVault(ctx, source, vaultAddr)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read host keychains: %w", err)
	}
	return ParseKeychains(data)
}

func splitVaultSource(source string) (mount, path string, err error) {
	rest := strings.Trim(strings.TrimPrefix(source, vaultScheme), "/")
	mount, path, ok := strings.Cut(rest, "/")
	if !ok || mount == "" || path == "" {
		return "", "", fmt.Errorf("invalid vault source %q, want vault://<mount>/<path>", source)
	}
	return mount, path, nil
}

func loadVault(ctx context.Context, source, addr string) ([]Keychain, error) {
	mount, path, err := splitVaultSource(source)
	if err != nil {
		return nil, err
	}
	// DefaultConfig picks up VAULT_ADDR, VAULT_CACERT and friends; the token
	// comes from VAULT_TOKEN.
	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("failed to configure vault client: %w", cfg.Error)
	}
	if addr != "" {
		cfg.Address = addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	return readVault(ctx, client, mount, path)
}

func readVault(ctx context.Context, client *vault.Client, mount, path string) ([]Keychain, error) {
	secret, err := client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host keychains from vault %s/%s: %w", mount, path, err)
	}
	raw, ok := secret.Data["keychains"]
	if !ok {
		return nil, errors.New("vault secret has no keychains key")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		// Stored as a structured value rather than a JSON string.
		if data, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	return ParseKeychains(data)
}
