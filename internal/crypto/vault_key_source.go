package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// VaultKeySource loads the fingerprint-encryption keys from HashiCorp
// Vault. Fingerprints are biometric-adjacent material, so the keys that
// protect them at rest never live in config files; the secret at the
// configured path holds every version still needed to decrypt old rows:
//
//	{
//	  "current_version": 2,
//	  "keys": {
//	    "1": "base64encodedkey...",
//	    "2": "base64encodedkey..."
//	  }
//	}
//
// Old versions stay in the secret until every row encrypted under them
// has been rewritten, otherwise those fingerprints become unreadable.
type VaultKeySource struct {
	client *vault.Client
	path   string
}

// NewVaultKeySource connects to Vault at the given address. An empty token
// leaves whatever auth the environment already established in place.
func NewVaultKeySource(address, token, path string) (*VaultKeySource, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.Timeout = 10 * time.Second

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeySource{
		client: client,
		path:   path,
	}, nil
}

// GetKey returns the raw key bytes for one version.
func (v *VaultKeySource) GetKey(ctx context.Context, version int) ([]byte, error) {
	keysMap, err := v.readKeys(ctx)
	if err != nil {
		return nil, err
	}

	keyVal, ok := keysMap[strconv.Itoa(version)]
	if !ok {
		return nil, fmt.Errorf("key version %d not found", version)
	}

	keyStr, ok := keyVal.(string)
	if !ok {
		return nil, fmt.Errorf("key version %d is not a string", version)
	}

	return base64.StdEncoding.DecodeString(keyStr)
}

// GetCurrentVersion returns the version new fingerprints are encrypted with.
func (v *VaultKeySource) GetCurrentVersion(ctx context.Context) (int, error) {
	data, err := v.readSecret(ctx)
	if err != nil {
		return 0, err
	}

	val, ok := data["current_version"]
	if !ok {
		return 0, fmt.Errorf("current_version field missing")
	}

	// The Vault client may decode the number as float64 or json.Number
	// depending on how the secret was written.
	switch n := val.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("current_version has unexpected type: %T", val)
	}
}

// ListVersions returns every key version the secret still carries.
func (v *VaultKeySource) ListVersions(ctx context.Context) ([]int, error) {
	keysMap, err := v.readKeys(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]int, 0, len(keysMap))
	for k := range keysMap {
		ver, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		versions = append(versions, ver)
	}

	return versions, nil
}

func (v *VaultKeySource) readKeys(ctx context.Context) (map[string]interface{}, error) {
	data, err := v.readSecret(ctx)
	if err != nil {
		return nil, err
	}

	keysMap, ok := data["keys"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret structure: 'keys' map missing")
	}
	return keysMap, nil
}

func (v *VaultKeySource) readSecret(ctx context.Context) (map[string]interface{}, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read from vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", v.path)
	}
	if secret.Data == nil {
		return nil, fmt.Errorf("secret data is nil")
	}

	// KV v2 nests the payload under data.data alongside metadata.
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		if _, hasMeta := secret.Data["metadata"]; hasMeta {
			return data, nil
		}
	}

	return secret.Data, nil
}
