package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// VaultRegistrar stores authorized worker keys in a HashiCorp Vault KV v2 mount.
// Keys live at <mount>/data/<prefix>/<pool account>/<owner>/<fingerprint>; downstream
// signers authorize a key by its presence there.
type VaultRegistrar struct {
	client    *api.Client
	mountPath string
	prefix    string
	log       *slog.Logger
}

var _ interfaces.KeyRegistrar = (*VaultRegistrar)(nil)

// NewVaultRegistrar creates a registrar authenticated with a Vault token.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with create and delete capabilities on the prefix
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - prefix: Path within the mount (e.g. "solver-keys")
func NewVaultRegistrar(address, token, mountPath, prefix string, log *slog.Logger) (*VaultRegistrar, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultRegistrar{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		prefix:    strings.Trim(prefix, "/"),
		log:       log,
	}, nil
}

// keyName turns a fingerprint into a single path segment.
func keyName(publicKey interfaces.PublicKey) string {
	fp := strings.TrimPrefix(cryptoutils.KeyFingerprint(publicKey), "SHA256:")
	return string(publicKey.Curve) + "-" + strings.NewReplacer("/", "_", "+", "-").Replace(fp)
}

func (r *VaultRegistrar) keyPath(kind string, poolAccount, owner interfaces.AccountID, publicKey interfaces.PublicKey) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", r.mountPath, kind, r.prefix, poolAccount, owner, keyName(publicKey))
}

func (r *VaultRegistrar) Install(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	path := r.keyPath("data", poolAccount, owner, publicKey)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"public_key":   publicKey.String(),
			"fingerprint":  cryptoutils.KeyFingerprint(publicKey),
			"pool_account": poolAccount.String(),
			"owner":        owner.String(),
		},
	}

	if _, err := r.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		r.log.Error("Failed to install key in Vault", "path", path, "err", err)
		return fmt.Errorf("vault install: %w", err)
	}

	r.log.Info("Installed key in Vault", "pool_account", poolAccount, "fingerprint", cryptoutils.KeyFingerprint(publicKey))
	return nil
}

// Evict deletes every version of the key entry.
func (r *VaultRegistrar) Evict(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	path := r.keyPath("metadata", poolAccount, owner, publicKey)
	if _, err := r.client.Logical().DeleteWithContext(ctx, path); err != nil {
		r.log.Error("Failed to evict key from Vault", "path", path, "err", err)
		return fmt.Errorf("vault evict: %w", err)
	}

	r.log.Info("Evicted key from Vault", "pool_account", poolAccount, "fingerprint", cryptoutils.KeyFingerprint(publicKey))
	return nil
}

func (r *VaultRegistrar) Name() string {
	return fmt.Sprintf("vault-%s-%s", r.mountPath, r.prefix)
}
