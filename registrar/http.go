package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// Vault service routes, relative to the base URL.
const (
	AddPublicKeyPath    = "/vaults/%s/add_public_key"
	RemovePublicKeyPath = "/vaults/%s/remove_public_key"
)

// KeyRequest is the body of add_public_key and remove_public_key calls.
type KeyRequest struct {
	OwnerAccountID interfaces.AccountID `json:"intents_contract_id"`
	PublicKey      interfaces.PublicKey `json:"public_key"`
}

// HTTPRegistrar calls a remote pool vault service. Requests are signed with the
// registry account's key; the vault only accepts calls from its parent account.
type HTTPRegistrar struct {
	baseURL string
	account interfaces.AccountID
	signer  cryptoutils.Signer
	client  *http.Client
	log     *slog.Logger
}

var _ interfaces.KeyRegistrar = (*HTTPRegistrar)(nil)

func NewHTTPRegistrar(baseURL string, account interfaces.AccountID, signer cryptoutils.Signer, log *slog.Logger) *HTTPRegistrar {
	return &HTTPRegistrar{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		account: account,
		signer:  signer,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

func (r *HTTPRegistrar) Install(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	return r.call(ctx, fmt.Sprintf(AddPublicKeyPath, poolAccount), KeyRequest{OwnerAccountID: owner, PublicKey: publicKey})
}

func (r *HTTPRegistrar) Evict(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	return r.call(ctx, fmt.Sprintf(RemovePublicKeyPath, poolAccount), KeyRequest{OwnerAccountID: owner, PublicKey: publicKey})
}

func (r *HTTPRegistrar) call(ctx context.Context, path string, body KeyRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := cryptoutils.SignRequest(req, r.account, r.signer, payload, time.Now()); err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		r.log.Warn("vault rejected key operation", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func (r *HTTPRegistrar) Name() string {
	return "http-" + r.baseURL
}
