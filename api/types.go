package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/registrar"
)

// Route templates shared by handlers and clients.
const (
	RegisterWorkerPath = "/api/v1/workers/register"
	PingPath           = "/api/v1/workers/ping"
	WorkersPath        = "/api/v1/workers"
	WorkerPath         = "/api/v1/workers/%s"
	PoolsPath          = "/api/v1/pools"
	PoolPath           = "/api/v1/pools/%d"
	ComposeHashesPath  = "/api/v1/compose_hashes"
	ComposeHashPath    = "/api/v1/compose_hashes/%s"
	ConfigPath         = "/api/v1/config"

	AdminComposeHashesPath = "/api/v1/admin/compose_hashes"
	AdminComposeHashPath   = "/api/v1/admin/compose_hashes/%s"
	AdminOwnerPath         = "/api/v1/admin/owner"
	AdminPoolsPath         = "/api/v1/admin/pools"

	VaultAddPublicKeyPath    = registrar.AddPublicKeyPath
	VaultRemovePublicKeyPath = registrar.RemovePublicKeyPath
	VaultPublicKeysPath      = "/vaults/%s/public_keys"
)

// RegisterWorkerRequest carries a worker's attestation evidence. Collateral and
// TcbInfo are JSON documents passed as strings, the way dstack tooling emits them.
type RegisterWorkerRequest struct {
	PoolID     interfaces.PoolID `json:"pool_id"`
	QuoteHex   string            `json:"quote_hex"`
	Collateral string            `json:"collateral"`
	Checksum   string            `json:"checksum"`
	TcbInfo    string            `json:"tcb_info"`
}

// Evidence decodes the request into attestation evidence.
func (r *RegisterWorkerRequest) Evidence() (*interfaces.AttestationEvidence, error) {
	quote, err := hex.DecodeString(strings.TrimPrefix(r.QuoteHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: quote_hex: %v", interfaces.ErrMalformedInput, err)
	}

	var collateral interfaces.Collateral
	if err := json.Unmarshal([]byte(r.Collateral), &collateral); err != nil {
		return nil, fmt.Errorf("%w: collateral: %v", interfaces.ErrMalformedInput, err)
	}

	var tcbInfo interfaces.TcbInfo
	if err := json.Unmarshal([]byte(r.TcbInfo), &tcbInfo); err != nil {
		return nil, fmt.Errorf("%w: tcb_info: %v", interfaces.ErrMalformedInput, err)
	}

	return &interfaces.AttestationEvidence{
		Quote:      quote,
		Collateral: collateral,
		TcbInfo:    tcbInfo,
	}, nil
}

const (
	RegistrationCommitted = "registered"
	RegistrationPending   = "rotating"
)

// RegisterWorkerResponse reports the registration outcome. Status is "rotating"
// when the key rotation had not finished by the time the server stopped waiting.
type RegisterWorkerResponse struct {
	Status   string               `json:"status"`
	PoolID   interfaces.PoolID    `json:"pool_id"`
	Worker   *interfaces.Worker   `json:"worker,omitempty"`
	Evicting interfaces.AccountID `json:"evicting,omitempty"`
}

// PoolView is a pool with its derived state.
type PoolView struct {
	interfaces.Pool
	Status    interfaces.PoolStatus `json:"status"`
	AccountID interfaces.AccountID  `json:"account_id"`
}

type CreatePoolRequest struct {
	TokenIDs []interfaces.AccountID `json:"token_ids"`
	Fee      uint32                 `json:"fee"`
}

type ComposeHashRequest struct {
	ComposeHash string `json:"compose_hash"`
}

type ComposeHashStatus struct {
	ComposeHash string `json:"compose_hash"`
	Approved    bool   `json:"approved"`
}

type ChangeOwnerRequest struct {
	NewOwner interfaces.AccountID `json:"new_owner"`
}

// ConfigResponse describes the registry's static parameters.
type ConfigResponse struct {
	Owner           interfaces.AccountID `json:"owner"`
	RegistryAccount interfaces.AccountID `json:"registry_account"`
	IntentsAccount  interfaces.AccountID `json:"intents_account"`
	PingTimeoutMs   int64                `json:"worker_ping_timeout_ms"`
	KeyRegistrar    string               `json:"key_registrar"`
	Version         string               `json:"version"`
}

type PublicKeysResponse struct {
	PublicKeys []interfaces.PublicKey `json:"public_keys"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
