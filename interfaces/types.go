// Package interfaces defines the core interfaces and types for the solver registry.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// AccountID identifies an account (worker, owner, pool vault) on the host chain.
type AccountID string

var accountIDRegex = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// NewAccountID creates an account id with validation.
// Account ids are 2 to 64 characters of lowercase alphanumerics separated by '.', '-' or '_'.
func NewAccountID(raw string) (AccountID, error) {
	if len(raw) < 2 || len(raw) > 64 {
		return "", fmt.Errorf("%w: account id length must be between 2 and 64", ErrMalformedInput)
	}
	if !accountIDRegex.MatchString(raw) {
		return "", fmt.Errorf("%w: invalid account id %q", ErrMalformedInput, raw)
	}
	return AccountID(raw), nil
}

// String returns the account id as a string.
func (id AccountID) String() string {
	return string(id)
}

// Validate checks if the account id has a valid format.
func (id AccountID) Validate() error {
	_, err := NewAccountID(string(id))
	return err
}

// IsImplicit reports whether the account id is an implicit account, i.e. the
// lowercase hex encoding of a 32-byte ed25519 public key.
func (id AccountID) IsImplicit() bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil && strings.ToLower(string(id)) == string(id)
}

// PoolID is the sequential index of a pool in the append-only pool list.
type PoolID uint32

// TimestampMs is a unix timestamp in milliseconds.
type TimestampMs uint64

// MaxFeeBps is the exclusive upper bound of a pool fee in basis points.
const MaxFeeBps = 10_000

// Pool is a resource pool served by at most one active worker.
type Pool struct {
	// ID is the pool's index in the pool list.
	ID PoolID `json:"id"`

	// TokenIDs are the two distinct assets of the pool, immutable after creation.
	TokenIDs []AccountID `json:"token_ids"`

	// Fee charged for swaps in basis points.
	Fee uint32 `json:"fee"`

	// WorkerID is the current worker, if any.
	WorkerID *AccountID `json:"worker_id"`

	// LastPingTimestampMs is the last accepted heartbeat from WorkerID, 0 if never pinged.
	LastPingTimestampMs TimestampMs `json:"last_ping_timestamp_ms"`
}

// NewPool validates pool parameters and creates a pool without a worker.
func NewPool(id PoolID, tokenIDs []AccountID, fee uint32) (*Pool, error) {
	if len(tokenIDs) != 2 {
		return nil, fmt.Errorf("%w: must have exactly 2 tokens", ErrInvalidPool)
	}
	if tokenIDs[0] == tokenIDs[1] {
		return nil, fmt.Errorf("%w: the two tokens cannot be identical", ErrInvalidPool)
	}
	for _, token := range tokenIDs {
		if err := token.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPool, err)
		}
	}
	if fee >= MaxFeeBps {
		return nil, fmt.Errorf("%w: fee must be less than 100%%", ErrInvalidPool)
	}

	return &Pool{
		ID:       id,
		TokenIDs: []AccountID{tokenIDs[0], tokenIDs[1]},
		Fee:      fee,
	}, nil
}

// HasActiveWorker reports whether a worker is set and pinged within the timeout.
func (p *Pool) HasActiveWorker(now TimestampMs, timeoutMs TimestampMs) bool {
	return p.WorkerID != nil && now < p.LastPingTimestampMs+timeoutMs
}

// Clone returns a deep copy safe to hand out of the registry.
func (p *Pool) Clone() *Pool {
	c := *p
	c.TokenIDs = append([]AccountID(nil), p.TokenIDs...)
	if p.WorkerID != nil {
		worker := *p.WorkerID
		c.WorkerID = &worker
	}
	return &c
}

// PoolAccountID returns the account holding the pool's key vault.
func PoolAccountID(registryAccount AccountID, id PoolID) AccountID {
	return AccountID(fmt.Sprintf("pool-%d.%s", id, registryAccount))
}

// PoolStatus is the lifecycle state of a pool.
type PoolStatus int

const (
	// PoolEmpty has no worker.
	PoolEmpty PoolStatus = iota
	// PoolActive has a worker that pinged within the timeout.
	PoolActive
	// PoolStale has a worker whose heartbeat is older than the timeout.
	PoolStale
	// PoolRotating has a key rotation in flight and accepts no registrations.
	PoolRotating
)

// String returns the status name.
func (s PoolStatus) String() string {
	switch s {
	case PoolEmpty:
		return "empty"
	case PoolActive:
		return "active"
	case PoolStale:
		return "stale"
	case PoolRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PoolStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PoolStatus) UnmarshalText(text []byte) error {
	for _, status := range []PoolStatus{PoolEmpty, PoolActive, PoolStale, PoolRotating} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("%w: unknown pool status %q", ErrMalformedInput, text)
}

// Worker is the registration record of an attested worker.
type Worker struct {
	AccountID AccountID `json:"account_id"`
	PoolID    PoolID    `json:"pool_id"`

	// Checksum is a caller-supplied identifier of the deployed workload, opaque to verification.
	Checksum string `json:"checksum"`

	// ComposeHash is the approved reference measurement the worker was admitted under.
	ComposeHash string `json:"compose_hash"`

	// ImageDigest is the container image digest found in the compose document. Audit only.
	ImageDigest string `json:"image_digest"`

	PublicKey      PublicKey   `json:"public_key"`
	RegisteredAtMs TimestampMs `json:"registered_at_ms"`

	// Evicted is set once the worker's key was removed from the pool vault.
	Evicted bool `json:"evicted"`
}

// Caller is an authenticated request originator.
type Caller struct {
	AccountID AccountID
	PublicKey PublicKey
}

// ParseDigestHex decodes a lowercase hex digest of one of the allowed lengths.
func ParseDigestHex(digestHex string, allowedLengths ...int) ([]byte, error) {
	if digestHex != strings.ToLower(digestHex) {
		return nil, fmt.Errorf("%w: digest must be lowercase hex", ErrMalformedInput)
	}
	raw, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid digest hex: %v", ErrMalformedInput, err)
	}
	for _, l := range allowedLengths {
		if len(raw) == l {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid digest length %d", ErrMalformedInput, len(raw))
}
