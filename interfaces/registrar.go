package interfaces

import "context"

// KeyRegistrar manages the keys a pool's vault accepts on behalf of a worker.
// Calls are one-shot. Implementations must not retry; the registry decides what to do on failure.
type KeyRegistrar interface {
	// Install authorizes publicKey to act for owner in the pool vault.
	Install(ctx context.Context, poolAccount AccountID, owner AccountID, publicKey PublicKey) error

	// Evict removes a previously installed key.
	Evict(ctx context.Context, poolAccount AccountID, owner AccountID, publicKey PublicKey) error

	// Name returns identifier for logging.
	Name() string
}
