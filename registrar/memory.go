// Package registrar implements interfaces.KeyRegistrar against the key stores
// a pool vault can delegate to.
package registrar

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// MemoryRegistrar keeps keys in process memory, keyed by owner then pool account.
// Install and Evict are idempotent, matching the intents key store.
type MemoryRegistrar struct {
	mu   sync.RWMutex
	keys map[interfaces.AccountID]map[interfaces.AccountID]map[string]interfaces.PublicKey
	log  *slog.Logger
}

var _ interfaces.KeyRegistrar = (*MemoryRegistrar)(nil)

func NewMemoryRegistrar(log *slog.Logger) *MemoryRegistrar {
	return &MemoryRegistrar{
		keys: make(map[interfaces.AccountID]map[interfaces.AccountID]map[string]interfaces.PublicKey),
		log:  log,
	}
}

func (r *MemoryRegistrar) Install(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pools, found := r.keys[owner]
	if !found {
		pools = make(map[interfaces.AccountID]map[string]interfaces.PublicKey)
		r.keys[owner] = pools
	}
	keys, found := pools[poolAccount]
	if !found {
		keys = make(map[string]interfaces.PublicKey)
		pools[poolAccount] = keys
	}
	keys[publicKey.String()] = publicKey

	r.log.Debug("key installed", "pool_account", poolAccount, "owner", owner, "public_key", publicKey.String())
	return nil
}

func (r *MemoryRegistrar) Evict(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if keys, found := r.keys[owner][poolAccount]; found {
		delete(keys, publicKey.String())
	}

	r.log.Debug("key evicted", "pool_account", poolAccount, "owner", owner, "public_key", publicKey.String())
	return nil
}

// PublicKeysOf returns the keys installed for poolAccount under owner, sorted by encoding.
func (r *MemoryRegistrar) PublicKeysOf(owner interfaces.AccountID, poolAccount interfaces.AccountID) []interfaces.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.keys[owner][poolAccount]
	encoded := make([]string, 0, len(keys))
	for k := range keys {
		encoded = append(encoded, k)
	}
	sort.Strings(encoded)

	result := make([]interfaces.PublicKey, 0, len(encoded))
	for _, k := range encoded {
		result = append(result, keys[k])
	}
	return result
}

func (r *MemoryRegistrar) Name() string {
	return "memory"
}
