// Package allowlist implements the owner-controlled set of approved compose measurements.
package allowlist

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// Accepted measurement lengths: a docker compose SHA-256 hash or a SHA-384
// register-derived digest such as the compose-hash event digest.
var measurementLengths = []int{sha256.Size, sha512.Size384}

// Gate holds the approved measurements and the registry owner.
type Gate struct {
	mu       sync.RWMutex
	owner    interfaces.AccountID
	approved map[string]struct{}

	sink interfaces.EventSink
	log  *slog.Logger
}

var _ interfaces.MeasurementAllowList = (*Gate)(nil)

func NewGate(owner interfaces.AccountID, sink interfaces.EventSink, log *slog.Logger) *Gate {
	return &Gate{
		owner:    owner,
		approved: make(map[string]struct{}),
		sink:     sink,
		log:      log,
	}
}

// ValidateMeasurement checks that digestHex is lowercase hex of an accepted length.
func ValidateMeasurement(digestHex string) error {
	_, err := interfaces.ParseDigestHex(digestHex, measurementLengths...)
	return err
}

// Approve adds a measurement. Approving an existing entry is a no-op apart from the event.
func (g *Gate) Approve(ctx context.Context, caller interfaces.AccountID, digestHex string) error {
	g.mu.Lock()
	if caller != g.owner {
		g.mu.Unlock()
		return interfaces.ErrNotOwner
	}
	if err := ValidateMeasurement(digestHex); err != nil {
		g.mu.Unlock()
		return err
	}
	g.approved[digestHex] = struct{}{}
	g.mu.Unlock()

	g.log.Info("compose hash approved", "compose_hash", digestHex)
	g.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventComposeHashApproved, interfaces.ComposeHashData{ComposeHash: digestHex}))
	return nil
}

// Revoke removes a measurement. Workers admitted under it can no longer ping.
func (g *Gate) Revoke(ctx context.Context, caller interfaces.AccountID, digestHex string) error {
	g.mu.Lock()
	if caller != g.owner {
		g.mu.Unlock()
		return interfaces.ErrNotOwner
	}
	if err := ValidateMeasurement(digestHex); err != nil {
		g.mu.Unlock()
		return err
	}
	if _, found := g.approved[digestHex]; !found {
		g.mu.Unlock()
		return fmt.Errorf("%w: compose hash %s", interfaces.ErrNotFound, digestHex)
	}
	delete(g.approved, digestHex)
	g.mu.Unlock()

	g.log.Info("compose hash removed", "compose_hash", digestHex)
	g.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventComposeHashRemoved, interfaces.ComposeHashData{ComposeHash: digestHex}))
	return nil
}

func (g *Gate) Contains(digestHex string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, found := g.approved[digestHex]
	return found
}

// List returns the approved measurements sorted.
func (g *Gate) List() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	list := make([]string, 0, len(g.approved))
	for digest := range g.approved {
		list = append(list, digest)
	}
	sort.Strings(list)
	return list
}

func (g *Gate) Owner() interfaces.AccountID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// IsOwner reports whether caller currently owns the registry.
func (g *Gate) IsOwner(caller interfaces.AccountID) bool {
	return g.Owner() == caller
}

func (g *Gate) ChangeOwner(ctx context.Context, caller interfaces.AccountID, newOwner interfaces.AccountID) error {
	if err := newOwner.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	if caller != g.owner {
		g.mu.Unlock()
		return interfaces.ErrNotOwner
	}
	oldOwner := g.owner
	g.owner = newOwner
	g.mu.Unlock()

	g.log.Info("owner changed", "old_owner", oldOwner, "new_owner", newOwner)
	g.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventOwnerChanged, interfaces.OwnerChangedData{OldOwner: oldOwner, NewOwner: newOwner}))
	return nil
}
