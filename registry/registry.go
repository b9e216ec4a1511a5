package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-solver-registry/allowlist"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/metrics"
)

const (
	DefaultPingTimeout         = 10 * time.Minute
	DefaultKeyOperationTimeout = 30 * time.Second
)

// Config holds the registry's static parameters.
type Config struct {
	// RegistryAccount is the parent account of every pool vault account.
	RegistryAccount interfaces.AccountID

	// IntentsAccount is the account installed worker keys act for.
	IntentsAccount interfaces.AccountID

	// PingTimeout is how long a worker stays active after its last heartbeat.
	PingTimeout time.Duration

	// KeyOperationTimeout bounds each registrar call of a rotation.
	KeyOperationTimeout time.Duration
}

// RegisterRequest is a worker's request to serve a pool.
type RegisterRequest struct {
	PoolID   interfaces.PoolID
	Caller   interfaces.AccountID
	Evidence *interfaces.AttestationEvidence
	Checksum string

	// PublicKey is the key the caller signed the request with; it is the key
	// the quote must be bound to and the key installed in the pool vault.
	PublicKey interfaces.PublicKey
}

// Registry owns pools and workers and admits at most one active worker per pool.
//
// All state is guarded by mu. Registrations verify evidence outside the lock and
// commit only from the continuations of the key rotation they start.
type Registry struct {
	cfg       Config
	gate      *allowlist.Gate
	verifier  interfaces.AttestationVerifier
	registrar interfaces.KeyRegistrar
	sink      interfaces.EventSink
	archive   interfaces.StorageBackend
	metrics   *metrics.Metrics
	log       *slog.Logger

	// Now is the registry clock.
	Now func() time.Time

	mu          sync.Mutex
	pools       []*interfaces.Pool
	workers     map[interfaces.AccountID]*interfaces.Worker
	workerOrder []interfaces.AccountID
	rotations   map[interfaces.PoolID]*Rotation

	inflight sync.WaitGroup
}

// New creates an empty registry. archive may be nil.
func New(cfg Config, gate *allowlist.Gate, verifier interfaces.AttestationVerifier, registrar interfaces.KeyRegistrar, sink interfaces.EventSink, archive interfaces.StorageBackend, m *metrics.Metrics, log *slog.Logger) (*Registry, error) {
	if err := cfg.RegistryAccount.Validate(); err != nil {
		return nil, fmt.Errorf("registry account: %w", err)
	}
	if err := cfg.IntentsAccount.Validate(); err != nil {
		return nil, fmt.Errorf("intents account: %w", err)
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.KeyOperationTimeout <= 0 {
		cfg.KeyOperationTimeout = DefaultKeyOperationTimeout
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	return &Registry{
		cfg:       cfg,
		gate:      gate,
		verifier:  verifier,
		registrar: registrar,
		sink:      sink,
		archive:   archive,
		metrics:   m,
		log:       log,
		Now:       time.Now,
		workers:   make(map[interfaces.AccountID]*interfaces.Worker),
		rotations: make(map[interfaces.PoolID]*Rotation),
	}, nil
}

func (r *Registry) nowMs() interfaces.TimestampMs {
	return interfaces.TimestampMs(r.Now().UnixMilli())
}

// AllowList returns the registry's measurement gate, which also holds the owner.
func (r *Registry) AllowList() *allowlist.Gate {
	return r.gate
}

func (r *Registry) Owner() interfaces.AccountID {
	return r.gate.Owner()
}

func (r *Registry) PingTimeout() time.Duration {
	return r.cfg.PingTimeout
}

func (r *Registry) Config() Config {
	return r.cfg
}

// PoolAccountID returns the vault account of a pool.
func (r *Registry) PoolAccountID(id interfaces.PoolID) interfaces.AccountID {
	return interfaces.PoolAccountID(r.cfg.RegistryAccount, id)
}

// CreatePool appends a pool. Only the owner can create pools.
func (r *Registry) CreatePool(ctx context.Context, caller interfaces.AccountID, tokenIDs []interfaces.AccountID, fee uint32) (*interfaces.Pool, error) {
	if !r.gate.IsOwner(caller) {
		return nil, interfaces.ErrNotOwner
	}

	r.mu.Lock()
	pool, err := interfaces.NewPool(interfaces.PoolID(len(r.pools)), tokenIDs, fee)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.pools = append(r.pools, pool)
	created := pool.Clone()
	r.updatePoolMetricsLocked()
	r.mu.Unlock()

	r.log.Info("pool created", "pool_id", created.ID, "tokens", created.TokenIDs, "fee", created.Fee)
	r.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventPoolCreated, interfaces.PoolCreatedData{
		PoolID:   created.ID,
		TokenIDs: created.TokenIDs,
		Fee:      created.Fee,
	}))
	return created, nil
}

func (r *Registry) poolLocked(id interfaces.PoolID) (*interfaces.Pool, error) {
	if int(id) >= len(r.pools) {
		return nil, fmt.Errorf("%w: %d", interfaces.ErrPoolNotFound, id)
	}
	return r.pools[id], nil
}

func (r *Registry) statusLocked(pool *interfaces.Pool, now interfaces.TimestampMs) interfaces.PoolStatus {
	switch {
	case r.rotations[pool.ID] != nil:
		return interfaces.PoolRotating
	case pool.WorkerID == nil:
		return interfaces.PoolEmpty
	case pool.HasActiveWorker(now, interfaces.TimestampMs(r.cfg.PingTimeout.Milliseconds())):
		return interfaces.PoolActive
	default:
		return interfaces.PoolStale
	}
}

// Pool returns a copy of the pool.
func (r *Registry) Pool(id interfaces.PoolID) (*interfaces.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.poolLocked(id)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// PoolStatus returns the lifecycle state of a pool at the current time.
func (r *Registry) PoolStatus(id interfaces.PoolID) (interfaces.PoolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.poolLocked(id)
	if err != nil {
		return 0, err
	}
	return r.statusLocked(pool, r.nowMs()), nil
}

// IsActive reports whether the pool has a worker that pinged within the timeout.
func (r *Registry) IsActive(id interfaces.PoolID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, err := r.poolLocked(id)
	if err != nil {
		return false, err
	}
	return pool.HasActiveWorker(r.nowMs(), interfaces.TimestampMs(r.cfg.PingTimeout.Milliseconds())), nil
}

// Pools returns copies of up to limit pools starting at offset. A limit of 0 means no limit.
func (r *Registry) Pools(offset, limit int) []*interfaces.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end := pageBounds(len(r.pools), offset, limit)
	result := make([]*interfaces.Pool, 0, end-start)
	for _, pool := range r.pools[start:end] {
		result = append(result, pool.Clone())
	}
	return result
}

func (r *Registry) PoolLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Worker returns a copy of the worker record.
func (r *Registry) Worker(account interfaces.AccountID) (*interfaces.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, found := r.workers[account]
	if !found {
		return nil, fmt.Errorf("%w: worker %s", interfaces.ErrNotFound, account)
	}
	c := *worker
	return &c, nil
}

// Workers returns copies of worker records in first-registration order.
func (r *Registry) Workers(offset, limit int) []*interfaces.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end := pageBounds(len(r.workerOrder), offset, limit)
	result := make([]*interfaces.Worker, 0, end-start)
	for _, account := range r.workerOrder[start:end] {
		c := *r.workers[account]
		result = append(result, &c)
	}
	return result
}

func (r *Registry) WorkerLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

func pageBounds(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

// Ping refreshes the caller's heartbeat. The caller must be its pool's current
// worker, no rotation may be in flight, and the measurement it was admitted
// under must still be approved.
func (r *Registry) Ping(ctx context.Context, caller interfaces.AccountID) (err error) {
	defer func() { r.metrics.ObservePing(err) }()

	r.mu.Lock()
	worker, found := r.workers[caller]
	if !found {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is not registered", interfaces.ErrNotActiveWorker, caller)
	}
	pool, err := r.poolLocked(worker.PoolID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if pool.WorkerID == nil || *pool.WorkerID != caller {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s does not serve pool %d", interfaces.ErrNotActiveWorker, caller, pool.ID)
	}
	if r.rotations[pool.ID] != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: pool %d is rotating keys", interfaces.ErrNotActiveWorker, pool.ID)
	}
	if !r.gate.Contains(worker.ComposeHash) {
		r.mu.Unlock()
		return fmt.Errorf("%w: compose hash %s", interfaces.ErrUnapprovedMeasurement, worker.ComposeHash)
	}

	now := r.nowMs()
	pool.LastPingTimestampMs = now
	poolID := pool.ID
	r.updatePoolMetricsLocked()
	r.mu.Unlock()

	r.log.Debug("worker pinged", "worker_id", caller, "pool_id", poolID)
	r.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventWorkerPinged, interfaces.WorkerPingedData{
		WorkerID:    caller,
		PoolID:      poolID,
		TimestampMs: now,
	}))
	return nil
}

// checkAdmissionLocked returns the incumbent to evict, if any, or why the
// caller cannot take the pool.
func (r *Registry) checkAdmissionLocked(poolID interfaces.PoolID, caller interfaces.AccountID) (*interfaces.Worker, error) {
	pool, err := r.poolLocked(poolID)
	if err != nil {
		return nil, err
	}

	switch r.statusLocked(pool, r.nowMs()) {
	case interfaces.PoolActive:
		return nil, fmt.Errorf("%w: pool %d", interfaces.ErrPoolOccupied, poolID)
	case interfaces.PoolRotating:
		return nil, fmt.Errorf("%w: pool %d is rotating keys", interfaces.ErrPoolOccupied, poolID)
	}

	if pool.WorkerID != nil && *pool.WorkerID == caller {
		return nil, fmt.Errorf("%w: %s already serves pool %d", interfaces.ErrWorkerAlreadyRegistered, caller, poolID)
	}
	for _, other := range r.pools {
		if other.ID == poolID {
			continue
		}
		if other.WorkerID != nil && *other.WorkerID == caller {
			return nil, fmt.Errorf("%w: %s serves pool %d", interfaces.ErrWorkerAlreadyRegistered, caller, other.ID)
		}
	}
	for _, rotation := range r.rotations {
		if rotation.WorkerID == caller {
			return nil, fmt.Errorf("%w: %s is being registered in pool %d", interfaces.ErrWorkerAlreadyRegistered, caller, rotation.PoolID)
		}
	}

	if pool.WorkerID == nil {
		return nil, nil
	}
	incumbent, found := r.workers[*pool.WorkerID]
	if !found {
		return nil, fmt.Errorf("pool %d worker %s has no record", poolID, *pool.WorkerID)
	}
	c := *incumbent
	return &c, nil
}

// Register verifies the caller's evidence and starts the key rotation that admits it.
// Errors returned here leave the registry unchanged. The rotation's outcome is
// reported by the returned future; the pool is occupied until it completes.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Rotation, error) {
	rotation, err := r.register(ctx, req)
	if err != nil {
		r.metrics.ObserveRegistration(err)
		r.log.Info("registration rejected", "pool_id", req.PoolID, "worker_id", req.Caller, "err", err)
		return nil, err
	}
	return rotation, nil
}

func (r *Registry) register(ctx context.Context, req RegisterRequest) (*Rotation, error) {
	if err := req.Caller.Validate(); err != nil {
		return nil, err
	}
	if err := req.PublicKey.Validate(); err != nil {
		return nil, err
	}
	if req.Evidence == nil {
		return nil, fmt.Errorf("%w: missing attestation evidence", interfaces.ErrMalformedInput)
	}

	r.mu.Lock()
	_, err := r.checkAdmissionLocked(req.PoolID, req.Caller)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := r.verifier.VerifyEvidence(ctx, req.Evidence, req.PublicKey)
	r.metrics.ObserveAttestation(started)
	if err != nil {
		return nil, err
	}

	// The pool may have changed while the evidence was verified.
	r.mu.Lock()
	incumbent, err := r.checkAdmissionLocked(req.PoolID, req.Caller)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	rotation := newRotation(req, result, incumbent, r.PoolAccountID(req.PoolID))
	r.rotations[req.PoolID] = rotation
	r.inflight.Add(1)
	r.updatePoolMetricsLocked()
	r.mu.Unlock()

	r.log.Info("starting key rotation",
		"pool_id", req.PoolID,
		"worker_id", req.Caller,
		"compose_hash", result.ComposeHash,
		"evicting", rotation.EvictingWorkerID())

	go r.rotate(context.WithoutCancel(ctx), rotation)
	return rotation, nil
}

// Wait blocks until every in-flight rotation has completed or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) updatePoolMetricsLocked() {
	now := r.nowMs()
	counts := make(map[interfaces.PoolStatus]int)
	for _, pool := range r.pools {
		counts[r.statusLocked(pool, now)]++
	}
	r.metrics.SetPoolStatuses(counts)
}
