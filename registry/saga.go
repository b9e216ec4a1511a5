package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// Rotation is the pending outcome of a registration. It completes once the
// incumbent's key is evicted (if there was one) and the new worker's key is
// installed, or as soon as either step fails.
type Rotation struct {
	PoolID      interfaces.PoolID
	WorkerID    interfaces.AccountID
	PoolAccount interfaces.AccountID

	worker    *interfaces.Worker
	incumbent *interfaces.Worker
	rtmr3     string

	done   chan struct{}
	result *interfaces.Worker
	err    error
}

func newRotation(req RegisterRequest, result *interfaces.AttestationResult, incumbent *interfaces.Worker, poolAccount interfaces.AccountID) *Rotation {
	return &Rotation{
		PoolID:      req.PoolID,
		WorkerID:    req.Caller,
		PoolAccount: poolAccount,
		worker: &interfaces.Worker{
			AccountID:   req.Caller,
			PoolID:      req.PoolID,
			Checksum:    req.Checksum,
			ComposeHash: result.ComposeHash,
			ImageDigest: result.ImageDigest,
			PublicKey:   req.PublicKey,
		},
		incumbent: incumbent,
		rtmr3:     result.RTMR3,
		done:      make(chan struct{}),
	}
}

// EvictingWorkerID returns the incumbent being replaced, or "" for an empty pool.
func (r *Rotation) EvictingWorkerID() interfaces.AccountID {
	if r.incumbent == nil {
		return ""
	}
	return r.incumbent.AccountID
}

// Done is closed when the rotation completes.
func (r *Rotation) Done() <-chan struct{} {
	return r.done
}

// Result returns the committed worker or the failure. It is only meaningful after Done is closed.
func (r *Rotation) Result() (*interfaces.Worker, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
		return nil, errors.New("rotation still in progress")
	}
}

// Wait blocks until the rotation completes or ctx is done. Cancelling ctx does
// not cancel the rotation.
func (r *Rotation) Wait(ctx context.Context) (*interfaces.Worker, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Rotation) finish(worker *interfaces.Worker, err error) {
	r.result = worker
	r.err = err
	close(r.done)
}

// AuditRecord is archived for every committed registration.
type AuditRecord struct {
	Worker           interfaces.Worker      `json:"worker"`
	PoolAccount      interfaces.AccountID   `json:"pool_account"`
	RTMR3            string                 `json:"rtmr3"`
	EvictedWorkerID  *interfaces.AccountID  `json:"evicted_worker_id,omitempty"`
	CommittedAtMs    interfaces.TimestampMs `json:"committed_at_ms"`
	KeyRegistrarName string                 `json:"key_registrar"`
}

// rotate runs the registrar calls of a rotation. Each call is followed by a
// continuation that commits or abandons the registration under the lock.
func (r *Registry) rotate(ctx context.Context, rotation *Rotation) {
	defer r.inflight.Done()

	if rotation.incumbent != nil {
		err := r.keyOperation(ctx, "evict", func(ctx context.Context) error {
			return r.registrar.Evict(ctx, rotation.PoolAccount, r.cfg.IntentsAccount, rotation.incumbent.PublicKey)
		})
		if !r.onIncumbentKeyRemoved(ctx, rotation, err) {
			return
		}
	}

	err := r.keyOperation(ctx, "install", func(ctx context.Context) error {
		return r.registrar.Install(ctx, rotation.PoolAccount, r.cfg.IntentsAccount, rotation.worker.PublicKey)
	})
	r.onWorkerKeyAdded(ctx, rotation, err)
}

func (r *Registry) keyOperation(ctx context.Context, operation string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.KeyOperationTimeout)
	defer cancel()

	started := time.Now()
	err := call(ctx)
	r.metrics.ObserveKeyOperation(operation, started, err)
	if err != nil {
		return fmt.Errorf("%w: %s via %s: %w", interfaces.ErrKeyOperationFailed, operation, r.registrar.Name(), err)
	}
	return nil
}

// onIncumbentKeyRemoved reports whether the rotation should go on to install the new key.
// On failure the incumbent keeps the pool.
func (r *Registry) onIncumbentKeyRemoved(ctx context.Context, rotation *Rotation, keyErr error) bool {
	incumbent := rotation.incumbent

	r.mu.Lock()
	if keyErr != nil {
		delete(r.rotations, rotation.PoolID)
		r.updatePoolMetricsLocked()
		r.mu.Unlock()

		r.log.Error("failed to evict incumbent key, registration abandoned",
			"pool_id", rotation.PoolID,
			"worker_id", rotation.WorkerID,
			"incumbent", incumbent.AccountID,
			"err", keyErr)
		r.metrics.ObserveRegistration(keyErr)
		rotation.finish(nil, keyErr)
		return false
	}

	pool := r.pools[rotation.PoolID]
	pool.WorkerID = nil
	pool.LastPingTimestampMs = 0
	if record, found := r.workers[incumbent.AccountID]; found && record.PoolID == rotation.PoolID {
		record.Evicted = true
	}
	r.updatePoolMetricsLocked()
	r.mu.Unlock()

	r.log.Info("incumbent evicted", "pool_id", rotation.PoolID, "worker_id", incumbent.AccountID)
	r.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventWorkerRemoved, interfaces.WorkerEventData{
		WorkerID:    incumbent.AccountID,
		PoolID:      rotation.PoolID,
		PublicKey:   incumbent.PublicKey,
		Checksum:    incumbent.Checksum,
		ComposeHash: incumbent.ComposeHash,
	}))
	return true
}

// onWorkerKeyAdded commits the new worker if its key was installed.
func (r *Registry) onWorkerKeyAdded(ctx context.Context, rotation *Rotation, keyErr error) {
	r.mu.Lock()
	delete(r.rotations, rotation.PoolID)
	if keyErr != nil {
		r.updatePoolMetricsLocked()
		r.mu.Unlock()

		r.log.Error("failed to install worker key, registration abandoned",
			"pool_id", rotation.PoolID,
			"worker_id", rotation.WorkerID,
			"err", keyErr)
		r.metrics.ObserveRegistration(keyErr)
		rotation.finish(nil, keyErr)
		return
	}

	now := r.nowMs()
	worker := *rotation.worker
	worker.RegisteredAtMs = now
	if _, known := r.workers[worker.AccountID]; !known {
		r.workerOrder = append(r.workerOrder, worker.AccountID)
	}
	r.workers[worker.AccountID] = &worker

	pool := r.pools[rotation.PoolID]
	workerID := worker.AccountID
	pool.WorkerID = &workerID
	pool.LastPingTimestampMs = now
	r.updatePoolMetricsLocked()
	r.mu.Unlock()

	r.log.Info("worker registered",
		"pool_id", rotation.PoolID,
		"worker_id", worker.AccountID,
		"compose_hash", worker.ComposeHash,
		"image_digest", worker.ImageDigest)
	r.sink.Emit(ctx, interfaces.NewEvent(interfaces.EventWorkerRegistered, interfaces.WorkerEventData{
		WorkerID:    worker.AccountID,
		PoolID:      worker.PoolID,
		PublicKey:   worker.PublicKey,
		Checksum:    worker.Checksum,
		ComposeHash: worker.ComposeHash,
	}))
	r.metrics.ObserveRegistration(nil)

	result := worker
	rotation.finish(&result, nil)

	r.archiveRegistration(ctx, rotation, worker, now)
}

// archiveRegistration stores the audit record of a committed registration. It runs
// after the rotation has finished and is bounded like a registrar call.
func (r *Registry) archiveRegistration(ctx context.Context, rotation *Rotation, worker interfaces.Worker, now interfaces.TimestampMs) {
	if r.archive == nil {
		return
	}

	record := AuditRecord{
		Worker:           worker,
		PoolAccount:      rotation.PoolAccount,
		RTMR3:            rotation.rtmr3,
		CommittedAtMs:    now,
		KeyRegistrarName: r.registrar.Name(),
	}
	if rotation.incumbent != nil {
		evicted := rotation.incumbent.AccountID
		record.EvictedWorkerID = &evicted
	}

	data, err := json.Marshal(record)
	if err != nil {
		r.log.Error("failed to encode audit record", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.KeyOperationTimeout)
	defer cancel()
	id, err := r.archive.Store(ctx, data, interfaces.AuditRecordType)
	if err != nil {
		r.log.Warn("failed to archive audit record", "backend", r.archive.Name(), "err", err)
		return
	}
	r.log.Debug("archived audit record", "backend", r.archive.Name(), "content_id", id.String())
}
