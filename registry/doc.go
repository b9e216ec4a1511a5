// Package registry implements the pool and worker lifecycle of the solver registry.
//
// A pool is served by at most one worker at a time. A pool is in one of four states:
//
//   - Empty: no worker has been admitted, or the last one was evicted
//   - Active: the worker pinged within the ping timeout
//   - Stale: the worker stopped pinging and can be replaced
//   - Rotating: a registration is swapping pool vault keys
//
// # Registration
//
// Register checks the pool, verifies the caller's attestation evidence and then starts
// a key rotation. When the pool has a stale incumbent its key is evicted from the pool
// vault first; only after that succeeds is the new worker's key installed. The
// registration is committed when the install succeeds. A failed eviction leaves the
// incumbent in place, a failed install leaves the pool empty.
//
//	rotation, err := reg.Register(ctx, registry.RegisterRequest{
//	    PoolID:    0,
//	    Caller:    caller.AccountID,
//	    Evidence:  evidence,
//	    Checksum:  checksum,
//	    PublicKey: caller.PublicKey,
//	})
//	if err != nil {
//	    return err // nothing changed
//	}
//	worker, err := rotation.Wait(ctx)
//
// The rotation runs detached from the request context; cancelling ctx only stops waiting.
//
// # Liveness
//
// Workers call Ping to stay active. A ping is refused while the pool is rotating and
// once the worker's compose hash has been removed from the allow-list.
package registry
