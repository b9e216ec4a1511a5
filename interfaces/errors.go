package interfaces

import "errors"

// Registration and evidence errors. All of them are terminal for the current
// call; nothing is retried.
var (
	// ErrMalformedInput is returned for bad hex, JSON or key encodings in caller input.
	ErrMalformedInput = errors.New("malformed input")

	// ErrMalformedConfiguration is returned when the compose document lacks an expected field.
	ErrMalformedConfiguration = errors.New("malformed configuration")

	// ErrVerificationFailed is returned when the quote verifier rejects the quote or its collateral.
	ErrVerificationFailed = errors.New("attestation verification failed")

	// ErrIdentityMismatch is returned when the quote report data is not bound to the caller's key.
	ErrIdentityMismatch = errors.New("report data does not match caller public key")

	// ErrReplayMismatch is returned when the replayed RTMR3 differs from the quote,
	// or the compose document's event digest is missing from the event log.
	ErrReplayMismatch = errors.New("event log replay mismatch")

	// ErrUnapprovedMeasurement is returned when the compose measurement is not in the allow-list.
	ErrUnapprovedMeasurement = errors.New("measurement not approved")
)

// Lifecycle errors.
var (
	ErrPoolNotFound            = errors.New("pool not found")
	ErrInvalidPool             = errors.New("invalid pool parameters")
	ErrPoolOccupied            = errors.New("pool has an active worker")
	ErrWorkerAlreadyRegistered = errors.New("worker already registered")
	ErrNotActiveWorker         = errors.New("caller is not the active worker")

	// ErrKeyOperationFailed is returned when the key registrar fails to install or evict a key.
	ErrKeyOperationFailed = errors.New("key operation failed")
)

// Admin and access errors.
var (
	ErrNotOwner        = errors.New("caller is not the owner")
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
)
