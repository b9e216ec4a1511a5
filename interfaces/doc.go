// Package interfaces defines core interfaces and types for the solver registry,
// separating interface definitions from implementations.
//
// # Entities
//
// Pool: a resource pool with two immutable token ids, a fee and at most one worker.
//
// Worker: the registration record of an attested worker. Records persist as history.
//
// # Attestation Interfaces
//
// QuoteVerifier: verifies a raw TDX quote against caller-supplied collateral and
// returns the report fields the registry relies on (RTMRs, report data).
//
// AttestationVerifier: ties a verified report to the replayed event log, the
// caller's public key and the approved measurement set.
//
// # Key Management Interfaces
//
// KeyRegistrar: installs and evicts worker keys in a pool's key vault. Calls are
// one-shot and never retried.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for archived events and audit records
// across multiple backend types (file, S3, IPFS, Vault).
//
// StorageBackendFactory: creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
//
// # Events
//
// Event is a NEP-297 style record emitted to an EventSink after each committed
// state change.
//
// # Errors
//
// Sentinel errors are defined in errors.go and wrapped with fmt.Errorf. Callers
// classify them with errors.Is.
package interfaces
