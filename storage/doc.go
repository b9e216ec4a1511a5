// Package storage archives registry records in content-addressed backends.
//
// Emitted events and per-registration audit records are stored under their SHA-256
// content id, in a separate namespace per record type. Backends are configured by URI:
//
//	file:///var/lib/solver-registry
//	s3://bucket/prefix?region=us-west-2
//	s3://ACCESS_KEY:SECRET_KEY@bucket/prefix?endpoint=http://minio:9000
//	ipfs://localhost:5001/solver-registry
//	vault://TOKEN@vault.internal:8200/secret/solver-registry
//
// Passing several URIs to CreateMultiBackend writes every record to all reachable
// backends and reads from the first one that has it.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	locations, err := storage.ParseLocations(uris)
//	backend, err := factory.CreateMultiBackend(locations)
//	id, err := backend.Store(ctx, record, interfaces.AuditRecordType)
package storage
