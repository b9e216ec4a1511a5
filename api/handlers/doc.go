// Package handlers implements the HTTP API of the solver registry.
//
// Handler serves pools, workers, the compose hash allow-list and the owner
// operations. VaultHandler serves pool vault accounts for deployments that run
// the key vault next to the registry.
//
// Routes that change state require signed requests. The caller sends
// X-Account-Id, X-Public-Key, X-Timestamp (unix ms) and X-Signature, a base64
// signature over SHA256(method "\n" path "\n" timestamp "\n" body). The key must
// be listed for the account in the KeyDirectory, unless the account is the
// implicit account of an ed25519 key.
//
// Errors are returned as {"error": "..."} with the status chosen by StatusCode.
package handlers
