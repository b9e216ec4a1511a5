// Package cryptoutils provides the measurement and key primitives of the solver
// registry.
//
// # Measurement Replay
//
// ReplayRTMR folds a TDX event log into the value of one runtime measurement
// register:
//
//	acc = 0^48
//	for each event with event.imr == imr, in log order:
//	    acc = SHA384(acc || hexdecode(event.digest))
//
// Order matters. Events extended into other registers do not affect the result.
//
// ComposeHashEventDigest derives the digest dstack records for the app compose
// manifest:
//
//	SHA384(01 00 00 08 || ":" || "compose-hash" || ":" || SHA256(app_compose))
//
// DockerComposeHash is the SHA-256 of the manifest's docker_compose_file and is
// the measurement owners approve. ExtractImageDigest returns the digest pinned
// by the first service image.
//
// # Report Data
//
// A worker binds its key to a quote by requesting report data
//
//	0x0001 (BE) || SHA384(raw public key) || zero padding to 64 bytes
//
// # Quote Verification
//
// DCAPQuoteVerifier wraps go-tdx-guest. Collateral supplied by the worker is
// served to the verifier through an in-memory getter so verification never
// fetches from Intel PCS.
//
// # Keys and Request Signatures
//
// Keys are "<curve>:<base58>" with ed25519 or secp256k1 curves. API requests are
// signed over SHA256(method "\n" path "\n" timestamp "\n" body).
package cryptoutils
