/*
Package api defines the wire types and routes of the solver registry HTTP API.

Subpackages:

  - handlers serves the routes and authenticates signed requests
  - servers runs the listener, probes and metrics endpoint
  - clients calls the API from Go, for workers and the owner

All bodies are JSON. Pools are addressed by their numeric id, workers by
account id and compose hashes by lowercase hex.
*/
package api
