// Package clients provides Go clients for the solver registry API.
//
// RegistryClient covers the worker and read-only endpoints; AdminClient adds
// the owner operations. Both sign requests with the account's key the way
// api/handlers expects:
//
//	account, signer, err := cryptoutils.LoadKeyFile("worker.json")
//	client := clients.NewRegistryClient("http://registry:8080", account, signer)
//	resp, err := client.RegisterWorker(ctx, &api.RegisterWorkerRequest{...})
//
// Non-2xx responses are returned as *APIError carrying the status code.
package clients
