/*
Package servers runs the solver registry HTTP API.

Server owns the API listener and a separate Prometheus listener, and serves
the probes used by load balancers:

  - /livez always answers 200
  - /readyz answers 503 while the server is drained
  - /drain and /undrain toggle readiness

With EnablePprof the pprof handlers are mounted under /debug.

API handlers are attached with Mount. Shutdown drains, closes the listener and
then waits for every Waiter passed to OnShutdown, which is how pending key
rotations get to finish:

	srv, err := servers.New(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.New(regCfg, gate, verifier, keys, sink, archive,
		metrics.NewMetrics(srv.MetricsRegisterer()), log)
	...
	srv.Mount(handlers.NewHandler(reg, auth, log))
	srv.OnShutdown(reg)
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package servers
