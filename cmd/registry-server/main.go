package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-solver-registry/allowlist"
	"github.com/ruteri/tee-solver-registry/api/handlers"
	"github.com/ruteri/tee-solver-registry/api/servers"
	"github.com/ruteri/tee-solver-registry/attestation"
	"github.com/ruteri/tee-solver-registry/cmd/flags"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/events"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/metrics"
	"github.com/ruteri/tee-solver-registry/registrar"
	"github.com/ruteri/tee-solver-registry/registry"
	"github.com/ruteri/tee-solver-registry/storage"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var registryFlags = []cli.Flag{
	flagListenAddr,
	&cli.StringFlag{
		Name:     "registry-account",
		Required: true,
		Usage:    "account of the registry; pool vaults are its sub-accounts pool-<id>.<registry-account>",
	},
	&cli.StringFlag{
		Name:  "intents-account",
		Value: "intents.near",
		Usage: "account on whose behalf worker keys are installed in pool vaults",
	},
	&cli.StringFlag{
		Name:     "owner",
		Required: true,
		Usage:    "initial owner account, allowed to manage compose hashes and pools",
	},
	&cli.StringSliceFlag{
		Name:  "compose-hash",
		Usage: "compose hash approved at startup (repeatable)",
	},
	&cli.DurationFlag{
		Name:  "ping-timeout",
		Value: registry.DefaultPingTimeout,
		Usage: "time after the last ping at which a worker becomes stale",
	},
	&cli.DurationFlag{
		Name:  "key-operation-timeout",
		Value: registry.DefaultKeyOperationTimeout,
		Usage: "bound on each key registrar call",
	},
	&cli.DurationFlag{
		Name:  "register-wait",
		Value: handlers.DefaultRegisterWait,
		Usage: "how long a registration request waits for the key rotation before answering 202",
	},
	&cli.DurationFlag{
		Name:  "max-clock-skew",
		Value: handlers.DefaultMaxClockSkew,
		Usage: "accepted difference between a signed request's timestamp and the server clock",
	},
	&cli.StringFlag{
		Name:  "key-directory",
		Usage: "JSON file mapping named accounts to their access keys; implicit accounts are always accepted",
	},
	&cli.StringSliceFlag{
		Name:  "archive",
		Usage: "storage location for events and audit records, e.g. file:///var/lib/registry, s3://bucket/prefix?region=us-east-1, ipfs://localhost:5001/, vault://vault:8200/secret/registry (repeatable)",
	},
	&cli.StringFlag{
		Name:  "registrar",
		Value: "memory",
		Usage: "key registrar: 'memory', 'vault' or 'http'",
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		Usage:   "Vault address for the vault registrar",
		EnvVars: []string{"VAULT_ADDR"},
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Usage:   "Vault token for the vault registrar",
		EnvVars: []string{"VAULT_TOKEN"},
	},
	&cli.StringFlag{
		Name:  "vault-mount",
		Value: "secret",
		Usage: "KV v2 mount of the vault registrar",
	},
	&cli.StringFlag{
		Name:  "vault-prefix",
		Value: "solver-keys",
		Usage: "path within the mount where pool keys are stored",
	},
	&cli.StringFlag{
		Name:  "registrar-url",
		Usage: "base URL of the vault service for the http registrar",
	},
	&cli.StringFlag{
		Name:  "registrar-key-file",
		Usage: "credentials of the registry account used to sign http registrar calls",
	},
	&cli.BoolFlag{
		Name:  "serve-vault",
		Usage: "also serve the pool vault API backed by in-memory key storage",
	},
	flags.LogServiceFlagFn("solver-registry"),
}

func main() {
	app := &cli.App{
		Name:  "registry-server",
		Usage: "Serve the TEE solver registry API",
		Flags: append(registryFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			server, err := servers.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name)))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			archive, err := setupArchive(cCtx, logger)
			if err != nil {
				logger.Error("Failed to set up archive", "err", err)
				return err
			}
			sink := interfaces.EventSink(events.NewLogSink(logger))
			if archive != nil {
				sink = events.MultiSink{sink, events.NewArchiveSink(archive, logger)}
			}

			keyStore := registrar.NewMemoryRegistrar(logger)
			keyRegistrar, err := setupRegistrar(cCtx, keyStore, logger)
			if err != nil {
				logger.Error("Failed to set up key registrar", "err", err)
				return err
			}

			owner := interfaces.AccountID(cCtx.String("owner"))
			if err := owner.Validate(); err != nil {
				return fmt.Errorf("--owner: %w", err)
			}
			gate := allowlist.NewGate(owner, sink, logger)
			for _, hash := range cCtx.StringSlice("compose-hash") {
				if err := gate.Approve(cCtx.Context, owner, hash); err != nil {
					return fmt.Errorf("--compose-hash %s: %w", hash, err)
				}
			}

			verifier := attestation.NewVerifier(cryptoutils.NewDCAPQuoteVerifier(), gate, logger)
			reg, err := registry.New(registry.Config{
				RegistryAccount:     interfaces.AccountID(cCtx.String("registry-account")),
				IntentsAccount:      interfaces.AccountID(cCtx.String("intents-account")),
				PingTimeout:         cCtx.Duration("ping-timeout"),
				KeyOperationTimeout: cCtx.Duration("key-operation-timeout"),
			}, gate, verifier, keyRegistrar, sink, archive, metrics.NewMetrics(server.MetricsRegisterer()), logger)
			if err != nil {
				logger.Error("Failed to create registry", "err", err)
				return err
			}

			directory, err := handlers.LoadKeyDirectoryFile(cCtx.String("key-directory"))
			if err != nil {
				logger.Error("Failed to load key directory", "err", err)
				return err
			}
			auth := handlers.NewAuthenticator(directory, logger)
			auth.MaxSkew = cCtx.Duration("max-clock-skew")

			handler := handlers.NewHandler(reg, auth, logger)
			handler.RegisterWait = cCtx.Duration("register-wait")
			handler.KeyRegistrar = keyRegistrar.Name()
			server.Mount(handler)
			if cCtx.Bool("serve-vault") {
				logger.Info("Serving pool vault API")
				server.Mount(handlers.NewVaultHandler(keyStore, auth, logger))
			}
			server.OnShutdown(reg)

			logger.Info("Starting server",
				"registry_account", reg.Config().RegistryAccount,
				"owner", owner,
				"key_registrar", keyRegistrar.Name())
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupArchive(cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackend, error) {
	uris := cCtx.StringSlice("archive")
	if len(uris) == 0 {
		return nil, nil
	}
	locations, err := storage.ParseLocations(uris)
	if err != nil {
		return nil, err
	}
	return storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
}

// setupRegistrar selects the key registrar. The memory registrar shares its
// storage with the pool vault API so that both see the same keys.
func setupRegistrar(cCtx *cli.Context, keyStore *registrar.MemoryRegistrar, logger *slog.Logger) (interfaces.KeyRegistrar, error) {
	switch kind := cCtx.String("registrar"); kind {
	case "memory":
		return keyStore, nil
	case "vault":
		if cCtx.String("vault-addr") == "" {
			return nil, fmt.Errorf("--vault-addr is required for the vault registrar")
		}
		return registrar.NewVaultRegistrar(cCtx.String("vault-addr"), cCtx.String("vault-token"), cCtx.String("vault-mount"), cCtx.String("vault-prefix"), logger)
	case "http":
		if cCtx.String("registrar-url") == "" || cCtx.String("registrar-key-file") == "" {
			return nil, fmt.Errorf("--registrar-url and --registrar-key-file are required for the http registrar")
		}
		account, signer, err := cryptoutils.LoadKeyFile(cCtx.String("registrar-key-file"))
		if err != nil {
			return nil, err
		}
		return registrar.NewHTTPRegistrar(cCtx.String("registrar-url"), account, signer, logger), nil
	default:
		return nil, fmt.Errorf("invalid registrar: %s", kind)
	}
}

