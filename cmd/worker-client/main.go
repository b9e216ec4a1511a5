package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/tee-solver-registry/api/clients"
	"github.com/ruteri/tee-solver-registry/cmd/flags"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/urfave/cli/v2"
)

var workerFlags = []cli.Flag{
	flags.RegistryAddrFlag,
	flags.KeyFileFlag,
	&cli.UintFlag{
		Name:     "pool-id",
		Required: true,
		Usage:    "pool to serve",
	},
	&cli.StringFlag{
		Name:  "checksum",
		Usage: "identifier of the deployed workload, recorded with the registration",
	},
	&cli.StringFlag{
		Name:     "tcb-info-file",
		Required: true,
		Usage:    "dstack tcb_info JSON (mrtd, rtmr0-3, event_log, app_compose)",
	},
	&cli.StringFlag{
		Name:     "collateral-file",
		Required: true,
		Usage:    "PCS collateral JSON for the platform's quotes",
	},
	&cli.StringFlag{
		Name:  "quote-provider",
		Usage: "URL of a remote quote service; quotes are read from the local TDX guest when empty",
	},
	&cli.DurationFlag{
		Name:  "ping-interval",
		Value: defaultPingInterval,
		Usage: "heartbeat interval; must stay below the registry's ping timeout",
	},
	&cli.DurationFlag{
		Name:  "retry-interval",
		Value: defaultRetryInterval,
		Usage: "wait between failed registration attempts",
	},
	&cli.BoolFlag{
		Name:  "once",
		Usage: "register, ping once and exit",
	},
	flags.LogServiceFlagFn("worker-client"),
}

const (
	defaultPingInterval  = time.Minute
	defaultRetryInterval = 30 * time.Second
)

func main() {
	app := &cli.App{
		Name:  "worker-client",
		Usage: "Register a TEE worker with the solver registry and keep it alive",
		Flags: append(workerFlags, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			account, signer, err := cryptoutils.LoadKeyFile(cCtx.String(flags.KeyFileFlag.Name))
			if err != nil {
				return err
			}
			tcbInfo, err := os.ReadFile(cCtx.String("tcb-info-file"))
			if err != nil {
				return fmt.Errorf("reading tcb info: %w", err)
			}
			collateral, err := os.ReadFile(cCtx.String("collateral-file"))
			if err != nil {
				return fmt.Errorf("reading collateral: %w", err)
			}

			var quotes cryptoutils.AttestationProvider = cryptoutils.DCAPAttestationProvider{}
			if addr := cCtx.String("quote-provider"); addr != "" {
				quotes = &cryptoutils.RemoteAttestationProvider{Address: addr}
			}

			client := clients.NewRegistryClient(cCtx.String(flags.RegistryAddrFlag.Name), account, signer)
			agent := NewAgent(client, account, signer.PublicKey(), quotes, logger.With("account", account))
			agent.PoolID = interfaces.PoolID(cCtx.Uint("pool-id"))
			agent.Checksum = cCtx.String("checksum")
			agent.TcbInfo = string(tcbInfo)
			agent.Collateral = string(collateral)
			agent.PingInterval = cCtx.Duration("ping-interval")
			agent.RetryInterval = cCtx.Duration("retry-interval")

			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cCtx.Bool("once") {
				if err := agent.Register(ctx); err != nil {
					return err
				}
				view, err := client.Ping(ctx)
				if err != nil {
					return err
				}
				logger.Info("worker active", "pool_id", view.ID, "status", view.Status)
				return nil
			}

			err = agent.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
