package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/tee-solver-registry/api/clients"
	"github.com/ruteri/tee-solver-registry/cmd/flags"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/urfave/cli/v2"
)

var flagFee = &cli.UintFlag{
	Name:  "fee",
	Value: 0,
	Usage: "pool fee in basis points",
}

func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	account, signer, err := cryptoutils.LoadKeyFile(cCtx.String(flags.KeyFileFlag.Name))
	if err != nil {
		return nil, err
	}
	return clients.NewAdminClient(cCtx.String(flags.RegistryAddrFlag.Name), account, signer), nil
}

func readClient(cCtx *cli.Context) *clients.RegistryClient {
	return clients.NewRegistryClient(cCtx.String(flags.RegistryAddrFlag.Name), "", nil)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	adminFlags := []cli.Flag{flags.RegistryAddrFlag, flags.KeyFileFlag}
	readFlags := []cli.Flag{flags.RegistryAddrFlag}

	app := &cli.App{
		Name:           "registry-admin",
		Usage:          "Manage a TEE solver registry",
		DefaultCommand: "config",
		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "show the registry configuration",
				Flags: readFlags,
				Action: func(cCtx *cli.Context) error {
					cfg, err := readClient(cCtx).Config(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(cfg)
				},
			},
			{
				Name:  "pools",
				Usage: "list pools with their status",
				Flags: readFlags,
				Action: func(cCtx *cli.Context) error {
					pools, err := readClient(cCtx).Pools(cCtx.Context, 0, 0)
					if err != nil {
						return err
					}
					return printJSON(pools)
				},
			},
			{
				Name:  "workers",
				Usage: "list worker records",
				Flags: readFlags,
				Action: func(cCtx *cli.Context) error {
					workers, err := readClient(cCtx).Workers(cCtx.Context, 0, 0)
					if err != nil {
						return err
					}
					return printJSON(workers)
				},
			},
			{
				Name:      "create-pool",
				Usage:     "create a pool for two tokens",
				ArgsUsage: "<token-a> <token-b>",
				Flags:     append([]cli.Flag{flagFee}, adminFlags...),
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 2 {
						return fmt.Errorf("expected two token ids")
					}
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					tokens := []interfaces.AccountID{interfaces.AccountID(cCtx.Args().Get(0)), interfaces.AccountID(cCtx.Args().Get(1))}
					pool, err := client.CreatePool(cCtx.Context, tokens, uint32(cCtx.Uint(flagFee.Name)))
					if err != nil {
						return err
					}
					return printJSON(pool)
				},
			},
			{
				Name:      "approve-compose-hash",
				Usage:     "approve a docker compose hash",
				ArgsUsage: "<sha256 hex>",
				Flags:     adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.ApproveComposeHash(cCtx.Context, cCtx.Args().First())
				},
			},
			{
				Name:      "remove-compose-hash",
				Usage:     "revoke a docker compose hash",
				ArgsUsage: "<sha256 hex>",
				Flags:     adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.RemoveComposeHash(cCtx.Context, cCtx.Args().First())
				},
			},
			{
				Name:      "change-owner",
				Usage:     "transfer registry ownership",
				ArgsUsage: "<account>",
				Flags:     adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.ChangeOwner(cCtx.Context, interfaces.AccountID(cCtx.Args().First()))
				},
			},
			{
				Name:      "compose-hash",
				Usage:     "compute the compose hash of an app-compose.json file",
				ArgsUsage: "<app-compose.json>",
				Action: func(cCtx *cli.Context) error {
					data, err := os.ReadFile(cCtx.Args().First())
					if err != nil {
						return err
					}
					composeHash, eventDigest, err := cryptoutils.ComposeMeasurements(string(data))
					if err != nil {
						return err
					}
					return printJSON(map[string]string{"compose_hash": composeHash, "event_digest": eventDigest})
				},
			},
			{
				Name:  "generate-key",
				Usage: "generate an ed25519 key file for an implicit account",
				Action: func(cCtx *cli.Context) error {
					signer, err := cryptoutils.GenerateED25519Signer()
					if err != nil {
						return err
					}
					account, err := cryptoutils.ImplicitAccountID(signer.PublicKey())
					if err != nil {
						return err
					}
					return printJSON(cryptoutils.KeyFile{
						AccountID:  account,
						PublicKey:  signer.PublicKey().String(),
						PrivateKey: signer.PrivateKeyString(),
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
