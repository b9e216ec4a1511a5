package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/api/clients"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

type registryAPI interface {
	RegisterWorker(ctx context.Context, req *api.RegisterWorkerRequest) (*api.RegisterWorkerResponse, error)
	Ping(ctx context.Context) (*api.PoolView, error)
	Worker(ctx context.Context, account interfaces.AccountID) (*interfaces.Worker, error)
}

// Agent keeps a worker registered in its pool: it registers with fresh
// evidence, then pings until the registry stops treating it as the active
// worker, and starts over.
type Agent struct {
	client    registryAPI
	account   interfaces.AccountID
	publicKey interfaces.PublicKey
	quotes    cryptoutils.AttestationProvider

	PoolID     interfaces.PoolID
	Checksum   string
	Collateral string
	TcbInfo    string

	PingInterval  time.Duration
	RetryInterval time.Duration
	// PendingTimeout bounds how long a registration answered with 202 is polled for.
	PendingTimeout time.Duration

	log *slog.Logger
}

func NewAgent(client registryAPI, account interfaces.AccountID, publicKey interfaces.PublicKey, quotes cryptoutils.AttestationProvider, log *slog.Logger) *Agent {
	return &Agent{
		client:         client,
		account:        account,
		publicKey:      publicKey,
		quotes:         quotes,
		PingInterval:   time.Minute,
		RetryInterval:  30 * time.Second,
		PendingTimeout: 2 * time.Minute,
		log:            log,
	}
}

// fatal reports errors that retrying with the same evidence cannot fix.
func fatal(err error) bool {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Evidence produces a registration request with a quote bound to the worker's key.
func (a *Agent) Evidence() (*api.RegisterWorkerRequest, error) {
	quote, err := a.quotes.Attest(cryptoutils.ReportDataForPublicKey(a.publicKey))
	if err != nil {
		return nil, fmt.Errorf("generating quote: %w", err)
	}
	return &api.RegisterWorkerRequest{
		PoolID:     a.PoolID,
		QuoteHex:   hex.EncodeToString(quote),
		Collateral: a.Collateral,
		Checksum:   a.Checksum,
		TcbInfo:    a.TcbInfo,
	}, nil
}

// Register registers the worker and returns once it is committed.
func (a *Agent) Register(ctx context.Context) error {
	req, err := a.Evidence()
	if err != nil {
		return err
	}

	resp, err := a.client.RegisterWorker(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status == api.RegistrationCommitted {
		a.log.Info("registered", "pool_id", resp.PoolID, "evicted", resp.Evicting)
		return nil
	}

	a.log.Info("key rotation pending", "pool_id", resp.PoolID, "evicting", resp.Evicting)
	return a.awaitCommit(ctx)
}

func (a *Agent) awaitCommit(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.PendingTimeout)
	defer cancel()

	ticker := time.NewTicker(a.RetryInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("registration not committed: %w", ctx.Err())
		case <-ticker.C:
		}

		worker, err := a.client.Worker(ctx, a.account)
		if err != nil {
			a.log.Debug("worker record not available yet", "err", err)
			continue
		}
		if worker.PoolID == a.PoolID && !worker.Evicted && worker.PublicKey.Equal(a.publicKey) {
			a.log.Info("registered", "pool_id", worker.PoolID)
			return nil
		}
	}
}

// Run registers and pings until ctx is done or the registry rejects the
// worker for good.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.Register(ctx); err != nil {
			if fatal(err) || ctx.Err() != nil {
				return err
			}
			a.log.Warn("registration failed, retrying", "err", err, "retry_in", a.RetryInterval)
			if !sleep(ctx, a.RetryInterval) {
				return ctx.Err()
			}
			continue
		}

		err := a.pingLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *clients.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
			return err
		}
		a.log.Warn("no longer the active worker, registering again", "err", err)
	}
}

// pingLoop returns when a ping is rejected with a conflict, i.e. the worker
// was replaced or its pool is rotating.
func (a *Agent) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.PingInterval)
	defer ticker.Stop()
	for {
		view, err := a.client.Ping(ctx)
		switch {
		case err == nil:
			a.log.Debug("pinged", "pool_id", view.ID, "status", view.Status)
		case isConflict(err), fatal(err):
			return err
		default:
			a.log.Warn("ping failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func isConflict(err error) bool {
	var apiErr *clients.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
