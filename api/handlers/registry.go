package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/common"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/registry"
)

const DefaultRegisterWait = 45 * time.Second

// Handler serves the registry API.
type Handler struct {
	registry *registry.Registry
	auth     *Authenticator
	log      *slog.Logger

	// RegisterWait is how long a registration request waits for its key rotation.
	RegisterWait time.Duration
	// KeyRegistrar names the registrar in the config response.
	KeyRegistrar string
}

func NewHandler(reg *registry.Registry, auth *Authenticator, log *slog.Logger) *Handler {
	return &Handler{
		registry:     reg,
		auth:         auth,
		log:          log,
		RegisterWait: DefaultRegisterWait,
	}
}

// RegisterRoutes mounts the public, worker and admin routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(api.PoolsPath, h.HandleListPools)
	r.Get(api.PoolsPath+"/{pool_id}", h.HandleGetPool)
	r.Get(api.WorkersPath, h.HandleListWorkers)
	r.Get(api.WorkersPath+"/{account_id}", h.HandleGetWorker)
	r.Get(api.ComposeHashesPath, h.HandleListComposeHashes)
	r.Get(api.ComposeHashesPath+"/{hash}", h.HandleGetComposeHash)
	r.Get(api.ConfigPath, h.HandleConfig)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post(api.RegisterWorkerPath, h.HandleRegister)
		r.Post(api.PingPath, h.HandlePing)
		r.Post(api.AdminComposeHashesPath, h.HandleApproveComposeHash)
		r.Delete(api.AdminComposeHashesPath+"/{hash}", h.HandleRemoveComposeHash)
		r.Post(api.AdminOwnerPath, h.HandleChangeOwner)
		r.Post(api.AdminPoolsPath, h.HandleCreatePool)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", interfaces.ErrMalformedInput, err)
	}
	return nil
}

func requireCaller(w http.ResponseWriter, r *http.Request) (interfaces.Caller, bool) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, fmt.Errorf("%w: missing caller", interfaces.ErrUnauthenticated))
	}
	return caller, ok
}

func pagination(r *http.Request) (int, int, error) {
	var offset, limit int
	var err error
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset", interfaces.ErrMalformedInput)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", interfaces.ErrMalformedInput)
		}
	}
	return offset, limit, nil
}

// HandleRegister admits the caller as the worker of a pool.
//
// The caller's signing key is the key the quote's report data must commit to
// and the key installed in the pool vault. The request waits for the key
// rotation up to RegisterWait and answers 202 if it is still running.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req api.RegisterWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	evidence, err := req.Evidence()
	if err != nil {
		writeError(w, err)
		return
	}

	rotation, err := h.registry.Register(r.Context(), registry.RegisterRequest{
		PoolID:    req.PoolID,
		Caller:    caller.AccountID,
		Evidence:  evidence,
		Checksum:  req.Checksum,
		PublicKey: caller.PublicKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.RegisterWait)
	defer cancel()

	worker, err := rotation.Wait(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusAccepted, api.RegisterWorkerResponse{
			Status:   api.RegistrationPending,
			PoolID:   rotation.PoolID,
			Evicting: rotation.EvictingWorkerID(),
		})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, api.RegisterWorkerResponse{
			Status:   api.RegistrationCommitted,
			PoolID:   rotation.PoolID,
			Worker:   worker,
			Evicting: rotation.EvictingWorkerID(),
		})
	}
}

func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	if err := h.registry.Ping(r.Context(), caller.AccountID); err != nil {
		writeError(w, err)
		return
	}

	worker, err := h.registry.Worker(caller.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.poolView(worker.PoolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) poolView(id interfaces.PoolID) (*api.PoolView, error) {
	pool, err := h.registry.Pool(id)
	if err != nil {
		return nil, err
	}
	status, err := h.registry.PoolStatus(id)
	if err != nil {
		return nil, err
	}
	return &api.PoolView{
		Pool:      *pool,
		Status:    status,
		AccountID: h.registry.PoolAccountID(id),
	}, nil
}

func (h *Handler) HandleListPools(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	pools := h.registry.Pools(offset, limit)
	views := make([]*api.PoolView, 0, len(pools))
	for _, pool := range pools {
		view, err := h.poolView(pool.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "pool_id"), 10, 32)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid pool id", interfaces.ErrMalformedInput))
		return
	}

	view, err := h.poolView(interfaces.PoolID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Workers(offset, limit))
}

func (h *Handler) HandleGetWorker(w http.ResponseWriter, r *http.Request) {
	account, err := interfaces.NewAccountID(chi.URLParam(r, "account_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	worker, err := h.registry.Worker(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (h *Handler) HandleListComposeHashes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.AllowList().List())
}

func (h *Handler) HandleGetComposeHash(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	writeJSON(w, http.StatusOK, api.ComposeHashStatus{
		ComposeHash: hash,
		Approved:    h.registry.AllowList().Contains(hash),
	})
}

func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.registry.Config()
	writeJSON(w, http.StatusOK, api.ConfigResponse{
		Owner:           h.registry.Owner(),
		RegistryAccount: cfg.RegistryAccount,
		IntentsAccount:  cfg.IntentsAccount,
		PingTimeoutMs:   cfg.PingTimeout.Milliseconds(),
		KeyRegistrar:    h.KeyRegistrar,
		Version:         common.Version,
	})
}

func (h *Handler) HandleApproveComposeHash(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req api.ComposeHashRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AllowList().Approve(r.Context(), caller.AccountID, req.ComposeHash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ComposeHashStatus{ComposeHash: req.ComposeHash, Approved: true})
}

func (h *Handler) HandleRemoveComposeHash(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	hash := chi.URLParam(r, "hash")

	if err := h.registry.AllowList().Revoke(r.Context(), caller.AccountID, hash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ComposeHashStatus{ComposeHash: hash, Approved: false})
}

func (h *Handler) HandleChangeOwner(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req api.ChangeOwnerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.registry.AllowList().ChangeOwner(r.Context(), caller.AccountID, req.NewOwner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

func (h *Handler) HandleCreatePool(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req api.CreatePoolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pool, err := h.registry.CreatePool(r.Context(), caller.AccountID, req.TokenIDs, req.Fee)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.poolView(pool.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}
