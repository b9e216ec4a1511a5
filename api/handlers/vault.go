package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/registrar"
)

// PoolKeyStore holds the keys authorized to act for pool vault accounts.
type PoolKeyStore interface {
	interfaces.KeyRegistrar
	PublicKeysOf(owner, poolAccount interfaces.AccountID) []interfaces.PublicKey
}

// VaultHandler serves pool vault accounts. Only a vault's parent account may
// change its keys, so pool-3.registry.near accepts calls from registry.near.
type VaultHandler struct {
	store PoolKeyStore
	auth  *Authenticator
	log   *slog.Logger
}

func NewVaultHandler(store PoolKeyStore, auth *Authenticator, log *slog.Logger) *VaultHandler {
	return &VaultHandler{store: store, auth: auth, log: log}
}

func (h *VaultHandler) RegisterRoutes(r chi.Router) {
	r.Get(fmt.Sprintf(api.VaultPublicKeysPath, "{account_id}"), h.HandlePublicKeys)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post(fmt.Sprintf(api.VaultAddPublicKeyPath, "{account_id}"), h.HandleAddPublicKey)
		r.Post(fmt.Sprintf(api.VaultRemovePublicKeyPath, "{account_id}"), h.HandleRemovePublicKey)
	})
}

// IsParentAccount reports whether parent is the direct parent of account.
func IsParentAccount(parent, account interfaces.AccountID) bool {
	prefix, found := strings.CutSuffix(account.String(), "."+parent.String())
	return found && prefix != "" && !strings.Contains(prefix, ".")
}

func (h *VaultHandler) keyRequest(w http.ResponseWriter, r *http.Request) (interfaces.AccountID, *registrar.KeyRequest, bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return "", nil, false
	}

	account, err := interfaces.NewAccountID(chi.URLParam(r, "account_id"))
	if err != nil {
		writeError(w, err)
		return "", nil, false
	}
	if !IsParentAccount(caller.AccountID, account) {
		writeError(w, fmt.Errorf("%w: %s is not the parent of %s", interfaces.ErrNotOwner, caller.AccountID, account))
		return "", nil, false
	}

	var req registrar.KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return "", nil, false
	}
	if err := req.OwnerAccountID.Validate(); err != nil {
		writeError(w, err)
		return "", nil, false
	}
	if err := req.PublicKey.Validate(); err != nil {
		writeError(w, err)
		return "", nil, false
	}
	return account, &req, true
}

func (h *VaultHandler) HandleAddPublicKey(w http.ResponseWriter, r *http.Request) {
	account, req, ok := h.keyRequest(w, r)
	if !ok {
		return
	}
	if err := h.store.Install(r.Context(), account, req.OwnerAccountID, req.PublicKey); err != nil {
		writeError(w, fmt.Errorf("%w: %v", interfaces.ErrKeyOperationFailed, err))
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

func (h *VaultHandler) HandleRemovePublicKey(w http.ResponseWriter, r *http.Request) {
	account, req, ok := h.keyRequest(w, r)
	if !ok {
		return
	}
	if err := h.store.Evict(r.Context(), account, req.OwnerAccountID, req.PublicKey); err != nil {
		writeError(w, fmt.Errorf("%w: %v", interfaces.ErrKeyOperationFailed, err))
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

// HandlePublicKeys lists the keys of a vault account for ?owner=<account>.
func (h *VaultHandler) HandlePublicKeys(w http.ResponseWriter, r *http.Request) {
	account, err := interfaces.NewAccountID(chi.URLParam(r, "account_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	owner, err := interfaces.NewAccountID(r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, err)
		return
	}

	keys := h.store.PublicKeysOf(owner, account)
	if keys == nil {
		keys = []interfaces.PublicKey{}
	}
	writeJSON(w, http.StatusOK, api.PublicKeysResponse{PublicKeys: keys})
}
