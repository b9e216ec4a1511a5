package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-solver-registry/allowlist"
	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/attestation"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/events"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/ruteri/tee-solver-registry/registrar"
	"github.com/ruteri/tee-solver-registry/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	ownerAccount   interfaces.AccountID = "owner.near"
	registryAcct   interfaces.AccountID = "registry.near"
	intentsAcct    interfaces.AccountID = "intents.near"
	approvedHash                        = "55d70bec1004815b12790d806ade8060dae1a23819b028ebc707191700cedfba"
	unapprovedHash                      = "0000000000000000000000000000000000000000000000000000000000000001"
)

type account struct {
	id     interfaces.AccountID
	signer cryptoutils.Signer
}

func newNamedAccount(t *testing.T, id interfaces.AccountID, dir *KeyDirectory) account {
	signer, err := cryptoutils.GenerateED25519Signer()
	require.NoError(t, err)
	dir.Add(id, signer.PublicKey())
	return account{id: id, signer: signer}
}

func newImplicitAccount(t *testing.T) account {
	signer, err := cryptoutils.GenerateED25519Signer()
	require.NoError(t, err)
	id, err := cryptoutils.ImplicitAccountID(signer.PublicKey())
	require.NoError(t, err)
	return account{id: id, signer: signer}
}

type testEnv struct {
	router    *chi.Mux
	handler   *Handler
	registry  *registry.Registry
	verifier  *attestation.MockVerifier
	keys      *registrar.MemoryRegistrar
	directory *KeyDirectory
	owner     account
}

func newTestEnv(t *testing.T, keyRegistrar interfaces.KeyRegistrar) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := &events.Recorder{}

	env := &testEnv{
		verifier:  new(attestation.MockVerifier),
		keys:      registrar.NewMemoryRegistrar(logger),
		directory: NewKeyDirectory(),
	}
	if keyRegistrar == nil {
		keyRegistrar = env.keys
	}
	env.owner = newNamedAccount(t, ownerAccount, env.directory)

	gate := allowlist.NewGate(ownerAccount, recorder, logger)
	reg, err := registry.New(registry.Config{
		RegistryAccount: registryAcct,
		IntentsAccount:  intentsAcct,
		PingTimeout:     time.Minute,
	}, gate, env.verifier, keyRegistrar, recorder, nil, nil, logger)
	require.NoError(t, err)
	env.registry = reg

	auth := NewAuthenticator(env.directory, logger)
	env.handler = NewHandler(reg, auth, logger)
	env.handler.RegisterWait = 5 * time.Second

	env.router = chi.NewRouter()
	env.handler.RegisterRoutes(env.router)
	NewVaultHandler(env.keys, auth, logger).RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, from *account, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if from != nil {
		require.NoError(t, cryptoutils.SignRequest(req, from.id, from.signer, payload, time.Now()))
	}

	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func (e *testEnv) createPool(t *testing.T) {
	rr := e.do(t, http.MethodPost, api.AdminPoolsPath, &e.owner, api.CreatePoolRequest{
		TokenIDs: []interfaces.AccountID{"wrap.near", "usdc.near"},
		Fee:      30,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func (e *testEnv) createApprovedPool(t *testing.T) {
	e.createPool(t)
	rr := e.do(t, http.MethodPost, api.AdminComposeHashesPath, &e.owner, api.ComposeHashRequest{ComposeHash: approvedHash})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (e *testEnv) expectAttestation() {
	e.verifier.On("VerifyEvidence", mock.Anything, mock.Anything, mock.Anything).Return(&interfaces.AttestationResult{
		ComposeHash: approvedHash,
		ImageDigest: "69f1a94f8c2725523087083139f925aae588ffaa76efd08d7ba06529451c31ed",
	}, nil)
}

func registerRequest() api.RegisterWorkerRequest {
	return api.RegisterWorkerRequest{
		PoolID:     0,
		QuoteHex:   "0400",
		Collateral: `{"tcb_info_issuer_chain":"","tcb_info":"{}"}`,
		Checksum:   "checksum",
		TcbInfo:    `{"mrtd":"","rtmr3":"","event_log":[],"app_compose":""}`,
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	stranger := newImplicitAccount(t)
	body := api.ComposeHashRequest{ComposeHash: approvedHash}

	t.Run("unsigned", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, api.AdminComposeHashesPath, nil, body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("key not listed for account", func(t *testing.T) {
		impostor := account{id: ownerAccount, signer: stranger.signer}
		rr := env.do(t, http.MethodPost, api.AdminComposeHashesPath, &impostor, body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, api.AdminComposeHashesPath, bytes.NewReader(payload))
		require.NoError(t, cryptoutils.SignRequest(req, env.owner.id, env.owner.signer, []byte(`{}`), time.Now()))
		rr := httptest.NewRecorder()
		env.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, api.AdminComposeHashesPath, bytes.NewReader(payload))
		require.NoError(t, cryptoutils.SignRequest(req, env.owner.id, env.owner.signer, payload, time.Now().Add(-time.Hour)))
		rr := httptest.NewRecorder()
		env.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("implicit account", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, api.AdminComposeHashesPath, &stranger, body)
		// Authenticated, but not the owner.
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestAdminOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	stranger := newImplicitAccount(t)

	env.createPool(t)
	rr := env.do(t, http.MethodPost, api.AdminPoolsPath, &stranger, api.CreatePoolRequest{
		TokenIDs: []interfaces.AccountID{"a.near", "b.near"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, api.AdminPoolsPath, &env.owner, api.CreatePoolRequest{
		TokenIDs: []interfaces.AccountID{"a.near", "a.near"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, api.AdminComposeHashesPath, &env.owner, api.ComposeHashRequest{ComposeHash: "ABCD"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Ownership is checked before the hash is parsed.
	rr = env.do(t, http.MethodPost, api.AdminComposeHashesPath, &stranger, api.ComposeHashRequest{ComposeHash: "ABCD"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, api.AdminComposeHashesPath, &env.owner, api.ComposeHashRequest{ComposeHash: approvedHash})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, api.ComposeHashesPath, nil, nil)
	assert.Equal(t, []string{approvedHash}, decode[[]string](t, rr))

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.ComposeHashPath, approvedHash), nil, nil)
	assert.True(t, decode[api.ComposeHashStatus](t, rr).Approved)

	rr = env.do(t, http.MethodDelete, fmt.Sprintf(api.AdminComposeHashPath, unapprovedHash), &env.owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodDelete, fmt.Sprintf(api.AdminComposeHashPath, approvedHash), &env.owner, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, env.registry.AllowList().Contains(approvedHash))

	rr = env.do(t, http.MethodPost, api.AdminOwnerPath, &env.owner, api.ChangeOwnerRequest{NewOwner: stranger.id})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, api.ConfigPath, nil, nil)
	cfg := decode[api.ConfigResponse](t, rr)
	assert.Equal(t, stranger.id, cfg.Owner)
	assert.Equal(t, int64(60000), cfg.PingTimeoutMs)
	assert.Equal(t, intentsAcct, cfg.IntentsAccount)
}

func TestRegisterAndPing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createApprovedPool(t)
	env.expectAttestation()
	worker, rival := newImplicitAccount(t), newImplicitAccount(t)

	rr := env.do(t, http.MethodPost, api.PingPath, &worker, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, api.RegisterWorkerPath, &worker, registerRequest())
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[api.RegisterWorkerResponse](t, rr)
	assert.Equal(t, api.RegistrationCommitted, resp.Status)
	require.NotNil(t, resp.Worker)
	assert.Equal(t, worker.id, resp.Worker.AccountID)
	assert.True(t, worker.signer.PublicKey().Equal(resp.Worker.PublicKey))

	installed := env.keys.PublicKeysOf(intentsAcct, "pool-0.registry.near")
	require.Len(t, installed, 1)
	assert.True(t, worker.signer.PublicKey().Equal(installed[0]))

	rr = env.do(t, http.MethodPost, api.RegisterWorkerPath, &rival, registerRequest())
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, api.PingPath, &worker, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[api.PoolView](t, rr)
	assert.Equal(t, interfaces.PoolActive, view.Status)
	assert.Equal(t, interfaces.AccountID("pool-0.registry.near"), view.AccountID)

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.WorkerPath, worker.id), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, approvedHash, decode[interfaces.Worker](t, rr).ComposeHash)

	rr = env.do(t, http.MethodGet, api.WorkersPath+"?offset=0&limit=10", nil, nil)
	assert.Len(t, decode[[]interfaces.Worker](t, rr), 1)

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.PoolPath, 0), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, worker.id, *decode[api.PoolView](t, rr).WorkerID)

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.PoolPath, 9), nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegister_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createPool(t)
	worker := newImplicitAccount(t)

	req := registerRequest()
	req.Collateral = "not json"
	rr := env.do(t, http.MethodPost, api.RegisterWorkerPath, &worker, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = registerRequest()
	req.PoolID = 3
	rr = env.do(t, http.MethodPost, api.RegisterWorkerPath, &worker, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	env.verifier.On("VerifyEvidence", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: compose hash", interfaces.ErrUnapprovedMeasurement))
	rr = env.do(t, http.MethodPost, api.RegisterWorkerPath, &worker, registerRequest())
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rr).Error, "compose hash")
}

func TestRegister_Pending(t *testing.T) {
	keyRegistrar := new(registrar.MockRegistrar)
	release := make(chan struct{})
	keyRegistrar.On("Install", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	env := newTestEnv(t, keyRegistrar)
	env.handler.RegisterWait = 20 * time.Millisecond
	env.createApprovedPool(t)
	env.expectAttestation()
	worker := newImplicitAccount(t)

	rr := env.do(t, http.MethodPost, api.RegisterWorkerPath, &worker, registerRequest())
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, api.RegistrationPending, decode[api.RegisterWorkerResponse](t, rr).Status)

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.PoolPath, 0), nil, nil)
	assert.Equal(t, interfaces.PoolRotating, decode[api.PoolView](t, rr).Status)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.registry.Wait(ctx))

	rr = env.do(t, http.MethodGet, fmt.Sprintf(api.PoolPath, 0), nil, nil)
	assert.Equal(t, interfaces.PoolActive, decode[api.PoolView](t, rr).Status)
}

func TestVaultHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	parent := newNamedAccount(t, registryAcct, env.directory)
	stranger := newImplicitAccount(t)
	workerKey := newImplicitAccount(t).signer.PublicKey()

	body := registrar.KeyRequest{OwnerAccountID: intentsAcct, PublicKey: workerKey}
	addPath := fmt.Sprintf(api.VaultAddPublicKeyPath, "pool-0.registry.near")
	listPath := fmt.Sprintf(api.VaultPublicKeysPath, "pool-0.registry.near") + "?owner=intents.near"

	rr := env.do(t, http.MethodPost, addPath, &stranger, body)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, addPath, &parent, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, listPath, nil, nil)
	keys := decode[api.PublicKeysResponse](t, rr).PublicKeys
	require.Len(t, keys, 1)
	assert.True(t, workerKey.Equal(keys[0]))

	rr = env.do(t, http.MethodPost, fmt.Sprintf(api.VaultRemovePublicKeyPath, "pool-0.registry.near"), &parent, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodGet, listPath, nil, nil)
	assert.Empty(t, decode[api.PublicKeysResponse](t, rr).PublicKeys)
}

func TestIsParentAccount(t *testing.T) {
	tests := []struct {
		parent, account interfaces.AccountID
		expected        bool
	}{
		{"registry.near", "pool-0.registry.near", true},
		{"registry.near", "a.pool-0.registry.near", false},
		{"registry.near", "registry.near", false},
		{"registry.near", "evilregistry.near", false},
		{"near", "registry.near", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.parent, tt.account), func(t *testing.T) {
			assert.Equal(t, tt.expected, IsParentAccount(tt.parent, tt.account))
		})
	}
}

func TestLoadKeyDirectory(t *testing.T) {
	signer, err := cryptoutils.GenerateED25519Signer()
	require.NoError(t, err)

	dir, err := LoadKeyDirectory(strings.NewReader(fmt.Sprintf(`{"owner.near":[%q]}`, signer.PublicKey().String())))
	require.NoError(t, err)
	assert.True(t, dir.Authorized("owner.near", signer.PublicKey()))
	assert.False(t, dir.Authorized("other.near", signer.PublicKey()))

	_, err = LoadKeyDirectory(strings.NewReader(`{"owner.near":["ed25519:not-base58!"]}`))
	assert.Error(t, err)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{interfaces.ErrUnauthenticated, http.StatusUnauthorized},
		{interfaces.ErrNotOwner, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", interfaces.ErrMalformedInput), http.StatusBadRequest},
		{interfaces.ErrReplayMismatch, http.StatusForbidden},
		{interfaces.ErrPoolNotFound, http.StatusNotFound},
		{interfaces.ErrPoolOccupied, http.StatusConflict},
		{interfaces.ErrNotActiveWorker, http.StatusConflict},
		{interfaces.ErrKeyOperationFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusCode(tt.err))
		})
	}
}
