package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// APIError is a non-2xx response of the registry API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
}

// RegistryClient talks to the registry API. Requests are signed when the
// client has an account and signer; read-only calls work without them.
type RegistryClient struct {
	baseURL    string
	account    interfaces.AccountID
	signer     cryptoutils.Signer
	httpClient *http.Client
}

// NewRegistryClient creates a client for the registry at baseURL (e.g. "http://localhost:8080").
// The optional timeout defaults to 60 seconds, which covers a registration waiting for its key rotation.
func NewRegistryClient(baseURL string, account interfaces.AccountID, signer cryptoutils.Signer, timeout ...time.Duration) *RegistryClient {
	clientTimeout := 60 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &RegistryClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		account:    account,
		signer:     signer,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Account returns the account requests are signed as.
func (c *RegistryClient) Account() interfaces.AccountID {
	return c.account
}

func (c *RegistryClient) do(ctx context.Context, method, path string, in any, out any, okStatus ...int) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := cryptoutils.SignRequest(req, c.account, c.signer, body, time.Now()); err != nil {
			return 0, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if len(okStatus) == 0 {
		okStatus = []int{http.StatusOK}
	}
	accepted := false
	for _, status := range okStatus {
		accepted = accepted || resp.StatusCode == status
	}
	if !accepted {
		raw, _ := io.ReadAll(resp.Body)
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// RegisterWorker submits attestation evidence for the client's account.
// A response with status "rotating" means the server stopped waiting before
// the key rotation finished; poll Worker or Pool to learn the outcome.
func (c *RegistryClient) RegisterWorker(ctx context.Context, req *api.RegisterWorkerRequest) (*api.RegisterWorkerResponse, error) {
	var resp api.RegisterWorkerResponse
	if _, err := c.do(ctx, http.MethodPost, api.RegisterWorkerPath, req, &resp, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ping records a heartbeat and returns the state of the worker's pool.
func (c *RegistryClient) Ping(ctx context.Context) (*api.PoolView, error) {
	var view api.PoolView
	if _, err := c.do(ctx, http.MethodPost, api.PingPath, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func pageQuery(path string, offset, limit int) string {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	return path + "?" + q.Encode()
}

// Pools lists pools; a zero limit returns all pools from offset.
func (c *RegistryClient) Pools(ctx context.Context, offset, limit int) ([]api.PoolView, error) {
	var pools []api.PoolView
	_, err := c.do(ctx, http.MethodGet, pageQuery(api.PoolsPath, offset, limit), nil, &pools)
	return pools, err
}

func (c *RegistryClient) Pool(ctx context.Context, id interfaces.PoolID) (*api.PoolView, error) {
	var view api.PoolView
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf(api.PoolPath, id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *RegistryClient) Workers(ctx context.Context, offset, limit int) ([]interfaces.Worker, error) {
	var workers []interfaces.Worker
	_, err := c.do(ctx, http.MethodGet, pageQuery(api.WorkersPath, offset, limit), nil, &workers)
	return workers, err
}

func (c *RegistryClient) Worker(ctx context.Context, account interfaces.AccountID) (*interfaces.Worker, error) {
	var worker interfaces.Worker
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf(api.WorkerPath, url.PathEscape(account.String())), nil, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

func (c *RegistryClient) ComposeHashes(ctx context.Context) ([]string, error) {
	var hashes []string
	_, err := c.do(ctx, http.MethodGet, api.ComposeHashesPath, nil, &hashes)
	return hashes, err
}

func (c *RegistryClient) ComposeHash(ctx context.Context, hash string) (*api.ComposeHashStatus, error) {
	var status api.ComposeHashStatus
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf(api.ComposeHashPath, hash), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *RegistryClient) Config(ctx context.Context) (*api.ConfigResponse, error) {
	var cfg api.ConfigResponse
	if _, err := c.do(ctx, http.MethodGet, api.ConfigPath, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
