package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ruteri/tee-solver-registry/api"
	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// AdminClient performs the owner operations of the registry. The registry
// rejects every call with 403 unless the signing account is the current owner.
type AdminClient struct {
	*RegistryClient
}

// NewAdminClient creates a client signing as the owner account.
func NewAdminClient(baseURL string, owner interfaces.AccountID, signer cryptoutils.Signer, timeout ...time.Duration) *AdminClient {
	return &AdminClient{RegistryClient: NewRegistryClient(baseURL, owner, signer, timeout...)}
}

// ApproveComposeHash adds a docker compose hash (lowercase hex SHA-256) to the allow-list.
func (c *AdminClient) ApproveComposeHash(ctx context.Context, hash string) error {
	_, err := c.do(ctx, http.MethodPost, api.AdminComposeHashesPath, api.ComposeHashRequest{ComposeHash: hash}, nil)
	return err
}

// RemoveComposeHash revokes a compose hash. Workers admitted under it can no longer ping.
func (c *AdminClient) RemoveComposeHash(ctx context.Context, hash string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf(api.AdminComposeHashPath, hash), nil, nil)
	return err
}

func (c *AdminClient) ChangeOwner(ctx context.Context, newOwner interfaces.AccountID) error {
	_, err := c.do(ctx, http.MethodPost, api.AdminOwnerPath, api.ChangeOwnerRequest{NewOwner: newOwner}, nil)
	return err
}

// CreatePool appends a pool and returns it.
func (c *AdminClient) CreatePool(ctx context.Context, tokenIDs []interfaces.AccountID, fee uint32) (*api.PoolView, error) {
	var view api.PoolView
	_, err := c.do(ctx, http.MethodPost, api.AdminPoolsPath, api.CreatePoolRequest{TokenIDs: tokenIDs, Fee: fee}, &view, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	return &view, nil
}
