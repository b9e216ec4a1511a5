package registrar

import (
	"context"

	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistrar implements interfaces.KeyRegistrar for testing.
type MockRegistrar struct {
	mock.Mock
}

func (m *MockRegistrar) Install(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	args := m.Called(ctx, poolAccount, owner, publicKey)
	return args.Error(0)
}

func (m *MockRegistrar) Evict(ctx context.Context, poolAccount interfaces.AccountID, owner interfaces.AccountID, publicKey interfaces.PublicKey) error {
	args := m.Called(ctx, poolAccount, owner, publicKey)
	return args.Error(0)
}

func (m *MockRegistrar) Name() string {
	return "mock"
}
