package attestation

import (
	"context"
	"time"

	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockQuoteVerifier implements interfaces.QuoteVerifier for testing.
type MockQuoteVerifier struct {
	mock.Mock
}

func (m *MockQuoteVerifier) Verify(quote []byte, collateral interfaces.Collateral, now time.Time) (*interfaces.VerifiedReport, error) {
	args := m.Called(quote, collateral, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.VerifiedReport), args.Error(1)
}

// MockVerifier implements interfaces.AttestationVerifier for testing.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyEvidence(ctx context.Context, evidence *interfaces.AttestationEvidence, publicKey interfaces.PublicKey) (*interfaces.AttestationResult, error) {
	args := m.Called(ctx, evidence, publicKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.AttestationResult), args.Error(1)
}
