package cryptoutils

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-tdx-guest/verify/trust"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// PCS response headers carrying URL-escaped PEM issuer chains.
const (
	tcbInfoIssuerChainHeader    = "TCB-Info-Issuer-Chain"
	qeIdentityIssuerChainHeader = "SGX-Enclave-Identity-Issuer-Chain"
	pckCrlIssuerChainHeader     = "SGX-PCK-CRL-Issuer-Chain"
)

// collateralGetter answers the verifier's PCS requests from caller-supplied
// collateral, so verification never reaches the network.
type collateralGetter struct {
	tcbInfoBody    []byte
	qeIdentityBody []byte
	pckCrl         []byte
	rootCaCrl      []byte
	collateral     interfaces.Collateral
}

var _ trust.HTTPSGetter = (*collateralGetter)(nil)

func newCollateralGetter(collateral interfaces.Collateral) (*collateralGetter, error) {
	for name, value := range map[string]string{
		"tcb_info":                 collateral.TcbInfo,
		"tcb_info_issuer_chain":    collateral.TcbInfoIssuerChain,
		"qe_identity":              collateral.QeIdentity,
		"qe_identity_issuer_chain": collateral.QeIdentityIssuerChain,
		"pck_crl_issuer_chain":     collateral.PckCrlIssuerChain,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: collateral is missing %s", interfaces.ErrMalformedInput, name)
		}
	}

	if !json.Valid([]byte(collateral.TcbInfo)) || !json.Valid([]byte(collateral.QeIdentity)) {
		return nil, fmt.Errorf("%w: collateral tcb_info and qe_identity must be JSON", interfaces.ErrMalformedInput)
	}

	// Signatures are passed through as hex; validate them up front.
	for name, value := range map[string]string{
		"tcb_info_signature":    collateral.TcbInfoSignature,
		"qe_identity_signature": collateral.QeIdentitySignature,
	} {
		if _, err := hex.DecodeString(value); err != nil || value == "" {
			return nil, fmt.Errorf("%w: collateral %s must be hex", interfaces.ErrMalformedInput, name)
		}
	}

	pckCrl, err := hex.DecodeString(collateral.PckCrl)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral pck_crl: %v", interfaces.ErrMalformedInput, err)
	}
	rootCaCrl, err := hex.DecodeString(collateral.RootCaCrl)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral root_ca_crl: %v", interfaces.ErrMalformedInput, err)
	}

	return &collateralGetter{
		// The signed JSON objects are embedded byte for byte.
		tcbInfoBody:    []byte(`{"tcbInfo":` + collateral.TcbInfo + `,"signature":"` + collateral.TcbInfoSignature + `"}`),
		qeIdentityBody: []byte(`{"enclaveIdentity":` + collateral.QeIdentity + `,"signature":"` + collateral.QeIdentitySignature + `"}`),
		pckCrl:         pckCrl,
		rootCaCrl:      rootCaCrl,
		collateral:     collateral,
	}, nil
}

// Get implements trust.HTTPSGetter.
func (g *collateralGetter) Get(rawURL string) (map[string][]string, []byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case strings.HasSuffix(parsed.Path, "/tcb"):
		return issuerChainHeader(tcbInfoIssuerChainHeader, g.collateral.TcbInfoIssuerChain), g.tcbInfoBody, nil
	case strings.HasSuffix(parsed.Path, "/qe/identity"):
		return issuerChainHeader(qeIdentityIssuerChainHeader, g.collateral.QeIdentityIssuerChain), g.qeIdentityBody, nil
	case strings.HasSuffix(parsed.Path, "/pckcrl"):
		return issuerChainHeader(pckCrlIssuerChainHeader, g.collateral.PckCrlIssuerChain), g.pckCrl, nil
	case strings.Contains(parsed.Path, "RootCA"):
		return map[string][]string{}, g.rootCaCrl, nil
	default:
		return nil, nil, fmt.Errorf("collateral not supplied for %s", rawURL)
	}
}

// issuerChainHeader percent-encodes spaces so the value unescapes the same way
// under both query and path rules.
func issuerChainHeader(name, chain string) map[string][]string {
	return map[string][]string{name: {strings.ReplaceAll(url.QueryEscape(chain), "+", "%20")}}
}
