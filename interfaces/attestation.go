package interfaces

import (
	"context"
	"time"
)

// EventLogEntry is one measured event of a dstack TDX event log.
type EventLogEntry struct {
	// IMR is the measurement register index the event was extended into (3 for RTMR3).
	IMR          uint32 `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// TcbInfo is the worker-supplied measurement document.
type TcbInfo struct {
	MrTd       string          `json:"mrtd"`
	Rtmr0      string          `json:"rtmr0"`
	Rtmr1      string          `json:"rtmr1"`
	Rtmr2      string          `json:"rtmr2"`
	Rtmr3      string          `json:"rtmr3"`
	EventLog   []EventLogEntry `json:"event_log"`
	AppCompose string          `json:"app_compose"`
}

// Collateral holds the PCS material needed to verify a TDX quote.
// Field names follow the dcap-qvl JSON encoding; signatures and CRLs are hex.
type Collateral struct {
	PckCrlIssuerChain     string `json:"pck_crl_issuer_chain"`
	RootCaCrl             string `json:"root_ca_crl"`
	PckCrl                string `json:"pck_crl"`
	TcbInfoIssuerChain    string `json:"tcb_info_issuer_chain"`
	TcbInfo               string `json:"tcb_info"`
	TcbInfoSignature      string `json:"tcb_info_signature"`
	QeIdentityIssuerChain string `json:"qe_identity_issuer_chain"`
	QeIdentity            string `json:"qe_identity"`
	QeIdentitySignature   string `json:"qe_identity_signature"`
}

// AttestationEvidence is the per-registration input of the attestation adapter.
// It is never persisted.
type AttestationEvidence struct {
	Quote      []byte
	Collateral Collateral
	TcbInfo    TcbInfo
}

// VerifiedReport is the part of a verified TD report the registry relies on.
type VerifiedReport struct {
	MrTd       []byte
	RTMRs      [4][]byte
	ReportData []byte
}

// QuoteVerifier verifies a raw quote against caller-supplied collateral.
type QuoteVerifier interface {
	Verify(quote []byte, collateral Collateral, now time.Time) (*VerifiedReport, error)
}

// AttestationResult is the outcome of a successful evidence check.
type AttestationResult struct {
	// ComposeHash is the approved reference measurement hex.
	ComposeHash string
	ImageDigest string
	RTMR3       string
}

// AttestationVerifier checks evidence against a caller's public key and the allow-list.
type AttestationVerifier interface {
	VerifyEvidence(ctx context.Context, evidence *AttestationEvidence, publicKey PublicKey) (*AttestationResult, error)
}

// MeasurementAllowList is the read side of the approved measurement set.
type MeasurementAllowList interface {
	Contains(digestHex string) bool
}
