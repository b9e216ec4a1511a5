package cryptoutils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// Request authentication headers.
const (
	AccountIDHeader = "X-Account-Id"
	PublicKeyHeader = "X-Public-Key"
	TimestampHeader = "X-Timestamp"
	SignatureHeader = "X-Signature"
)

// RequestDigest is the value signed by API callers:
// SHA256(method "\n" path "\n" timestamp "\n" body).
func RequestDigest(method, path string, timestampMs int64, body []byte) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n", method, path, timestampMs)
	h.Write(body)
	return h.Sum(nil)
}

// SignRequest sets the authentication headers on an outgoing request.
// The body must be the exact bytes sent.
func SignRequest(req *http.Request, account interfaces.AccountID, signer Signer, body []byte, now time.Time) error {
	timestampMs := now.UnixMilli()
	signature, err := signer.Sign(RequestDigest(req.Method, req.URL.Path, timestampMs, body))
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	req.Header.Set(AccountIDHeader, account.String())
	req.Header.Set(PublicKeyHeader, signer.PublicKey().String())
	req.Header.Set(TimestampHeader, strconv.FormatInt(timestampMs, 10))
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}

// SignedRequest is the parsed authentication header set of an incoming request.
type SignedRequest struct {
	AccountID   interfaces.AccountID
	PublicKey   interfaces.PublicKey
	TimestampMs int64
	Signature   []byte
}

// ParseSignedRequest reads the authentication headers without verifying them.
func ParseSignedRequest(header http.Header) (*SignedRequest, error) {
	accountID, err := interfaces.NewAccountID(header.Get(AccountIDHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthenticated, err)
	}

	publicKey, err := interfaces.ParsePublicKey(header.Get(PublicKeyHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthenticated, err)
	}

	timestampMs, err := strconv.ParseInt(header.Get(TimestampHeader), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp", interfaces.ErrUnauthenticated)
	}

	signature, err := base64.StdEncoding.DecodeString(header.Get(SignatureHeader))
	if err != nil || len(signature) == 0 {
		return nil, fmt.Errorf("%w: invalid signature encoding", interfaces.ErrUnauthenticated)
	}

	return &SignedRequest{
		AccountID:   accountID,
		PublicKey:   publicKey,
		TimestampMs: timestampMs,
		Signature:   signature,
	}, nil
}

// Verify checks the signature over the request and the timestamp skew.
func (r *SignedRequest) Verify(method, path string, body []byte, now time.Time, maxSkew time.Duration) error {
	skew := now.Sub(time.UnixMilli(r.TimestampMs))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("%w: request timestamp outside allowed window", interfaces.ErrUnauthenticated)
	}

	if err := VerifySignature(r.PublicKey, RequestDigest(method, path, r.TimestampMs, body), r.Signature); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnauthenticated, err)
	}
	return nil
}
