package cryptoutils

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// AttestationProvider produces a raw TDX quote over the given report data.
type AttestationProvider interface {
	Attest(reportData [64]byte) ([]byte, error)
}

// RemoteAttestationProvider requests quotes from a quote service reachable over HTTP,
// e.g. a sidecar with access to the TDX guest device.
type RemoteAttestationProvider struct {
	Address string
	Client  *http.Client
}

func (p *RemoteAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DCAPAttestationProvider reads quotes from the local TDX guest, preferring configfs-tsm.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// DCAPQuoteVerifier verifies TDX v4 quotes with go-tdx-guest against the
// collateral supplied alongside the quote.
type DCAPQuoteVerifier struct {
	// CheckRevocations enables PCK and root CA CRL checks.
	CheckRevocations bool
}

var _ interfaces.QuoteVerifier = (*DCAPQuoteVerifier)(nil)

func NewDCAPQuoteVerifier() *DCAPQuoteVerifier {
	return &DCAPQuoteVerifier{CheckRevocations: true}
}

// Verify checks the quote signature chain and TCB status at time now.
// Any failure is reported as interfaces.ErrVerificationFailed, or ErrMalformedInput
// for undecodable input.
func (v *DCAPQuoteVerifier) Verify(quote []byte, collateral interfaces.Collateral, now time.Time) (*interfaces.VerifiedReport, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", interfaces.ErrMalformedInput, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type: %T", interfaces.ErrVerificationFailed, protoQuote)
	}

	getter, err := newCollateralGetter(collateral)
	if err != nil {
		return nil, err
	}

	options := verify.DefaultOptions()
	options.GetCollateral = true
	options.CheckRevocations = v.CheckRevocations
	options.Getter = getter
	options.Now = now

	if err := verify.TdxQuote(protoQuote, options); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerificationFailed, err)
	}

	body := v4Quote.GetTdQuoteBody()
	if body == nil || len(body.GetRtmrs()) != 4 {
		return nil, fmt.Errorf("%w: quote body lacks RTMRs", interfaces.ErrVerificationFailed)
	}

	report := &interfaces.VerifiedReport{
		MrTd:       body.GetMrTd(),
		ReportData: body.GetReportData(),
	}
	copy(report.RTMRs[:], body.GetRtmrs())
	return report, nil
}
