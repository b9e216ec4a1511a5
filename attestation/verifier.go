// Package attestation ties a verified TDX quote to the worker's event log,
// public key and the approved compose measurements.
package attestation

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

// Verifier implements interfaces.AttestationVerifier.
type Verifier struct {
	quotes    interfaces.QuoteVerifier
	allowList interfaces.MeasurementAllowList
	log       *slog.Logger

	// Now is the verification time passed to the quote verifier.
	Now func() time.Time
}

var _ interfaces.AttestationVerifier = (*Verifier)(nil)

func NewVerifier(quotes interfaces.QuoteVerifier, allowList interfaces.MeasurementAllowList, log *slog.Logger) *Verifier {
	return &Verifier{
		quotes:    quotes,
		allowList: allowList,
		log:       log,
		Now:       time.Now,
	}
}

// VerifyEvidence runs the full check chain. The first failing step aborts it:
//  1. the quote verifies against its collateral
//  2. report data binds the caller's public key
//  3. the compose-hash event matches the attached app compose and the event log replays to RTMR3
//  4. the compose measurement is approved
//  5. the pinned image digest is extracted for audit
func (v *Verifier) VerifyEvidence(ctx context.Context, evidence *interfaces.AttestationEvidence, publicKey interfaces.PublicKey) (*interfaces.AttestationResult, error) {
	if err := publicKey.Validate(); err != nil {
		return nil, err
	}
	if len(evidence.Quote) == 0 {
		return nil, fmt.Errorf("%w: empty quote", interfaces.ErrMalformedInput)
	}

	report, err := v.quotes.Verify(evidence.Quote, evidence.Collateral, v.Now())
	if err != nil {
		v.log.Debug("quote rejected", "err", err)
		return nil, err
	}

	expectedReportData := cryptoutils.ReportDataForPublicKey(publicKey)
	if !bytes.Equal(report.ReportData, expectedReportData[:]) {
		return nil, fmt.Errorf("%w: got %x, expected %x", interfaces.ErrIdentityMismatch, report.ReportData, expectedReportData)
	}

	tcbInfo := &evidence.TcbInfo
	composeEventDigest := cryptoutils.ComposeHashEventDigest(tcbInfo.AppCompose)
	if !cryptoutils.HasEventWithDigest(tcbInfo.EventLog, cryptoutils.RTMR3, cryptoutils.ComposeHashEvent, composeEventDigest[:]) {
		return nil, fmt.Errorf("%w: app compose does not match the rtmr3 compose-hash event", interfaces.ErrReplayMismatch)
	}

	replayed, err := cryptoutils.ReplayRTMR(tcbInfo.EventLog, cryptoutils.RTMR3)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(replayed[:], report.RTMRs[cryptoutils.RTMR3]) {
		return nil, fmt.Errorf("%w: replayed rtmr3 %x, quote rtmr3 %x", interfaces.ErrReplayMismatch, replayed, report.RTMRs[cryptoutils.RTMR3])
	}

	composeHash, err := v.approvedMeasurement(tcbInfo.AppCompose, composeEventDigest[:])
	if err != nil {
		return nil, err
	}

	imageDigest, err := cryptoutils.ExtractImageDigest(tcbInfo.AppCompose)
	if err != nil {
		return nil, err
	}

	result := &interfaces.AttestationResult{
		ComposeHash: composeHash,
		ImageDigest: imageDigest,
		RTMR3:       hex.EncodeToString(replayed[:]),
	}
	v.log.Debug("evidence verified", "compose_hash", result.ComposeHash, "image_digest", result.ImageDigest, "rtmr3", result.RTMR3)
	return result, nil
}

// approvedMeasurement returns the first approved reference measurement of the manifest:
// the docker compose hash, then the compose-hash event digest.
func (v *Verifier) approvedMeasurement(appCompose string, composeEventDigest []byte) (string, error) {
	if composeHash, err := cryptoutils.DockerComposeHash(appCompose); err == nil {
		if hashHex := hex.EncodeToString(composeHash[:]); v.allowList.Contains(hashHex) {
			return hashHex, nil
		}
	}

	if digestHex := hex.EncodeToString(composeEventDigest); v.allowList.Contains(digestHex) {
		return digestHex, nil
	}

	return "", interfaces.ErrUnapprovedMeasurement
}
