package attestation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	dstackComposeHash = "55d70bec1004815b12790d806ade8060dae1a23819b028ebc707191700cedfba"
	dstackEventDigest = "b518590d11b84e8109866756a6cd438d707366a330ebc6e83e6fe293dd14d8c562b57dde56b259871fa65ca2bb97d593"
	dstackImage       = "69f1a94f8c2725523087083139f925aae588ffaa76efd08d7ba06529451c31ed"
)

type staticAllowList map[string]bool

func (s staticAllowList) Contains(digestHex string) bool { return s[digestHex] }

func loadEvidence(t *testing.T) *interfaces.AttestationEvidence {
	t.Helper()
	data, err := os.ReadFile("../cryptoutils/testdata/tcb_info.json")
	require.NoError(t, err)

	evidence := &interfaces.AttestationEvidence{Quote: []byte("quote")}
	require.NoError(t, json.Unmarshal(data, &evidence.TcbInfo))
	return evidence
}

// reportFor returns the report a genuine quote over this evidence and key would carry.
func reportFor(t *testing.T, evidence *interfaces.AttestationEvidence, pk interfaces.PublicKey) *interfaces.VerifiedReport {
	t.Helper()
	rtmr3, err := cryptoutils.ReplayRTMR(evidence.TcbInfo.EventLog, cryptoutils.RTMR3)
	require.NoError(t, err)
	reportData := cryptoutils.ReportDataForPublicKey(pk)

	report := &interfaces.VerifiedReport{ReportData: reportData[:]}
	for i := range report.RTMRs {
		report.RTMRs[i] = make([]byte, 48)
	}
	report.RTMRs[3] = rtmr3[:]
	return report
}

func newVerifier(quotes interfaces.QuoteVerifier, allowList interfaces.MeasurementAllowList) *Verifier {
	v := NewVerifier(quotes, allowList, slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.Now = func() time.Time { return time.Unix(1756648272, 0) }
	return v
}

func workerKey(t *testing.T) interfaces.PublicKey {
	signer, err := cryptoutils.GenerateED25519Signer()
	require.NoError(t, err)
	return signer.PublicKey()
}

func TestVerifyEvidence_Accept(t *testing.T) {
	tests := []struct {
		name      string
		allowList staticAllowList
		expected  string
	}{
		{"docker compose hash approved", staticAllowList{dstackComposeHash: true}, dstackComposeHash},
		{"compose event digest approved", staticAllowList{dstackEventDigest: true}, dstackEventDigest},
		{"both approved prefers compose hash", staticAllowList{dstackComposeHash: true, dstackEventDigest: true}, dstackComposeHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evidence := loadEvidence(t)
			pk := workerKey(t)

			quotes := new(MockQuoteVerifier)
			quotes.On("Verify", evidence.Quote, evidence.Collateral, time.Unix(1756648272, 0)).Return(reportFor(t, evidence, pk), nil)

			result, err := newVerifier(quotes, tt.allowList).VerifyEvidence(context.Background(), evidence, pk)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.ComposeHash)
			assert.Equal(t, dstackImage, result.ImageDigest)
			assert.Equal(t, evidence.TcbInfo.Rtmr3, result.RTMR3)
			quotes.AssertExpectations(t)
		})
	}
}

func TestVerifyEvidence_Reject(t *testing.T) {
	approved := staticAllowList{dstackComposeHash: true}

	tests := []struct {
		name      string
		allowList staticAllowList
		tamper    func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport)
		err       error
	}{
		{
			name:      "app compose mutated by one character",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				evidence.TcbInfo.AppCompose = strings.Replace(evidence.TcbInfo.AppCompose, "3.8", "3.9", 1)
			},
			err: interfaces.ErrReplayMismatch,
		},
		{
			name:      "quote rtmr3 differs from replay",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				report.RTMRs[3] = make([]byte, 48)
			},
			err: interfaces.ErrReplayMismatch,
		},
		{
			name:      "rtmr3 events reordered",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				log := evidence.TcbInfo.EventLog
				n := len(log)
				log[n-1], log[n-2] = log[n-2], log[n-1]
			},
			err: interfaces.ErrReplayMismatch,
		},
		{
			name:      "compose-hash event missing",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				for i := range evidence.TcbInfo.EventLog {
					if evidence.TcbInfo.EventLog[i].Event == cryptoutils.ComposeHashEvent {
						evidence.TcbInfo.EventLog[i].Event = "renamed"
					}
				}
			},
			err: interfaces.ErrReplayMismatch,
		},
		{
			// The approved compose is vouched for by an event in IMR 0, while RTMR3 still
			// carries the compose-hash event of a different manifest and replays cleanly.
			name:      "compose-hash event outside rtmr3",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				approvedDigest := cryptoutils.ComposeHashEventDigest(evidence.TcbInfo.AppCompose)
				evilDigest := cryptoutils.ComposeHashEventDigest(evidence.TcbInfo.AppCompose + " ")
				for i := range evidence.TcbInfo.EventLog {
					event := &evidence.TcbInfo.EventLog[i]
					if event.IMR == cryptoutils.RTMR3 && event.Event == cryptoutils.ComposeHashEvent {
						event.Digest = hex.EncodeToString(evilDigest[:])
					}
				}
				evidence.TcbInfo.EventLog = append([]interfaces.EventLogEntry{
					{IMR: 0, Event: cryptoutils.ComposeHashEvent, Digest: hex.EncodeToString(approvedDigest[:])},
				}, evidence.TcbInfo.EventLog...)

				rtmr3, err := cryptoutils.ReplayRTMR(evidence.TcbInfo.EventLog, cryptoutils.RTMR3)
				require.NoError(t, err)
				report.RTMRs[3] = rtmr3[:]
			},
			err: interfaces.ErrReplayMismatch,
		},
		{
			name:      "report data bound to another key",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				other := cryptoutils.ReportDataForPublicKey(workerKey(t))
				report.ReportData = other[:]
			},
			err: interfaces.ErrIdentityMismatch,
		},
		{
			name:      "measurement not approved",
			allowList: staticAllowList{},
			tamper:    func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {},
			err:       interfaces.ErrUnapprovedMeasurement,
		},
		{
			name:      "malformed event digest",
			allowList: approved,
			tamper: func(t *testing.T, evidence *interfaces.AttestationEvidence, report *interfaces.VerifiedReport) {
				evidence.TcbInfo.EventLog[len(evidence.TcbInfo.EventLog)-1].Digest = "xyz"
			},
			err: interfaces.ErrMalformedInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evidence := loadEvidence(t)
			pk := workerKey(t)
			report := reportFor(t, evidence, pk)
			tt.tamper(t, evidence, report)

			quotes := new(MockQuoteVerifier)
			quotes.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(report, nil)

			result, err := newVerifier(quotes, tt.allowList).VerifyEvidence(context.Background(), evidence, pk)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
}

func TestVerifyEvidence_QuoteRejected(t *testing.T) {
	evidence := loadEvidence(t)
	quotes := new(MockQuoteVerifier)
	quotes.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(nil, interfaces.ErrVerificationFailed)

	_, err := newVerifier(quotes, staticAllowList{dstackComposeHash: true}).VerifyEvidence(context.Background(), evidence, workerKey(t))
	assert.ErrorIs(t, err, interfaces.ErrVerificationFailed)
}

func TestVerifyEvidence_LocalChecksBeforeQuote(t *testing.T) {
	quotes := new(MockQuoteVerifier)
	v := newVerifier(quotes, staticAllowList{})

	_, err := v.VerifyEvidence(context.Background(), &interfaces.AttestationEvidence{}, workerKey(t))
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)

	_, err = v.VerifyEvidence(context.Background(), &interfaces.AttestationEvidence{Quote: []byte("q")}, interfaces.PublicKey{})
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)

	quotes.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

// A synthetic log: boot registers plus a single compose-hash event in RTMR3.
func TestVerifyEvidence_SyntheticLog(t *testing.T) {
	appCompose := `{"manifest_version":2,"docker_compose_file":"services:\n  solver:\n    image: solver@sha256:` + dstackImage + `\n"}`
	composeDigest := cryptoutils.ComposeHashEventDigest(appCompose)
	evidence := &interfaces.AttestationEvidence{
		Quote: []byte("quote"),
		TcbInfo: interfaces.TcbInfo{
			AppCompose: appCompose,
			EventLog: []interfaces.EventLogEntry{
				{IMR: 0, Digest: strings.Repeat("01", 48)},
				{IMR: 1, Digest: strings.Repeat("02", 48)},
				{IMR: 2, Digest: strings.Repeat("03", 48)},
				{IMR: 3, Event: cryptoutils.ComposeHashEvent, Digest: hex.EncodeToString(composeDigest[:])},
			},
		},
	}
	composeHash, _, err := cryptoutils.ComposeMeasurements(appCompose)
	require.NoError(t, err)

	pk := workerKey(t)
	quotes := new(MockQuoteVerifier)
	quotes.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(reportFor(t, evidence, pk), nil)

	result, err := newVerifier(quotes, staticAllowList{composeHash: true}).VerifyEvidence(context.Background(), evidence, pk)
	require.NoError(t, err)
	assert.Equal(t, composeHash, result.ComposeHash)

	// Same evidence with an unpinned image is rejected after the measurement checks.
	unpinned := `{"manifest_version":2,"docker_compose_file":"services:\n  solver:\n    image: solver:latest\n"}`
	unpinnedDigest := cryptoutils.ComposeHashEventDigest(unpinned)
	evidence.TcbInfo.AppCompose = unpinned
	evidence.TcbInfo.EventLog[3].Digest = hex.EncodeToString(unpinnedDigest[:])
	unpinnedHash, _, err := cryptoutils.ComposeMeasurements(unpinned)
	require.NoError(t, err)

	quotes = new(MockQuoteVerifier)
	quotes.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(reportFor(t, evidence, pk), nil)
	_, err = newVerifier(quotes, staticAllowList{unpinnedHash: true}).VerifyEvidence(context.Background(), evidence, pk)
	assert.ErrorIs(t, err, interfaces.ErrMalformedConfiguration)
}

func TestVerifyEvidence_SyntheticLog_ForgedComposeEventInOtherRegister(t *testing.T) {
	approvedCompose := `{"manifest_version":2,"docker_compose_file":"services:\n  solver:\n    image: solver@sha256:` + dstackImage + `\n"}`
	evilCompose := `{"manifest_version":2,"docker_compose_file":"services:\n  solver:\n    image: evil@sha256:` + dstackImage + `\n"}`
	approvedDigest := cryptoutils.ComposeHashEventDigest(approvedCompose)
	evilDigest := cryptoutils.ComposeHashEventDigest(evilCompose)

	evidence := &interfaces.AttestationEvidence{
		Quote: []byte("quote"),
		TcbInfo: interfaces.TcbInfo{
			AppCompose: approvedCompose,
			EventLog: []interfaces.EventLogEntry{
				{IMR: 0, Event: cryptoutils.ComposeHashEvent, Digest: hex.EncodeToString(approvedDigest[:])},
				{IMR: 1, Digest: strings.Repeat("02", 48)},
				{IMR: 3, Event: cryptoutils.ComposeHashEvent, Digest: hex.EncodeToString(evilDigest[:])},
			},
		},
	}
	composeHash, _, err := cryptoutils.ComposeMeasurements(approvedCompose)
	require.NoError(t, err)

	pk := workerKey(t)
	quotes := new(MockQuoteVerifier)
	quotes.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(reportFor(t, evidence, pk), nil)

	result, err := newVerifier(quotes, staticAllowList{composeHash: true}).VerifyEvidence(context.Background(), evidence, pk)
	assert.ErrorIs(t, err, interfaces.ErrReplayMismatch)
	assert.Nil(t, result)
}
