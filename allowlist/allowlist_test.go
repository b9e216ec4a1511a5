package allowlist

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ruteri/tee-solver-registry/events"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner interfaces.AccountID = "owner.near"

var (
	composeHash = strings.Repeat("ab", 32)
	eventDigest = strings.Repeat("cd", 48)
)

func newTestGate() (*Gate, *events.Recorder) {
	recorder := &events.Recorder{}
	return NewGate(owner, recorder, slog.New(slog.NewTextHandler(io.Discard, nil))), recorder
}

func TestApprove_Idempotent(t *testing.T) {
	gate, recorder := newTestGate()
	ctx := context.Background()

	require.NoError(t, gate.Approve(ctx, owner, composeHash))
	require.NoError(t, gate.Approve(ctx, owner, composeHash))

	assert.True(t, gate.Contains(composeHash))
	assert.Equal(t, []string{composeHash}, gate.List())
	assert.Equal(t, []interfaces.EventKind{interfaces.EventComposeHashApproved, interfaces.EventComposeHashApproved}, recorder.Kinds())
}

func TestApprove_Validation(t *testing.T) {
	tests := []struct {
		name   string
		caller interfaces.AccountID
		digest string
		err    error
	}{
		{"sha384 digest", owner, eventDigest, nil},
		{"not owner", "mallory.near", composeHash, interfaces.ErrNotOwner},
		{"not owner with malformed digest", "mallory.near", "ABCD", interfaces.ErrNotOwner},
		{"uppercase", owner, strings.ToUpper(composeHash), interfaces.ErrMalformedInput},
		{"wrong length", owner, strings.Repeat("ab", 20), interfaces.ErrMalformedInput},
		{"not hex", owner, strings.Repeat("zz", 32), interfaces.ErrMalformedInput},
		{"empty", owner, "", interfaces.ErrMalformedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, recorder := newTestGate()
			err := gate.Approve(context.Background(), tt.caller, tt.digest)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, gate.List())
				assert.Empty(t, recorder.Events())
				return
			}
			require.NoError(t, err)
			assert.True(t, gate.Contains(tt.digest))
		})
	}
}

func TestRevoke(t *testing.T) {
	gate, recorder := newTestGate()
	ctx := context.Background()

	err := gate.Revoke(ctx, owner, composeHash)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Empty(t, recorder.Events())

	require.NoError(t, gate.Approve(ctx, owner, composeHash))
	assert.ErrorIs(t, gate.Revoke(ctx, "mallory.near", composeHash), interfaces.ErrNotOwner)
	assert.ErrorIs(t, gate.Revoke(ctx, "mallory.near", "ABCD"), interfaces.ErrNotOwner)
	assert.True(t, gate.Contains(composeHash))

	require.NoError(t, gate.Revoke(ctx, owner, composeHash))
	assert.False(t, gate.Contains(composeHash))
	assert.Equal(t, []interfaces.EventKind{interfaces.EventComposeHashApproved, interfaces.EventComposeHashRemoved}, recorder.Kinds())
}

func TestChangeOwner(t *testing.T) {
	gate, recorder := newTestGate()
	ctx := context.Background()

	assert.ErrorIs(t, gate.ChangeOwner(ctx, "mallory.near", "mallory.near"), interfaces.ErrNotOwner)
	assert.ErrorIs(t, gate.ChangeOwner(ctx, owner, "Bad Owner"), interfaces.ErrMalformedInput)

	require.NoError(t, gate.ChangeOwner(ctx, owner, "dao.near"))
	assert.Equal(t, interfaces.AccountID("dao.near"), gate.Owner())
	assert.True(t, gate.IsOwner("dao.near"))

	assert.ErrorIs(t, gate.Approve(ctx, owner, composeHash), interfaces.ErrNotOwner)
	require.NoError(t, gate.Approve(ctx, "dao.near", composeHash))
	assert.Equal(t, []interfaces.EventKind{interfaces.EventOwnerChanged, interfaces.EventComposeHashApproved}, recorder.Kinds())
}
