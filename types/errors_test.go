package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityOf(t *testing.T) {
	cause := errors.New("boom")
	testCases := []struct {
		name     string
		err      error
		severity Severity
		protocol bool
	}{
		{"connect", HeaderConnectError{PeerID: "p1", Reason: "gap"}, SeverityDisconnect, true},
		{"max reorg", MaxReorgViolationError{PeerID: "p1", ForkHeight: 1, MinHeight: 10}, SeverityDisconnect, true},
		{"checkpoint", CheckpointMismatchError{PeerID: "p1", Height: 5}, SeverityBan, true},
		{"invalid header", InvalidHeaderError{PeerID: "p1", Err: cause}, SeverityBan, true},
		{"wrapped invalid header", fmt.Errorf("batch: %w", InvalidHeaderError{Err: cause}), SeverityBan, true},
		{"partial", ValidationError{Stage: StagePartial, Err: cause}, SeverityBan, false},
		{"full", ValidationError{Stage: StageFull, Err: cause}, SeverityBan, false},
		{"download", ValidationError{Stage: StageDownload, Err: cause}, SeverityDisconnect, false},
		{"header from the future", InvalidHeaderError{PeerID: "p1", Err: fmt.Errorf("t: %w", ErrTimeTooNew)}, SeverityDisconnect, true},
		{"block from the future", ValidationError{Stage: StagePartial, Err: ErrTimeTooNew}, SeverityDisconnect, false},
		{"other", cause, SeverityLog, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.severity, SeverityOf(tc.err))
			assert.Equal(t, tc.protocol, IsProtocolError(tc.err))
		})
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	cause := errors.New("bad merkle root")
	err := error(ValidationError{Stage: StagePartial, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "partial validation")

	err = InvalidHeaderError{PeerID: "p1", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "log", SeverityLog.String())
	assert.Equal(t, "disconnect", SeverityDisconnect.String())
	assert.Equal(t, "ban", SeverityBan.String())
	assert.Equal(t, "severity(7)", Severity(7).String())
}

func TestNodeIDValidate(t *testing.T) {
	assert.NoError(t, NodeID("peer-1").Validate())
	assert.NoError(t, LocalNodeID.Validate())
	assert.Error(t, NodeID("").Validate())
	assert.Error(t, NodeID("peer 1").Validate())
	assert.Equal(t, "peer-1", NodeID("peer-1").String())
}
