package types

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrShuttingDown is returned by consensus handlers invoked after the node
	// started shutting down.
	ErrShuttingDown = errors.New("consensus is shutting down")

	// ErrUnknownBlock is returned when a hash is neither in memory nor in
	// storage.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrTimeTooNew is returned when a header is too far in the future. Such
	// a header may become valid later and is never remembered as invalid.
	ErrTimeTooNew = errors.New("timestamp too far in the future")
)

//-------------------------------------------------------------------
// Protocol-level errors. These are caused by a peer presenting headers and
// never leave local state modified.

// HeaderConnectError is returned when a batch of headers cannot be linked to
// the header tree: the batch is not contiguous or its first header does not
// extend any known header.
type HeaderConnectError struct {
	PeerID NodeID
	Hash   chainhash.Hash
	Reason string
}

func (e HeaderConnectError) Error() string {
	return fmt.Sprintf("cannot connect header %v from peer %v: %s", e.Hash, e.PeerID, e.Reason)
}

// CheckpointMismatchError is returned when a header at a checkpointed height
// does not carry the checkpoint hash.
type CheckpointMismatchError struct {
	PeerID   NodeID
	Height   int64
	Expected chainhash.Hash
	Got      chainhash.Hash
}

func (e CheckpointMismatchError) Error() string {
	return fmt.Sprintf("header %v at height %d from peer %v does not match checkpoint %v",
		e.Got, e.Height, e.PeerID, e.Expected)
}

// InvalidHeaderError is returned when a header fails the plausibility checks
// or was previously marked invalid.
type InvalidHeaderError struct {
	PeerID NodeID
	Hash   chainhash.Hash
	Err    error
}

func (e InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header %v from peer %v: %v", e.Hash, e.PeerID, e.Err)
}

func (e InvalidHeaderError) Unwrap() error { return e.Err }

// MaxReorgViolationError is returned when headers fork from the active chain
// below the deepest point a reorg may reach.
type MaxReorgViolationError struct {
	PeerID     NodeID
	ForkHeight int64
	MinHeight  int64
}

func (e MaxReorgViolationError) Error() string {
	return fmt.Sprintf("peer %v presented a fork at height %d, below the max reorg height %d",
		e.PeerID, e.ForkHeight, e.MinHeight)
}

// IsProtocolError reports whether err was caused by headers a peer sent.
func IsProtocolError(err error) bool {
	var (
		connectErr    HeaderConnectError
		checkpointErr CheckpointMismatchError
		invalidErr    InvalidHeaderError
		reorgErr      MaxReorgViolationError
	)
	return errors.As(err, &connectErr) ||
		errors.As(err, &checkpointErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &reorgErr)
}

//-------------------------------------------------------------------
// Validation errors.

// ValidationStage tells which tier of rules rejected a block.
type ValidationStage string

const (
	StagePartial  ValidationStage = "partial"
	StageFull     ValidationStage = "full"
	StageDownload ValidationStage = "download"
)

// ValidationError wraps a rule failure of a block.
type ValidationError struct {
	Hash  chainhash.Hash
	Stage ValidationStage
	Err   error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation of block %v failed: %v", e.Stage, e.Hash, e.Err)
}

func (e ValidationError) Unwrap() error { return e.Err }

//-------------------------------------------------------------------
// Peer errors reported to the peer layer.

// Severity is a hint for the peer layer on how to treat a misbehaving peer.
type Severity int

const (
	// SeverityLog asks only for the event to be recorded.
	SeverityLog Severity = iota
	// SeverityDisconnect asks for the peer to be disconnected.
	SeverityDisconnect
	// SeverityBan asks for the peer to be disconnected and banned.
	SeverityBan
)

func (s Severity) String() string {
	switch s {
	case SeverityLog:
		return "log"
	case SeverityDisconnect:
		return "disconnect"
	case SeverityBan:
		return "ban"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// PeerError is emitted by consensus when a peer is responsible for a failure.
type PeerError struct {
	NodeID   NodeID
	Err      error
	Severity Severity
}

func (e PeerError) Error() string {
	return fmt.Sprintf("error with peer %v (%v): %v", e.NodeID, e.Severity, e.Err)
}

// SeverityOf classifies an error returned from header ingestion or
// validation. Checkpoint mismatches and invalid blocks are treated harsher
// than headers that merely fail to connect.
func SeverityOf(err error) Severity {
	var (
		connectErr    HeaderConnectError
		checkpointErr CheckpointMismatchError
		invalidErr    InvalidHeaderError
		reorgErr      MaxReorgViolationError
		validationErr ValidationError
	)
	switch {
	case errors.Is(err, ErrTimeTooNew):
		return SeverityDisconnect
	case errors.As(err, &checkpointErr), errors.As(err, &invalidErr):
		return SeverityBan
	case errors.As(err, &validationErr):
		if validationErr.Stage == StageDownload {
			return SeverityDisconnect
		}
		return SeverityBan
	case errors.As(err, &connectErr), errors.As(err, &reorgErr):
		return SeverityDisconnect
	default:
		return SeverityLog
	}
}
