// Package validation holds the capability interfaces consensus validates
// blocks through, and the default rule sets built on btcd.
package validation

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var (
	// ErrTimeTooOld is returned when a header is not after the median time
	// past of its predecessors.
	ErrTimeTooOld = errors.New("timestamp not after median time past")

	// ErrTimeTooNew is returned when a header is too far in the future.
	ErrTimeTooNew = types.ErrTimeTooNew

	// ErrHashMismatch is returned when a block body does not belong to the
	// header it was attached to.
	ErrHashMismatch = errors.New("block hash does not match header")
)

// HeaderContext is the chain-independent context a header is checked in.
type HeaderContext struct {
	// Prev is the predecessor, nil for genesis.
	Prev *types.ChainedHeader
	// MedianTimePast is the median timestamp of the previous
	// types.MedianTimeBlocks headers.
	MedianTimePast time.Time
}

// PartialValidator runs the rules that need no chain state. Implementations
// must be safe for concurrent use.
type PartialValidator interface {
	Validate(ctx context.Context, chb *types.ChainedHeaderBlock, hctx HeaderContext) error
}

// PartialValidatorFunc adapts a function to PartialValidator.
type PartialValidatorFunc func(ctx context.Context, chb *types.ChainedHeaderBlock, hctx HeaderContext) error

// Validate calls f.
func (f PartialValidatorFunc) Validate(ctx context.Context, chb *types.ChainedHeaderBlock, hctx HeaderContext) error {
	return f(ctx, chb, hctx)
}

// ChainState is the mutable state full validation connects blocks to.
//
// Apply and Rollback stage changes. Commit makes them visible to readers at
// once, Discard drops them. Tip returns the last committed block hash.
type ChainState interface {
	Apply(ctx context.Context, chb *types.ChainedHeaderBlock) error
	Rollback(ctx context.Context, chb *types.ChainedHeaderBlock) error
	Commit() error
	Discard()
	Tip() chainhash.Hash
}

// FullValidator connects a block to the chain state. Calls are serialized by
// the caller.
type FullValidator interface {
	Connect(ctx context.Context, chb *types.ChainedHeaderBlock, state ChainState) error
}

// FullValidatorFunc adapts a function to FullValidator.
type FullValidatorFunc func(ctx context.Context, chb *types.ChainedHeaderBlock, state ChainState) error

// Connect calls f.
func (f FullValidatorFunc) Connect(ctx context.Context, chb *types.ChainedHeaderBlock, state ChainState) error {
	return f(ctx, chb, state)
}
