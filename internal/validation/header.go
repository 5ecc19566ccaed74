package validation

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// HeaderValidator performs the cheap plausibility checks run on every header
// before it is linked into the header tree.
type HeaderValidator struct {
	params        *chaincfg.Params
	maxTimeOffset time.Duration
	timeSource    blockchain.MedianTimeSource
}

// NewHeaderValidator returns a HeaderValidator for the network of params.
// Headers may be at most maxTimeOffset ahead of the adjusted time of
// timeSource.
func NewHeaderValidator(params *chaincfg.Params, maxTimeOffset time.Duration, timeSource blockchain.MedianTimeSource) *HeaderValidator {
	if timeSource == nil {
		timeSource = blockchain.NewMedianTime()
	}
	return &HeaderValidator{
		params:        params,
		maxTimeOffset: maxTimeOffset,
		timeSource:    timeSource,
	}
}

// ValidateHeader checks the proof of work of header against its own target
// and the network limit, and its timestamp against hctx.
func (hv *HeaderValidator) ValidateHeader(header *wire.BlockHeader, hctx HeaderContext) error {
	stubBlock := btcutil.NewBlock(&wire.MsgBlock{
		Header: *header,
	})
	if err := blockchain.CheckProofOfWork(stubBlock, hv.params.PowLimit); err != nil {
		return err
	}

	if hctx.Prev != nil && !header.Timestamp.After(hctx.MedianTimePast) {
		return fmt.Errorf("%v <= %v: %w", header.Timestamp, hctx.MedianTimePast, ErrTimeTooOld)
	}

	maxTimestamp := hv.timeSource.AdjustedTime().Add(hv.maxTimeOffset)
	if header.Timestamp.After(maxTimestamp) {
		return fmt.Errorf("%v > %v: %w", header.Timestamp, maxTimestamp, ErrTimeTooNew)
	}
	return nil
}
