package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// SanityValidator is the default PartialValidator: the header plausibility
// checks plus btcd's context-free block sanity rules (merkle root, coinbase
// placement, size and sigop limits, duplicate transactions).
type SanityValidator struct {
	params  *chaincfg.Params
	headers *HeaderValidator
}

var _ PartialValidator = (*SanityValidator)(nil)

// NewSanityValidator returns a SanityValidator checking headers with hv.
func NewSanityValidator(params *chaincfg.Params, hv *HeaderValidator) *SanityValidator {
	return &SanityValidator{params: params, headers: hv}
}

// Validate implements PartialValidator.
func (v *SanityValidator) Validate(ctx context.Context, chb *types.ChainedHeaderBlock, hctx HeaderContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !chb.HasBlock() {
		return fmt.Errorf("%v: %w", chb.Header, types.ErrUnknownBlock)
	}
	if got := chb.Block.BlockHash(); got != chb.Header.Hash {
		return fmt.Errorf("%v != %v: %w", got, chb.Header.Hash, ErrHashMismatch)
	}
	if err := v.headers.ValidateHeader(&chb.Block.Header, hctx); err != nil {
		return err
	}
	err := blockchain.CheckBlockSanity(btcutil.NewBlock(chb.Block), v.params.PowLimit, v.headers.timeSource)
	var ruleErr blockchain.RuleError
	if errors.As(err, &ruleErr) && ruleErr.ErrorCode == blockchain.ErrTimeTooNew {
		return fmt.Errorf("%w: %v", ErrTimeTooNew, err)
	}
	return err
}
