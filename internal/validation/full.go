package validation

import (
	"context"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// BlockRule is a consensus rule evaluated before a block is applied to the
// chain state.
type BlockRule func(ctx context.Context, chb *types.ChainedHeaderBlock) error

// RuleValidator is the default FullValidator: it runs every rule in order,
// then applies the block to the chain state.
type RuleValidator struct {
	rules []BlockRule
}

var _ FullValidator = (*RuleValidator)(nil)

// NewRuleValidator returns a RuleValidator running rules.
func NewRuleValidator(rules ...BlockRule) *RuleValidator {
	return &RuleValidator{rules: rules}
}

// Connect implements FullValidator.
func (v *RuleValidator) Connect(ctx context.Context, chb *types.ChainedHeaderBlock, state ChainState) error {
	for _, rule := range v.rules {
		if err := rule(ctx, chb); err != nil {
			return err
		}
	}
	return state.Apply(ctx, chb)
}
