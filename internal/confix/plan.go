package confix

import (
	"context"
	"fmt"

	"github.com/creachadair/tomledit"
	"github.com/creachadair/tomledit/parser"
	"github.com/creachadair/tomledit/transform"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
)

var defaults = config.DefaultConfig()

// The plan is the sequence of transformation steps that should be applied, in
// the given order, to convert a configuration file to be compatible with the
// current version of the config grammar.
var plan = transform.Plan{
	{
		Desc: "Rename everything from snake_case to kebab-case",
		T:    transform.SnakeToKebab(),
	},
	{
		Desc:    "Rename [blockpuller] to [blocksync]",
		T:       transform.Rename(parser.Key{"blockpuller"}, parser.Key{"blocksync"}),
		ErrorOK: true,
	},
	{
		Desc: "Move top-level max-reorg-length key to consensus.max-reorg-length",
		T: transform.MoveKey(
			parser.Key{"max-reorg-length"},
			parser.Key{"consensus"},
			parser.Key{"max-reorg-length"},
		),
		ErrorOK: true,
	},
	{
		Desc: "Rename blocksync.delivered-set-size to delivered-cache-size",
		T: transform.Func(func(_ context.Context, doc *tomledit.Document) error {
			if found := doc.First("blocksync", "delivered-set-size"); found != nil {
				found.KeyValue.Name = parser.Key{"delivered-cache-size"}
			}
			return nil
		}),
	},
	{
		Desc: "Add blocksync.peer-request-rate and peer-request-burst settings",
		T: transform.Func(func(ctx context.Context, doc *tomledit.Document) error {
			if err := transform.EnsureKey(parser.Key{"blocksync"}, &parser.KeyValue{
				Block: parser.Comments{"Requests per second sent to a single peer. 0 disables pacing."},
				Name:  parser.Key{"peer-request-rate"},
				Value: parser.MustValue(fmt.Sprint(defaults.BlockSync.PeerRequestRate)),
			})(ctx, doc); err != nil {
				return err
			}
			return transform.EnsureKey(parser.Key{"blocksync"}, &parser.KeyValue{
				Block: parser.Comments{"Burst allowed on top of peer-request-rate"},
				Name:  parser.Key{"peer-request-burst"},
				Value: parser.MustValue(fmt.Sprint(defaults.BlockSync.PeerRequestBurst)),
			})(ctx, doc)
		}),
		ErrorOK: true,
	},
	{
		Desc: "Add consensus.peer-error-buffer setting",
		T: transform.EnsureKey(parser.Key{"consensus"}, &parser.KeyValue{
			Block: parser.Comments{"Capacity of the peer error channel"},
			Name:  parser.Key{"peer-error-buffer"},
			Value: parser.MustValue(fmt.Sprint(defaults.Consensus.PeerErrorBuffer)),
		}),
		ErrorOK: true,
	},
	{
		Desc:    "Remove vestigial consensus.checkpoints-enabled setting",
		T:       transform.Remove(parser.Key{"consensus", "checkpoints-enabled"}),
		ErrorOK: true,
	},
}
