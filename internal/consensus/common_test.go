package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/blocksync"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/headertree"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/state"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/store"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/test/factory"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/validation"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// testDownloader records requests; tests deliver bodies by hand.
type testDownloader struct {
	mtx       sync.Mutex
	requested map[chainhash.Hash]int
	sources   map[chainhash.Hash][]types.NodeID
	canceled  []chainhash.Hash
	removed   []types.NodeID
}

func newTestDownloader() *testDownloader {
	return &testDownloader{
		requested: make(map[chainhash.Hash]int),
		sources:   make(map[chainhash.Hash][]types.NodeID),
	}
}

func (d *testDownloader) DownloadBlocks(peers []types.NodeID, headers []*types.ChainedHeader, cb blocksync.DownloadedFunc) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, h := range headers {
		d.requested[h.Hash]++
		d.sources[h.Hash] = append(d.sources[h.Hash], peers...)
	}
}

func (d *testDownloader) SetPeerBlocks(peer types.NodeID, hashes []chainhash.Hash) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, h := range hashes {
		d.sources[h] = append(d.sources[h], peer)
	}
}

func (d *testDownloader) CancelDownloads(hashes []chainhash.Hash) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.canceled = append(d.canceled, hashes...)
}

func (d *testDownloader) RemovePeer(peer types.NodeID) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.removed = append(d.removed, peer)
}

func (d *testDownloader) timesRequested(hash chainhash.Hash) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.requested[hash]
}

func (d *testDownloader) sourcesOf(hash chainhash.Hash) []types.NodeID {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]types.NodeID(nil), d.sources[hash]...)
}

func (d *testDownloader) canceledHashes() []chainhash.Hash {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return append([]chainhash.Hash(nil), d.canceled...)
}

type testPublisher struct {
	mtx    sync.Mutex
	events []types.EventDataTipChanged
}

func (p *testPublisher) PublishEventTipChanged(data types.EventDataTipChanged) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.events = append(p.events, data)
	return nil
}

func (p *testPublisher) all() []types.EventDataTipChanged {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]types.EventDataTipChanged(nil), p.events...)
}

// failingPartial rejects the blocks in bad and runs the sanity checks on
// the others.
func failingPartial(bad ...chainhash.Hash) validation.PartialValidator {
	hv := validation.NewHeaderValidator(factory.Params, 2*time.Hour, nil)
	sanity := validation.NewSanityValidator(factory.Params, hv)
	return validation.PartialValidatorFunc(func(ctx context.Context, chb *types.ChainedHeaderBlock, hctx validation.HeaderContext) error {
		for _, h := range bad {
			if h == chb.Header.Hash {
				return errRejected
			}
		}
		return sanity.Validate(ctx, chb, hctx)
	})
}

func rejectBlocks(bad ...chainhash.Hash) validation.BlockRule {
	return func(ctx context.Context, chb *types.ChainedHeaderBlock) error {
		for _, h := range bad {
			if h == chb.Header.Hash {
				return errRejected
			}
		}
		return nil
	}
}

type testNode struct {
	manager    *Manager
	coins      *state.CoinStore
	blockStore *store.BlockStore
	downloader *testDownloader
	publisher  *testPublisher
	genesis    *types.ChainedHeaderBlock
}

type nodeOptions struct {
	partial validation.PartialValidator
	rules   []validation.BlockRule
	chain   validation.ChainState
	cfg     *config.ConsensusConfig
}

func makeNode(ctx context.Context, t *testing.T, opts nodeOptions) *testNode {
	t.Helper()

	logger := log.TestingLogger()
	cfg := opts.cfg
	if cfg == nil {
		cfg = config.TestConsensusConfig()
	}
	genesis := factory.Genesis()

	blockStore := store.NewBlockStore(dbm.NewMemDB())
	blockStore.SaveBlock(genesis)
	require.NoError(t, blockStore.PersistTip(genesis.Header, []*types.ChainedHeader{genesis.Header}))

	coins, err := state.NewCoinStore(dbm.NewMemDB(), factory.Params, logger)
	require.NoError(t, err)
	var chainState validation.ChainState = coins
	if opts.chain != nil {
		chainState = opts.chain
	}

	hv := validation.NewHeaderValidator(factory.Params, cfg.MaxTimeOffset, nil)
	tree, err := headertree.New(headertree.NewConfig(cfg, nil), []*types.ChainedHeader{genesis.Header}, hv, blockStore, logger)
	require.NoError(t, err)

	partial := opts.partial
	if partial == nil {
		partial = failingPartial()
	}
	downloader := newTestDownloader()
	publisher := &testPublisher{}

	m, err := NewManager(logger, cfg, tree, chainState, partial, validation.NewRuleValidator(opts.rules...),
		blockStore, downloader, WithTipPublisher(publisher))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		if m.IsRunning() {
			_ = m.Stop()
		}
	})

	return &testNode{
		manager:    m,
		coins:      coins,
		blockStore: blockStore,
		downloader: downloader,
		publisher:  publisher,
		genesis:    genesis,
	}
}

// deliver hands the bodies of blocks to consensus as the download
// coordinator would.
func (n *testNode) deliver(ctx context.Context, t *testing.T, peer types.NodeID, blocks []*types.ChainedHeaderBlock) {
	t.Helper()
	for _, chb := range blocks {
		require.NoError(t, n.manager.BlockDownloaded(ctx, chb.Header.Hash, chb.Block, peer))
	}
}

// sync presents blocks as headers from peer and delivers their bodies.
func (n *testNode) sync(ctx context.Context, t *testing.T, peer types.NodeID, blocks []*types.ChainedHeaderBlock) {
	t.Helper()
	_, err := n.manager.HeadersPresented(ctx, peer, factory.Headers(blocks))
	require.NoError(t, err)
	n.deliver(ctx, t, peer, blocks)
}

func drainPeerErrors(m *Manager) []types.PeerError {
	var out []types.PeerError
	for {
		select {
		case perr := <-m.PeerErrors():
			out = append(out, perr)
		default:
			return out
		}
	}
}
