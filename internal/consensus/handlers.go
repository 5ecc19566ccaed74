package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/blocksync"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/headertree"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// Event is one of HeadersPresentedEvent, BlockDownloadedEvent,
// BlockMinedEvent or PeerDisconnectedEvent.
type Event interface {
	isEvent()
}

// HeadersPresentedEvent is a batch of headers announced by a peer.
type HeadersPresentedEvent struct {
	Peer    types.NodeID
	Headers []wire.BlockHeader
}

// BlockDownloadedEvent is a downloaded block body. A nil Block means the
// download was abandoned.
type BlockDownloadedEvent struct {
	Hash  chainhash.Hash
	Block *wire.MsgBlock
	Peer  types.NodeID
}

// BlockMinedEvent is a block produced by this node.
type BlockMinedEvent struct {
	Block *wire.MsgBlock
}

// PeerDisconnectedEvent tells that a peer went away.
type PeerDisconnectedEvent struct {
	Peer types.NodeID
}

func (HeadersPresentedEvent) isEvent() {}
func (BlockDownloadedEvent) isEvent()  {}
func (BlockMinedEvent) isEvent()       {}
func (PeerDisconnectedEvent) isEvent() {}

// Dispatch runs the handler of ev.
func (m *Manager) Dispatch(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case HeadersPresentedEvent:
		_, err := m.HeadersPresented(ctx, ev.Peer, ev.Headers)
		return err
	case BlockDownloadedEvent:
		return m.BlockDownloaded(ctx, ev.Hash, ev.Block, ev.Peer)
	case BlockMinedEvent:
		_, err := m.BlockMined(ctx, ev.Block)
		return err
	case PeerDisconnectedEvent:
		return m.PeerDisconnected(ev.Peer)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

// HeadersPresented connects headers announced by peer and requests the
// bodies needed to catch up with the peer. Errors are protocol errors for
// the peer layer to act on; the header tree is left unchanged.
func (m *Manager) HeadersPresented(ctx context.Context, peer types.NodeID, headers []wire.BlockHeader) (*headertree.ConnectResult, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.running.Done()

	m.peerMtx.Lock()
	res, err := m.tree.ConnectNewHeaders(peer, headers)
	size := m.tree.Len()
	m.peerMtx.Unlock()

	if err != nil {
		m.metrics.HeadersRejected.Add(1)
		m.logger.Info("rejected headers", "peer", peer, "count", len(headers), "err", err)
		return nil, err
	}
	m.metrics.HeadersConnected.Add(float64(len(res.Connected)))
	m.metrics.TreeSize.Set(float64(size))

	if len(res.ToDownload) > 0 {
		m.downloader.DownloadBlocks([]types.NodeID{peer}, res.ToDownload, m.onBlockDownloaded)
	}
	if len(res.Requested) > 0 {
		m.downloader.SetPeerBlocks(peer, types.Hashes(res.Requested))
	}
	return res, nil
}

// onBlockDownloaded feeds the download coordinator back into consensus.
func (m *Manager) onBlockDownloaded(hash chainhash.Hash, block *wire.MsgBlock, peer types.NodeID) {
	err := m.BlockDownloaded(m.ctx, hash, block, peer)
	if err != nil && !errors.Is(err, types.ErrShuttingDown) && !errors.Is(err, context.Canceled) {
		m.logger.Error("failed to process downloaded block", "hash", hash, "peer", peer, "err", err)
	}
}

// BlockDownloaded attaches a downloaded body and validates it, moving the
// tip when its branch becomes the best one. Bodies for unknown headers are
// ignored. A nil block evicts the branch it belongs to without marking it
// invalid.
//
// Once the body is attached the block is validated even if ctx is
// cancelled: a delivered body is never handed out again.
//
// Only failures of the node itself are returned: invalid blocks evict their
// branch and are reported on PeerErrors.
func (m *Manager) BlockDownloaded(ctx context.Context, hash chainhash.Hash, block *wire.MsgBlock, peer types.NodeID) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.running.Done()

	if block == nil {
		m.peerMtx.Lock()
		peers, evicted := m.tree.BlockDownloadFailed(hash)
		m.peerMtx.Unlock()
		if len(evicted) == 0 {
			return nil
		}
		m.downloader.CancelDownloads(evicted)

		m.logger.Info("block download abandoned", "hash", hash, "evicted", len(evicted), "peers", len(peers))
		m.reportPeers(peers, types.ValidationError{Hash: hash, Stage: types.StageDownload, Err: errDownloadAbandoned})
		return nil
	}

	m.peerMtx.Lock()
	chb, ready := m.tree.BlockDataDownloaded(hash, block)
	m.peerMtx.Unlock()

	if chb == nil {
		m.logger.Debug("ignoring block", "hash", hash, "peer", peer)
		return nil
	}
	if !ready {
		// validated once its parent passes partial validation
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	fullRequired, err := m.partialValidate(ctx, chb, peer)
	if err != nil || !fullRequired {
		return err
	}
	return m.connectBest(ctx)
}

// partialValidate validates chb and the descendants whose bodies were
// waiting for it. It reports whether any of them has more work than the
// tip.
func (m *Manager) partialValidate(ctx context.Context, chb *types.ChainedHeaderBlock, peer types.NodeID) (bool, error) {
	fullRequired := false
	queue := []*types.ChainedHeaderBlock{chb}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if err := m.partialSem.Acquire(ctx, 1); err != nil {
			return fullRequired, err
		}
		m.peerMtx.Lock()
		hctx := m.tree.HeaderContext(next.Header.PrevHash())
		m.peerMtx.Unlock()
		err := m.partial.Validate(ctx, next, hctx)
		m.partialSem.Release(1)

		m.peerMtx.Lock()
		if err != nil {
			peers, evicted := m.evictFailed(next.Header.Hash, err)
			m.metrics.TreeSize.Set(float64(m.tree.Len()))
			m.peerMtx.Unlock()
			m.downloader.CancelDownloads(evicted)

			verr := types.ValidationError{Hash: next.Header.Hash, Stage: types.StagePartial, Err: err}
			m.metrics.InvalidBlocks.With("stage", string(types.StagePartial)).Add(1)
			m.logger.Info("block failed partial validation", "block", next.Header, "peer", peer, "err", err)
			m.reportPeers(peers, verr)
			continue
		}
		ready, full := m.tree.PartialValidationSucceeded(next.Header.Hash)
		m.peerMtx.Unlock()

		queue = append(queue, ready...)
		fullRequired = fullRequired || full
	}
	return fullRequired, nil
}

// evictFailed evicts the branch of a block that failed validation. Blocks
// from the future are not remembered as invalid. Must be called with the
// peer lock held.
func (m *Manager) evictFailed(hash chainhash.Hash, err error) ([]types.NodeID, []chainhash.Hash) {
	if errors.Is(err, types.ErrTimeTooNew) {
		return m.tree.BlockDownloadFailed(hash)
	}
	return m.tree.PartialOrFullValidationFailed(hash)
}

// BlockMined validates and connects a block produced by this node. It
// returns nil without error when the parent of block is no longer the tip.
// Any validation failure is returned: the node produced an invalid block.
func (m *Manager) BlockMined(ctx context.Context, block *wire.MsgBlock) (*types.ChainedHeader, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.running.Done()

	m.reorgMtx.Lock()
	defer m.reorgMtx.Unlock()

	m.peerMtx.Lock()
	tip := m.tree.Tip()
	if block.Header.PrevBlock != tip.Hash {
		m.peerMtx.Unlock()
		m.metrics.StaleBlocks.Add(1)
		m.logger.Info("discarding stale mined block", "hash", block.BlockHash(), "parent", block.Header.PrevBlock, "tip", tip)
		return nil, nil
	}
	chb, err := m.tree.CreateChainedHeaderWithBlock(block)
	hctx := m.tree.HeaderContext(tip.Hash)
	m.peerMtx.Unlock()
	if err != nil {
		return nil, err
	}

	// the block is in the tree: it must leave it validated or evicted
	ctx = context.WithoutCancel(ctx)
	if err := m.partial.Validate(ctx, chb, hctx); err != nil {
		m.peerMtx.Lock()
		m.evictFailed(chb.Header.Hash, err)
		m.peerMtx.Unlock()
		m.metrics.InvalidBlocks.With("stage", string(types.StagePartial)).Add(1)
		return nil, types.ValidationError{Hash: chb.Header.Hash, Stage: types.StagePartial, Err: err}
	}

	m.peerMtx.Lock()
	m.tree.PartialValidationSucceeded(chb.Header.Hash)
	m.peerMtx.Unlock()

	if err := m.switchTo(ctx, chb.Header); err != nil {
		return nil, err
	}
	return chb.Header, nil
}

// Submit is BlockMined for blocks produced outside this process.
func (m *Manager) Submit(ctx context.Context, block *wire.MsgBlock) (*types.ChainedHeader, error) {
	return m.BlockMined(ctx, block)
}

// PeerDisconnected drops the claim of peer and its pending downloads move to
// other peers. Headers stay in the tree.
func (m *Manager) PeerDisconnected(peer types.NodeID) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.running.Done()

	m.peerMtx.Lock()
	m.tree.PeerDisconnected(peer)
	m.peerMtx.Unlock()

	m.downloader.RemovePeer(peer)
	return nil
}

// GetOrDownloadBlocks hands cb the body of every hash, from memory or
// storage when possible and from peers otherwise. Downloaded bodies also go
// through BlockDownloaded. Unknown hashes get a nil block.
func (m *Manager) GetOrDownloadBlocks(hashes []chainhash.Hash, cb blocksync.DownloadedFunc) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.running.Done()

	type download struct {
		peers  []types.NodeID
		header *types.ChainedHeader
	}
	var (
		downloads []download
		known     []*types.ChainedHeaderBlock
		unknown   []chainhash.Hash
	)

	m.peerMtx.Lock()
	for _, hash := range hashes {
		chb := m.tree.GetBlock(hash)
		switch {
		case chb == nil:
			unknown = append(unknown, hash)
		case chb.HasBlock():
			known = append(known, chb)
		default:
			downloads = append(downloads, download{peers: m.tree.PeersClaiming(hash), header: chb.Header})
		}
	}
	m.peerMtx.Unlock()

	for _, hash := range unknown {
		chb, err := m.GetBlockData(hash)
		if err != nil || !chb.HasBlock() {
			cb(hash, nil, "")
			continue
		}
		cb(hash, chb.Block, "")
	}
	for _, chb := range known {
		cb(chb.Header.Hash, chb.Block, "")
	}

	for _, d := range downloads {
		if block := m.store.LoadBlock(d.header.Hash); block != nil {
			cb(d.header.Hash, block, "")
			continue
		}
		m.downloader.DownloadBlocks(d.peers, []*types.ChainedHeader{d.header},
			func(hash chainhash.Hash, block *wire.MsgBlock, peer types.NodeID) {
				m.onBlockDownloaded(hash, block, peer)
				cb(hash, block, peer)
			})
	}
	return nil
}
