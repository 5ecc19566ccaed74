package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var errTargetEvicted = errors.New("target left the header tree")

// connectBest moves the tip to the best partially validated header until no
// header has more work than the tip. Branches failing full validation are
// evicted and the next best one is tried.
func (m *Manager) connectBest(ctx context.Context) error {
	m.reorgMtx.Lock()
	defer m.reorgMtx.Unlock()

	for {
		m.peerMtx.Lock()
		best := m.tree.BestPartiallyValidated()
		m.peerMtx.Unlock()
		if best == nil {
			return nil
		}

		err := m.switchTo(ctx, best)
		var verr types.ValidationError
		switch {
		case err == nil, errors.As(err, &verr):
		case errors.Is(err, errTargetEvicted):
			return nil
		default:
			return err
		}
	}
}

// switchTo rolls the chain state back to the fork point with target and
// connects the blocks up to target. The change is committed as a whole or
// not at all: on failure the staged state is discarded and readers never
// see an intermediate tip. Must be called with the reorg lock held.
//
// A block failing full validation is evicted with its descendants and a
// types.ValidationError is returned. Any other error is a failure of the
// node itself.
func (m *Manager) switchTo(ctx context.Context, target *types.ChainedHeader) error {
	// blocks are never interrupted half way
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	m.peerMtx.Lock()
	oldTip := m.tree.Tip()
	disconnect, connect, ok := m.tree.ReorgPath(target.Hash)
	m.peerMtx.Unlock()
	if !ok {
		return errTargetEvicted
	}

	if err := m.loadBodies(disconnect); err != nil {
		return err
	}
	if err := m.loadBodies(connect); err != nil {
		return err
	}

	for _, chb := range disconnect {
		if err := m.state.Rollback(ctx, chb); err != nil {
			m.state.Discard()
			return fmt.Errorf("rolling back %v: %w", chb.Header, err)
		}
	}
	for _, chb := range connect {
		if err := m.full.Connect(ctx, chb, m.state); err != nil {
			m.state.Discard()
			return m.fullValidationFailed(chb, err)
		}
	}

	// bodies first so a crash never leaves the tip without its blocks
	m.store.SaveBlocks(connect)
	if err := m.state.Commit(); err != nil {
		m.state.Discard()
		return fmt.Errorf("committing chain state at %v: %w", target, err)
	}
	connected := headersOf(connect)
	if err := m.store.PersistTip(target, connected); err != nil {
		return fmt.Errorf("persisting tip %v: %w", target, err)
	}

	m.peerMtx.Lock()
	if err := m.tree.ConsensusTipChanged(target.Hash); err != nil {
		m.peerMtx.Unlock()
		return fmt.Errorf("moving header tree tip to %v: %w", target, err)
	}
	downloads := m.tree.BlocksToDownload()
	size := m.tree.Len()
	m.peerMtx.Unlock()

	m.metrics.Height.Set(float64(target.Height))
	m.metrics.TreeSize.Set(float64(size))
	m.metrics.FullValidationDuration.Observe(time.Since(start).Seconds())
	if len(disconnect) > 0 {
		m.metrics.Reorgs.Add(1)
		m.metrics.ReorgDepth.Observe(float64(len(disconnect)))
		m.logger.Info("reorganized chain", "old_tip", oldTip, "new_tip", target,
			"disconnected", len(disconnect), "connected", len(connect))
	} else {
		m.logger.Info("advanced tip", "tip", target, "connected", len(connect))
	}

	event := types.EventDataTipChanged{
		OldTip:       oldTip,
		NewTip:       target,
		Disconnected: headersOf(disconnect),
		Connected:    connected,
	}
	if m.publisher != nil {
		if err := m.publisher.PublishEventTipChanged(event); err != nil {
			m.logger.Error("failed publishing tip change", "tip", target, "err", err)
		}
	}

	for _, req := range downloads {
		m.downloader.DownloadBlocks([]types.NodeID{req.Peer}, req.Headers, m.onBlockDownloaded)
	}
	return nil
}

// loadBodies reads from storage the bodies released from memory.
func (m *Manager) loadBodies(blocks []*types.ChainedHeaderBlock) error {
	for _, chb := range blocks {
		if chb.HasBlock() {
			continue
		}
		chb.Block = m.store.LoadBlock(chb.Header.Hash)
		if chb.Block == nil {
			return fmt.Errorf("body of %v: %w", chb.Header, types.ErrUnknownBlock)
		}
	}
	return nil
}

func (m *Manager) fullValidationFailed(chb *types.ChainedHeaderBlock, err error) error {
	verr := types.ValidationError{Hash: chb.Header.Hash, Stage: types.StageFull, Err: err}

	m.peerMtx.Lock()
	peers, evicted := m.evictFailed(chb.Header.Hash, err)
	size := m.tree.Len()
	m.peerMtx.Unlock()
	m.downloader.CancelDownloads(evicted)

	m.metrics.InvalidBlocks.With("stage", string(types.StageFull)).Add(1)
	m.metrics.TreeSize.Set(float64(size))
	m.logger.Info("block failed full validation", "block", chb.Header, "err", err)
	m.reportPeers(peers, verr)
	return verr
}

func headersOf(blocks []*types.ChainedHeaderBlock) []*types.ChainedHeader {
	headers := make([]*types.ChainedHeader, len(blocks))
	for i, chb := range blocks {
		headers[i] = chb.Header
	}
	return headers
}
