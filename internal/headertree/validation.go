package headertree

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// BlockDataDownloaded attaches a downloaded body to its header. It returns
// nil when the header is unknown or already has its body. The boolean
// reports whether the block can be partially validated right away, that is
// whether its parent already passed partial validation.
func (t *HeaderTree) BlockDataDownloaded(hash chainhash.Hash, block *wire.MsgBlock) (*types.ChainedHeaderBlock, bool) {
	e, ok := t.entries[hash]
	if !ok || e.data == BlockAvailable {
		return nil, false
	}
	e.block = block
	e.data = BlockAvailable

	chb := &types.ChainedHeaderBlock{Header: e.header, Block: block}
	parent := t.parent(e)
	return chb, parent != nil && parent.state >= PartiallyValidated && e.state == HeaderValidated
}

// PartialValidationSucceeded marks hash as partially validated. It returns
// the children whose body is already available, now ready for partial
// validation, and whether hash has more work than the consensus tip and so
// must go through full validation.
func (t *HeaderTree) PartialValidationSucceeded(hash chainhash.Hash) ([]*types.ChainedHeaderBlock, bool) {
	e, ok := t.entries[hash]
	if !ok || e.state != HeaderValidated {
		return nil, false
	}
	if parent := t.parent(e); parent == nil || parent.state < PartiallyValidated {
		return nil, false
	}
	e.state = PartiallyValidated

	var next []*types.ChainedHeaderBlock
	for _, childHash := range e.children {
		child := t.entries[childHash]
		if child.data == BlockAvailable && child.state == HeaderValidated {
			next = append(next, &types.ChainedHeaderBlock{Header: child.header, Block: child.block})
		}
	}
	return next, e.header.HasMoreWorkThan(t.tip)
}

// PartialOrFullValidationFailed evicts hash and all its descendants and
// remembers them as invalid. It returns the peers whose claimed tip was
// evicted, their claims are dropped, and the evicted hashes. Headers of the
// active chain are never evicted.
func (t *HeaderTree) PartialOrFullValidationFailed(hash chainhash.Hash) ([]types.NodeID, []chainhash.Hash) {
	return t.evict(hash, true)
}

// BlockDownloadFailed evicts hash and all its descendants because the body
// could not be obtained, or because the block is not valid yet. The headers
// are not remembered as invalid: they can be presented again.
func (t *HeaderTree) BlockDownloadFailed(hash chainhash.Hash) ([]types.NodeID, []chainhash.Hash) {
	return t.evict(hash, false)
}

func (t *HeaderTree) evict(hash chainhash.Hash, invalid bool) ([]types.NodeID, []chainhash.Hash) {
	root, ok := t.entries[hash]
	if !ok {
		if invalid {
			t.invalid.Add(hash, struct{}{})
		}
		return nil, nil
	}
	if root.state == FullyValidated {
		t.logger.Error("refusing to evict a header of the active chain", "hash", hash)
		return nil, nil
	}

	if parent := t.parent(root); parent != nil {
		parent.children = removeHash(parent.children, hash)
	}

	evicted := t.removeSubtree(root)
	removed := make(map[chainhash.Hash]struct{}, len(evicted))
	for _, h := range evicted {
		removed[h] = struct{}{}
		if invalid {
			t.invalid.Add(h, struct{}{})
		}
	}

	var peers []types.NodeID
	for peer, tipHash := range t.peerTips {
		if _, ok := removed[tipHash]; ok {
			delete(t.peerTips, peer)
			peers = append(peers, peer)
		}
	}
	sortNodeIDs(peers)

	t.logger.Info("evicted branch", "root", root.header, "headers", len(evicted),
		"invalid", invalid, "peers", len(peers))
	return peers, evicted
}

// removeSubtree deletes root and its descendants from the arena, root
// first. The parent link of root is left to the caller.
func (t *HeaderTree) removeSubtree(root *entry) []chainhash.Hash {
	var removed []chainhash.Hash
	stack := []*entry{root}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		removed = append(removed, e.header.Hash)
		delete(t.entries, e.header.Hash)
		for _, childHash := range e.children {
			if child, ok := t.entries[childHash]; ok {
				stack = append(stack, child)
			}
		}
	}
	return removed
}

// BestPartiallyValidated returns the partially validated header with the
// most work, provided it has more work than the consensus tip. Among equal
// work headers the first seen wins.
func (t *HeaderTree) BestPartiallyValidated() *types.ChainedHeader {
	var best *entry
	for _, e := range t.entries {
		if e.state != PartiallyValidated || !e.header.HasMoreWorkThan(t.tip) {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		switch e.header.ChainWork.Cmp(best.header.ChainWork) {
		case 1:
			best = e
		case 0:
			if e.seq < best.seq {
				best = e
			}
		}
	}
	if best == nil {
		return nil
	}
	return best.header
}

// ReorgPath returns the blocks to roll back, from the consensus tip down,
// and the blocks to connect, ascending, to make target the tip. Bodies of
// blocks to roll back may be nil when they were released from memory.
func (t *HeaderTree) ReorgPath(target chainhash.Hash) (disconnect, connect []*types.ChainedHeaderBlock, ok bool) {
	e, found := t.entries[target]
	if !found {
		return nil, nil, false
	}

	for ; e != nil && e.state != FullyValidated; e = t.parent(e) {
		connect = append(connect, &types.ChainedHeaderBlock{Header: e.header, Block: e.block})
	}
	if e == nil {
		return nil, nil, false
	}
	fork := e
	for i, j := 0, len(connect)-1; i < j; i, j = i+1, j-1 {
		connect[i], connect[j] = connect[j], connect[i]
	}

	for cur := t.entries[t.tip.Hash]; cur != nil && cur != fork; cur = t.parent(cur) {
		disconnect = append(disconnect, &types.ChainedHeaderBlock{Header: cur.header, Block: cur.block})
	}
	return disconnect, connect, true
}

// ConsensusTipChanged records newTip as the consensus tip after the chain
// state moved to it. Headers between the fork point and newTip become fully
// validated; headers of the old tip above the fork point fall back to
// partially validated.
//
// The tree is then pruned: the base moves up to keep MaxReorgLength blocks
// plus the median time window below the tip, branches forking below
// newTip.Height - MaxReorgLength are dropped together with claims on them,
// and bodies deeper than BodyRetentionDepth are released.
func (t *HeaderTree) ConsensusTipChanged(newTip chainhash.Hash) error {
	disconnect, connect, ok := t.ReorgPath(newTip)
	if !ok {
		return types.ErrUnknownBlock
	}
	for _, chb := range disconnect {
		t.entries[chb.Header.Hash].state = PartiallyValidated
	}
	for _, chb := range connect {
		e := t.entries[chb.Header.Hash]
		e.state = FullyValidated
		if e.data != BlockAvailable {
			e.data = BlockAvailable
		}
	}
	t.tip = t.entries[newTip].header

	t.prune()
	t.releaseBodies()
	return nil
}

func (t *HeaderTree) prune() {
	tipEntry := t.entries[t.tip.Hash]
	minForkHeight := t.minForkHeight()

	baseHeight := minForkHeight - types.MedianTimeBlocks
	if baseHeight < t.base.Height {
		baseHeight = t.base.Height
	}
	newBase := t.ancestor(tipEntry, baseHeight)

	keep := make(map[chainhash.Hash]struct{}, len(t.entries))
	stack := []*entry{newBase}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		keep[e.header.Hash] = struct{}{}

		var children []chainhash.Hash
		for _, childHash := range e.children {
			child, ok := t.entries[childHash]
			if !ok {
				continue
			}
			// forks below the reorg limit cannot become the tip anymore
			if e.header.Height < minForkHeight && child.state != FullyValidated {
				continue
			}
			children = append(children, childHash)
			stack = append(stack, child)
		}
		e.children = children
	}

	var pruned int
	for hash := range t.entries {
		if _, ok := keep[hash]; !ok {
			delete(t.entries, hash)
			pruned++
		}
	}
	for peer, tipHash := range t.peerTips {
		if _, ok := t.entries[tipHash]; !ok {
			delete(t.peerTips, peer)
		}
	}
	t.base = newBase.header

	if pruned > 0 {
		t.logger.Debug("pruned header tree", "pruned", pruned, "base", t.base, "size", len(t.entries))
	}
}

func (t *HeaderTree) releaseBodies() {
	maxHeight := t.tip.Height - t.cfg.BodyRetentionDepth
	for e := t.entries[t.tip.Hash]; e != nil; e = t.parent(e) {
		if e.header.Height > maxHeight {
			continue
		}
		if e.block == nil {
			// everything below was released earlier
			break
		}
		e.block = nil
	}
}

func removeHash(hashes []chainhash.Hash, hash chainhash.Hash) []chainhash.Hash {
	for i, h := range hashes {
		if h == hash {
			return append(hashes[:i], hashes[i+1:]...)
		}
	}
	return hashes
}
