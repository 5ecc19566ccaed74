package headertree

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/validation"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// ConnectResult describes the effect of a batch of headers.
type ConnectResult struct {
	// Connected lists the headers inserted by the batch, ascending.
	Connected []*types.ChainedHeader
	// Claim is the tip the peer now claims. When the whole batch lies below
	// the base it is the stored header and no claim is recorded.
	Claim *types.ChainedHeader
	// ToDownload lists the headers whose body must be requested, ascending.
	// They are marked BlockRequired.
	ToDownload []*types.ChainedHeader
	// DownloadTo is the last header of ToDownload, nil when nothing must be
	// downloaded.
	DownloadTo *types.ChainedHeader
	// Requested lists the headers of the claimed chain whose body was
	// requested earlier and has not arrived yet, ascending. The peer can
	// serve them too.
	Requested []*types.ChainedHeader
}

// ConnectNewHeaders links a contiguous batch of headers announced by peer.
//
// Leading headers already in the tree are skipped. The first new header
// must extend a retained header. Every new header is checked for
// plausibility and against the checkpoints before any of them is inserted:
// on error the tree is left unchanged.
//
// When the claimed tip has more work than the consensus tip, the result
// lists the bodies to download, up to DownloadWindow blocks above the tip.
func (t *HeaderTree) ConnectNewHeaders(peer types.NodeID, headers []wire.BlockHeader) (*ConnectResult, error) {
	if len(headers) == 0 {
		return &ConnectResult{}, nil
	}

	hashes := make([]chainhash.Hash, len(headers))
	for i := range headers {
		hashes[i] = headers[i].BlockHash()
		if i > 0 && headers[i].PrevBlock != hashes[i-1] {
			return nil, types.HeaderConnectError{
				PeerID: peer,
				Hash:   hashes[i],
				Reason: "headers are not contiguous",
			}
		}
	}

	// skip the known prefix, pruned headers of the store included
	first := 0
	for first < len(headers) && t.isKnown(hashes[first]) {
		first++
	}
	last := hashes[len(hashes)-1]
	if first == len(headers) {
		if _, ok := t.entries[last]; !ok {
			// the whole batch is below the base
			return &ConnectResult{Claim: t.store.LoadHeader(last)}, nil
		}
	}

	var connected []*types.ChainedHeader
	if first < len(headers) {
		var err error
		connected, err = t.stage(peer, headers[first:], hashes[first:])
		if err != nil {
			return nil, err
		}
		for _, header := range connected {
			t.insert(header, HeaderValidated, HeaderOnly)
			parent := t.entries[header.PrevHash()]
			parent.children = append(parent.children, header.Hash)
		}
	}

	claim := t.entries[last].header
	t.setClaim(peer, claim)

	result := &ConnectResult{Connected: connected, Claim: claim}
	if claim.HasMoreWorkThan(t.tip) {
		result.ToDownload, result.Requested = t.markForDownload(claim)
		if n := len(result.ToDownload); n > 0 {
			result.DownloadTo = result.ToDownload[n-1]
		}
	}

	if len(connected) > 0 {
		t.logger.Debug("connected headers", "peer", peer, "count", len(connected),
			"first", connected[0], "claim", claim, "download", len(result.ToDownload))
	}
	return result, nil
}

// stage builds and checks the chained headers of a batch whose first header
// is not in the tree.
func (t *HeaderTree) stage(peer types.NodeID, headers []wire.BlockHeader, hashes []chainhash.Hash) ([]*types.ChainedHeader, error) {
	for _, hash := range hashes {
		if t.invalid.Contains(hash) {
			return nil, types.InvalidHeaderError{PeerID: peer, Hash: hash, Err: errKnownInvalid}
		}
	}

	prevHash := headers[0].PrevBlock
	parent, ok := t.entries[prevHash]
	if !ok {
		return nil, t.unknownParentError(peer, hashes[0], prevHash)
	}

	if fork := t.forkPoint(parent); fork == nil || fork.header.Height < t.minForkHeight() {
		forkHeight := int64(-1)
		if fork != nil {
			forkHeight = fork.header.Height
		}
		return nil, types.MaxReorgViolationError{
			PeerID:     peer,
			ForkHeight: forkHeight,
			MinHeight:  t.minForkHeight(),
		}
	}

	staged := make([]*types.ChainedHeader, 0, len(headers))
	pending := make(map[chainhash.Hash]*types.ChainedHeader, len(headers))
	prev := parent.header
	for i := range headers {
		header := types.NewChainedHeader(headers[i], prev)

		if cp, ok := t.checkpoints[header.Height]; ok && cp != header.Hash {
			return nil, types.CheckpointMismatchError{
				PeerID:   peer,
				Height:   header.Height,
				Expected: cp,
				Got:      header.Hash,
			}
		}

		hctx := validation.HeaderContext{
			Prev:           prev,
			MedianTimePast: t.medianTimePast(prev, pending),
		}
		if err := t.validator.ValidateHeader(&headers[i], hctx); err != nil {
			if !errors.Is(err, validation.ErrTimeTooNew) {
				t.invalid.Add(header.Hash, struct{}{})
			}
			return nil, types.InvalidHeaderError{PeerID: peer, Hash: header.Hash, Err: err}
		}

		staged = append(staged, header)
		pending[header.Hash] = header
		prev = header
	}
	return staged, nil
}

var errKnownInvalid = errors.New("header was previously marked invalid")

func (t *HeaderTree) unknownParentError(peer types.NodeID, hash, prevHash chainhash.Hash) error {
	if t.invalid.Contains(prevHash) {
		t.invalid.Add(hash, struct{}{})
		return types.InvalidHeaderError{PeerID: peer, Hash: hash, Err: errKnownInvalid}
	}
	if t.store != nil {
		if stored := t.store.LoadHeader(prevHash); stored != nil {
			return types.MaxReorgViolationError{
				PeerID:     peer,
				ForkHeight: stored.Height,
				MinHeight:  t.minForkHeight(),
			}
		}
	}
	return types.HeaderConnectError{
		PeerID: peer,
		Hash:   hash,
		Reason: "previous header " + prevHash.String() + " is unknown",
	}
}

func (t *HeaderTree) isKnown(hash chainhash.Hash) bool {
	if _, ok := t.entries[hash]; ok {
		return true
	}
	return t.store != nil && t.store.LoadHeader(hash) != nil
}

func (t *HeaderTree) setClaim(peer types.NodeID, claim *types.ChainedHeader) {
	if peer == "" || peer == types.LocalNodeID {
		return
	}
	t.peerTips[peer] = claim.Hash
}

// markForDownload returns the header-only headers between the active chain
// and claim, capped at the download window, and marks them BlockRequired.
// It also returns the headers of that range already BlockRequired.
func (t *HeaderTree) markForDownload(claim *types.ChainedHeader) (download, requested []*types.ChainedHeader) {
	maxHeight := t.tip.Height + t.cfg.DownloadWindow

	var path []*entry
	for e := t.entries[claim.Hash]; e != nil && e.state != FullyValidated; e = t.parent(e) {
		if e.header.Height <= maxHeight && e.data != BlockAvailable {
			path = append(path, e)
		}
	}

	for i := len(path) - 1; i >= 0; i-- {
		if path[i].data == BlockRequired {
			requested = append(requested, path[i].header)
			continue
		}
		path[i].data = BlockRequired
		download = append(download, path[i].header)
	}
	return download, requested
}

// DownloadRequest asks for the bodies of Headers, preferably from Peer.
type DownloadRequest struct {
	Peer    types.NodeID
	Headers []*types.ChainedHeader
}

// BlocksToDownload returns, for every peer claiming more work than the
// consensus tip, the header-only headers of its chain within the download
// window. Returned headers are marked BlockRequired, so each header is
// handed out once.
func (t *HeaderTree) BlocksToDownload() []DownloadRequest {
	peers := make([]types.NodeID, 0, len(t.peerTips))
	for peer := range t.peerTips {
		peers = append(peers, peer)
	}
	sortNodeIDs(peers)

	var requests []DownloadRequest
	for _, peer := range peers {
		claim := t.entries[t.peerTips[peer]].header
		if !claim.HasMoreWorkThan(t.tip) {
			continue
		}
		if headers, _ := t.markForDownload(claim); len(headers) > 0 {
			requests = append(requests, DownloadRequest{Peer: peer, Headers: headers})
		}
	}
	return requests
}

// CreateChainedHeaderWithBlock inserts a locally produced block. Its parent
// must be in the tree. A block already in the tree is returned as is.
func (t *HeaderTree) CreateChainedHeaderWithBlock(block *wire.MsgBlock) (*types.ChainedHeaderBlock, error) {
	hash := block.BlockHash()
	if e, ok := t.entries[hash]; ok {
		if e.data != BlockAvailable {
			e.block = block
			e.data = BlockAvailable
		}
		return &types.ChainedHeaderBlock{Header: e.header, Block: e.block}, nil
	}

	connected, err := t.stage(types.LocalNodeID, []wire.BlockHeader{block.Header}, []chainhash.Hash{hash})
	if err != nil {
		return nil, err
	}
	header := connected[0]
	e := t.insert(header, HeaderValidated, BlockAvailable)
	e.block = block
	parent := t.entries[header.PrevHash()]
	parent.children = append(parent.children, header.Hash)

	return &types.ChainedHeaderBlock{Header: header, Block: block}, nil
}
