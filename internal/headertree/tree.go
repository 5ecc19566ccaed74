// Package headertree maintains the in-memory forest of candidate chains the
// node learned from its peers.
//
// Headers are stored in an arena keyed by hash; a header refers to its
// predecessor by hash only. The tree is rooted at the lowest retained header
// of the active chain (the base). The active chain is the path from the base
// to the consensus tip; its headers, and only those, are FullyValidated.
//
// A HeaderTree is not safe for concurrent use: the consensus manager owns it
// and serializes every call under its peer lock.
package headertree

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/validation"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// ValidationState tells how far a header went through validation.
type ValidationState int8

const (
	HeaderValidated ValidationState = iota + 1
	PartiallyValidated
	FullyValidated
)

func (s ValidationState) String() string {
	switch s {
	case HeaderValidated:
		return "header-validated"
	case PartiallyValidated:
		return "partially-validated"
	case FullyValidated:
		return "fully-validated"
	default:
		return fmt.Sprintf("ValidationState(%d)", int8(s))
	}
}

// DataState tells whether the body of a header is known.
type DataState int8

const (
	HeaderOnly DataState = iota + 1
	// BlockRequired marks headers whose body was requested.
	BlockRequired
	// BlockAvailable marks headers whose body is in memory or, for deep
	// active chain headers, in the block store.
	BlockAvailable
)

func (s DataState) String() string {
	switch s {
	case HeaderOnly:
		return "header-only"
	case BlockRequired:
		return "block-required"
	case BlockAvailable:
		return "block-available"
	default:
		return fmt.Sprintf("DataState(%d)", int8(s))
	}
}

// HeaderValidator is the plausibility check run on every presented header.
type HeaderValidator interface {
	ValidateHeader(header *wire.BlockHeader, hctx validation.HeaderContext) error
}

// HeaderStore gives access to persisted headers that were pruned from
// memory.
type HeaderStore interface {
	LoadHeader(hash chainhash.Hash) *types.ChainedHeader
}

// Config bounds the tree.
type Config struct {
	MaxReorgLength     int64
	DownloadWindow     int64
	BodyRetentionDepth int64
	InvalidCacheSize   int
	Checkpoints        []chaincfg.Checkpoint
}

// NewConfig returns the tree bounds set by the consensus configuration.
func NewConfig(cfg *config.ConsensusConfig, checkpoints []chaincfg.Checkpoint) Config {
	return Config{
		MaxReorgLength:     cfg.MaxReorgLength,
		DownloadWindow:     cfg.DownloadWindow,
		BodyRetentionDepth: cfg.BodyRetentionDepth,
		InvalidCacheSize:   cfg.InvalidHeaderCacheSize,
		Checkpoints:        checkpoints,
	}
}

type entry struct {
	header   *types.ChainedHeader
	children []chainhash.Hash
	state    ValidationState
	data     DataState
	block    *wire.MsgBlock
	seq      uint64
}

// HeaderTree is the forest of known headers.
type HeaderTree struct {
	cfg       Config
	logger    log.Logger
	validator HeaderValidator
	store     HeaderStore

	entries  map[chainhash.Hash]*entry
	peerTips map[types.NodeID]chainhash.Hash
	base     *types.ChainedHeader
	tip      *types.ChainedHeader
	nextSeq  uint64

	invalid     *lru.Cache
	checkpoints map[int64]chainhash.Hash
}

// New returns a tree holding chain, the retained part of the active chain in
// ascending order. chain must be contiguous; its last header is the
// consensus tip. store may be nil.
func New(cfg Config, chain []*types.ChainedHeader, validator HeaderValidator, store HeaderStore, logger log.Logger) (*HeaderTree, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty chain")
	}
	if cfg.MaxReorgLength <= 0 {
		return nil, fmt.Errorf("max reorg length must be positive, got %d", cfg.MaxReorgLength)
	}
	invalid, err := lru.New(cfg.InvalidCacheSize)
	if err != nil {
		return nil, err
	}

	t := &HeaderTree{
		cfg:         cfg,
		logger:      logger,
		validator:   validator,
		store:       store,
		entries:     make(map[chainhash.Hash]*entry),
		peerTips:    make(map[types.NodeID]chainhash.Hash),
		invalid:     invalid,
		checkpoints: make(map[int64]chainhash.Hash, len(cfg.Checkpoints)),
	}
	for _, cp := range cfg.Checkpoints {
		t.checkpoints[int64(cp.Height)] = *cp.Hash
	}

	for i, header := range chain {
		if i > 0 && header.PrevHash() != chain[i-1].Hash {
			return nil, fmt.Errorf("chain is not contiguous at height %d", header.Height)
		}
		t.insert(header, FullyValidated, BlockAvailable)
		if i > 0 {
			parent := t.entries[header.PrevHash()]
			parent.children = append(parent.children, header.Hash)
		}
	}
	t.base = chain[0]
	t.tip = chain[len(chain)-1]
	return t, nil
}

func (t *HeaderTree) insert(header *types.ChainedHeader, state ValidationState, data DataState) *entry {
	e := &entry{
		header: header,
		state:  state,
		data:   data,
		seq:    t.nextSeq,
	}
	t.nextSeq++
	t.entries[header.Hash] = e
	return e
}

// Tip returns the consensus tip.
func (t *HeaderTree) Tip() *types.ChainedHeader {
	return t.tip
}

// Base returns the lowest retained header.
func (t *HeaderTree) Base() *types.ChainedHeader {
	return t.base
}

// Len returns the number of retained headers.
func (t *HeaderTree) Len() int {
	return len(t.entries)
}

// GetHeader returns the header with the given hash, or nil.
func (t *HeaderTree) GetHeader(hash chainhash.Hash) *types.ChainedHeader {
	if e, ok := t.entries[hash]; ok {
		return e.header
	}
	return nil
}

// GetBlock returns the header and the in-memory body of hash. The body is
// nil when it was not downloaded yet or was released from memory.
func (t *HeaderTree) GetBlock(hash chainhash.Hash) *types.ChainedHeaderBlock {
	e, ok := t.entries[hash]
	if !ok {
		return nil
	}
	return &types.ChainedHeaderBlock{Header: e.header, Block: e.block}
}

// State returns the validation and data state of hash.
func (t *HeaderTree) State(hash chainhash.Hash) (ValidationState, DataState, bool) {
	e, ok := t.entries[hash]
	if !ok {
		return 0, 0, false
	}
	return e.state, e.data, true
}

// IsKnownInvalid reports whether hash was marked invalid recently.
func (t *HeaderTree) IsKnownInvalid(hash chainhash.Hash) bool {
	return t.invalid.Contains(hash)
}

// PeerTip returns the tip claimed by peer.
func (t *HeaderTree) PeerTip(peer types.NodeID) *types.ChainedHeader {
	hash, ok := t.peerTips[peer]
	if !ok {
		return nil
	}
	return t.GetHeader(hash)
}

// PeersClaiming returns the peers whose claimed chain contains hash, sorted.
func (t *HeaderTree) PeersClaiming(hash chainhash.Hash) []types.NodeID {
	target, ok := t.entries[hash]
	if !ok {
		return nil
	}
	var peers []types.NodeID
	for peer, tipHash := range t.peerTips {
		if anc := t.ancestor(t.entries[tipHash], target.header.Height); anc == target {
			peers = append(peers, peer)
		}
	}
	sortNodeIDs(peers)
	return peers
}

// PeerDisconnected drops the claim of peer. Headers stay in the tree.
func (t *HeaderTree) PeerDisconnected(peer types.NodeID) {
	delete(t.peerTips, peer)
}

// HeaderContext returns the context a header extending prev is validated
// in.
func (t *HeaderTree) HeaderContext(prev chainhash.Hash) validation.HeaderContext {
	e, ok := t.entries[prev]
	if !ok {
		return validation.HeaderContext{}
	}
	return validation.HeaderContext{
		Prev:           e.header,
		MedianTimePast: t.medianTimePast(e.header, nil),
	}
}

// medianTimePast computes the median time past of the header following
// prev. staged holds headers not yet inserted.
func (t *HeaderTree) medianTimePast(prev *types.ChainedHeader, staged map[chainhash.Hash]*types.ChainedHeader) time.Time {
	headers := make([]*types.ChainedHeader, 0, types.MedianTimeBlocks)
	for cur := prev; cur != nil && len(headers) < types.MedianTimeBlocks; {
		headers = append(headers, cur)
		if cur.Height == 0 {
			break
		}
		prevHash := cur.PrevHash()
		if h, ok := staged[prevHash]; ok {
			cur = h
		} else if e, ok := t.entries[prevHash]; ok {
			cur = e.header
		} else if t.store != nil {
			cur = t.store.LoadHeader(prevHash)
		} else {
			cur = nil
		}
	}
	return types.MedianTimePast(headers)
}

// parent returns the entry of the predecessor, nil for the base.
func (t *HeaderTree) parent(e *entry) *entry {
	if e.header.Hash == t.base.Hash {
		return nil
	}
	return t.entries[e.header.PrevHash()]
}

// ancestor returns the ancestor of e at height, e itself included.
func (t *HeaderTree) ancestor(e *entry, height int64) *entry {
	for e != nil && e.header.Height > height {
		e = t.parent(e)
	}
	if e == nil || e.header.Height != height {
		return nil
	}
	return e
}

// forkPoint returns the highest active chain entry e descends from.
func (t *HeaderTree) forkPoint(e *entry) *entry {
	for e != nil && e.state != FullyValidated {
		e = t.parent(e)
	}
	return e
}

func (t *HeaderTree) minForkHeight() int64 {
	return t.tip.Height - t.cfg.MaxReorgLength
}

func sortNodeIDs(ids []types.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
