package types

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MedianTimeBlocks is the number of previous headers used to compute the
// median time past of a header.
const MedianTimeBlocks = 11

// ChainedHeader is a block header together with the metadata the node
// computes when the header is linked into a chain: its height, its hash and
// the cumulative work of the chain ending at it.
//
// A ChainedHeader is immutable. The predecessor is referenced by hash
// (Header.PrevBlock); the header tree resolves it.
type ChainedHeader struct {
	Header    wire.BlockHeader
	Hash      chainhash.Hash
	Height    int64
	ChainWork *big.Int
}

// NewGenesisChainedHeader returns the root of a chain.
func NewGenesisChainedHeader(header wire.BlockHeader) *ChainedHeader {
	return &ChainedHeader{
		Header:    header,
		Hash:      header.BlockHash(),
		Height:    0,
		ChainWork: blockchain.CalcWork(header.Bits),
	}
}

// NewChainedHeader links header on top of prev. The caller must make sure
// header.PrevBlock equals prev.Hash.
func NewChainedHeader(header wire.BlockHeader, prev *ChainedHeader) *ChainedHeader {
	work := new(big.Int).Add(prev.ChainWork, blockchain.CalcWork(header.Bits))
	return &ChainedHeader{
		Header:    header,
		Hash:      header.BlockHash(),
		Height:    prev.Height + 1,
		ChainWork: work,
	}
}

// PrevHash returns the hash of the predecessor.
func (ch *ChainedHeader) PrevHash() chainhash.Hash {
	return ch.Header.PrevBlock
}

// Work returns the work contributed by this header alone.
func (ch *ChainedHeader) Work() *big.Int {
	return blockchain.CalcWork(ch.Header.Bits)
}

// Time returns the header timestamp.
func (ch *ChainedHeader) Time() time.Time {
	return ch.Header.Timestamp
}

// HasMoreWorkThan reports whether ch has strictly more cumulative work than
// other.
func (ch *ChainedHeader) HasMoreWorkThan(other *ChainedHeader) bool {
	return ch.ChainWork.Cmp(other.ChainWork) > 0
}

// Equal compares headers by hash.
func (ch *ChainedHeader) Equal(other *ChainedHeader) bool {
	if ch == nil || other == nil {
		return ch == other
	}
	return ch.Hash == other.Hash
}

func (ch *ChainedHeader) String() string {
	if ch == nil {
		return "nil-ChainedHeader"
	}
	return fmt.Sprintf("%d-%v", ch.Height, ch.Hash)
}

// MedianTimePast returns the median timestamp of the given headers, which the
// caller orders from newest to oldest.
func MedianTimePast(headers []*ChainedHeader) time.Time {
	if len(headers) == 0 {
		return time.Time{}
	}

	timestamps := make([]int64, 0, len(headers))
	for _, h := range headers {
		timestamps = append(timestamps, h.Header.Timestamp.Unix())
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return time.Unix(timestamps[len(timestamps)/2], 0)
}

// ChainedHeaderBlock pairs a ChainedHeader with its block body. Block is nil
// until the body has been downloaded or loaded from storage.
type ChainedHeaderBlock struct {
	Header *ChainedHeader
	Block  *wire.MsgBlock
}

// HasBlock reports whether the body is present.
func (chb *ChainedHeaderBlock) HasBlock() bool {
	return chb != nil && chb.Block != nil
}

func (chb *ChainedHeaderBlock) String() string {
	if chb == nil {
		return "nil-ChainedHeaderBlock"
	}
	return fmt.Sprintf("%v (body: %t)", chb.Header, chb.Block != nil)
}

// Hashes returns the hashes of the given headers in order.
func Hashes(headers []*ChainedHeader) []chainhash.Hash {
	out := make([]chainhash.Hash, 0, len(headers))
	for _, h := range headers {
		out = append(out, h.Hash)
	}
	return out
}
