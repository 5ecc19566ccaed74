package factory

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// BlockInterval is the timestamp distance between two generated blocks.
const BlockInterval = 10 * time.Minute

// Params are the chain parameters generated blocks are valid for.
var Params = &chaincfg.RegressionNetParams

// Genesis returns the regtest genesis block.
func Genesis() *types.ChainedHeaderBlock {
	block := Params.GenesisBlock
	return &types.ChainedHeaderBlock{
		Header: types.NewGenesisChainedHeader(block.Header),
		Block:  block,
	}
}

type blockConfig struct {
	tag       uint32
	timestamp time.Time
	bits      uint32
	txs       []*wire.MsgTx
	solve     bool
}

// BlockOption customizes a generated block.
type BlockOption func(*blockConfig)

// WithTag makes the coinbase of the block distinct from blocks built at the
// same height with another tag, so that sibling branches get distinct
// hashes.
func WithTag(tag uint32) BlockOption {
	return func(c *blockConfig) { c.tag = tag }
}

// WithTimestamp overrides the header timestamp.
func WithTimestamp(ts time.Time) BlockOption {
	return func(c *blockConfig) { c.timestamp = ts }
}

// WithBits overrides the difficulty bits.
func WithBits(bits uint32) BlockOption {
	return func(c *blockConfig) { c.bits = bits }
}

// WithTxs appends transactions after the coinbase.
func WithTxs(txs ...*wire.MsgTx) BlockOption {
	return func(c *blockConfig) { c.txs = append(c.txs, txs...) }
}

// Unsolved skips the proof of work search. The resulting header most likely
// fails the proof of work check.
func Unsolved() BlockOption {
	return func(c *blockConfig) { c.solve = false }
}

// MakeBlock builds a block extending parent with a solved proof of work.
func MakeBlock(parent *types.ChainedHeader, opts ...BlockOption) *types.ChainedHeaderBlock {
	cfg := blockConfig{
		timestamp: parent.Time().Add(BlockInterval),
		bits:      Params.PowLimitBits,
		solve:     true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	height := parent.Height + 1
	txs := append([]*wire.MsgTx{Coinbase(height, cfg.tag)}, cfg.txs...)

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:    4,
		PrevBlock:  parent.Hash,
		MerkleRoot: MerkleRoot(txs),
		Timestamp:  time.Unix(cfg.timestamp.Unix(), 0),
		Bits:       cfg.bits,
	})
	for _, tx := range txs {
		if err := block.AddTransaction(tx); err != nil {
			panic(err)
		}
	}
	if cfg.solve {
		Solve(&block.Header)
	}

	return &types.ChainedHeaderBlock{
		Header: types.NewChainedHeader(block.Header, parent),
		Block:  block,
	}
}

// MakeChain builds n blocks on top of parent.
func MakeChain(parent *types.ChainedHeader, n int, opts ...BlockOption) []*types.ChainedHeaderBlock {
	chain := make([]*types.ChainedHeaderBlock, 0, n)
	for i := 0; i < n; i++ {
		chb := MakeBlock(parent, opts...)
		chain = append(chain, chb)
		parent = chb.Header
	}
	return chain
}

// Headers returns the wire headers of blocks, as a peer would announce them.
func Headers(blocks []*types.ChainedHeaderBlock) []wire.BlockHeader {
	out := make([]wire.BlockHeader, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Block.Header)
	}
	return out
}

// ChainedHeaders returns the chained headers of blocks.
func ChainedHeaders(blocks []*types.ChainedHeaderBlock) []*types.ChainedHeader {
	out := make([]*types.ChainedHeader, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.Header)
	}
	return out
}

// Tip returns the last header of blocks.
func Tip(blocks []*types.ChainedHeaderBlock) *types.ChainedHeader {
	return blocks[len(blocks)-1].Header
}

// Coinbase returns a coinbase paying the block subsidy to an anyone-can-spend
// script.
func Coinbase(height int64, tag uint32) *wire.MsgTx {
	script := make([]byte, 8)
	binary.LittleEndian.PutUint32(script[:4], uint32(height))
	binary.LittleEndian.PutUint32(script[4:], tag)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), script, nil))
	tx.AddTxOut(wire.NewTxOut(blockchain.CalcBlockSubsidy(int32(height), Params), []byte{0x51}))
	return tx
}

// Spend returns a transaction spending output index of prev into outputs
// of the given values.
func Spend(prev *wire.MsgTx, index uint32, values ...int64) *wire.MsgTx {
	hash := prev.TxHash()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, index), nil, nil))
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, []byte{0x51}))
	}
	return tx
}

// MerkleRoot computes the merkle root of txs.
func MerkleRoot(txs []*wire.MsgTx) chainhash.Hash {
	utxs := make([]*btcutil.Tx, 0, len(txs))
	for _, tx := range txs {
		utxs = append(utxs, btcutil.NewTx(tx))
	}
	merkles := blockchain.BuildMerkleTreeStore(utxs, false)
	return *merkles[len(merkles)-1]
}

// Solve searches a nonce satisfying the header's own target.
func Solve(header *wire.BlockHeader) {
	target := blockchain.CompactToBig(header.Bits)
	for nonce := uint32(0); ; nonce++ {
		header.Nonce = nonce
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		if nonce == ^uint32(0) {
			panic("no nonce solves the header")
		}
	}
}
