package store

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

/*
BlockStore is a simple low level store for fully validated blocks.

There are four types of information stored:
  - Header:  the block header with its height and cumulative work, by hash
  - Block:   the serialized block body, by hash
  - Height:  the hash of the active chain block at a height
  - Tip:     the hash of the persisted consensus tip

Headers and blocks of abandoned branches are kept; only the height index
follows the active chain.

// NOTE: BlockStore methods will panic if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db}
}

// LoadHeader returns the header with the given hash.
// If no header is found for that hash, it returns nil.
func (bs *BlockStore) LoadHeader(hash chainhash.Hash) *types.ChainedHeader {
	bz, err := bs.db.Get(headerKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}

	header, err := decodeHeader(bz)
	if err != nil {
		panic(fmt.Errorf("error reading header %v: %w", hash, err))
	}
	return header
}

// HasHeader reports whether the header with the given hash was stored.
func (bs *BlockStore) HasHeader(hash chainhash.Hash) bool {
	ok, err := bs.db.Has(headerKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadBlock returns the block with the given hash.
// If no block is found for that hash, it returns nil.
func (bs *BlockStore) LoadBlock(hash chainhash.Hash) *wire.MsgBlock {
	bz, err := bs.db.Get(blockKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}

	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(bz)); err != nil {
		panic(fmt.Errorf("error reading block %v: %w", hash, err))
	}
	return block
}

// HasBlock reports whether the body of the given hash was stored.
func (bs *BlockStore) HasBlock(hash chainhash.Hash) bool {
	ok, err := bs.db.Has(blockKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadHeaderAtHeight returns the active chain header at height, or nil.
func (bs *BlockStore) LoadHeaderAtHeight(height int64) *types.ChainedHeader {
	bz, err := bs.db.Get(heightKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	hash, err := chainhash.NewHash(bz)
	if err != nil {
		panic(fmt.Errorf("error reading hash at height %d: %w", height, err))
	}
	return bs.LoadHeader(*hash)
}

// LoadTip returns the persisted consensus tip, or nil for an empty store.
func (bs *BlockStore) LoadTip() *types.ChainedHeader {
	bz, err := bs.db.Get(tipKey())
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	hash, err := chainhash.NewHash(bz)
	if err != nil {
		panic(fmt.Errorf("error reading tip: %w", err))
	}
	tip := bs.LoadHeader(*hash)
	if tip == nil {
		panic(fmt.Errorf("tip %v has no stored header", hash))
	}
	return tip
}

// LoadChain returns the active chain headers from height from up to the tip,
// in ascending order.
func (bs *BlockStore) LoadChain(from int64) []*types.ChainedHeader {
	tip := bs.LoadTip()
	if tip == nil {
		return nil
	}
	if from < 0 {
		from = 0
	}

	iter, err := bs.db.Iterator(heightKey(from), heightKey(tip.Height+1))
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	var chain []*types.ChainedHeader
	for ; iter.Valid(); iter.Next() {
		hash, err := chainhash.NewHash(iter.Value())
		if err != nil {
			panic(fmt.Errorf("error reading height index: %w", err))
		}
		header := bs.LoadHeader(*hash)
		if header == nil {
			panic(fmt.Errorf("height index points to missing header %v", hash))
		}
		chain = append(chain, header)
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return chain
}

// SaveBlock persists the header and the body of chb. Saving a block twice is
// a no-op.
func (bs *BlockStore) SaveBlock(chb *types.ChainedHeaderBlock) {
	if !chb.HasBlock() {
		panic("BlockStore can only save a block with a body")
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := bs.saveBlockToBatch(batch, chb); err != nil {
		panic(err)
	}
	if err := batch.WriteSync(); err != nil {
		panic(err)
	}
}

// SaveBlocks persists the header and the body of every block in one batch.
func (bs *BlockStore) SaveBlocks(blocks []*types.ChainedHeaderBlock) {
	if len(blocks) == 0 {
		return
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	for _, chb := range blocks {
		if !chb.HasBlock() {
			panic("BlockStore can only save a block with a body")
		}
		if err := bs.saveBlockToBatch(batch, chb); err != nil {
			panic(err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		panic(err)
	}
}

func (bs *BlockStore) saveBlockToBatch(batch dbm.Batch, chb *types.ChainedHeaderBlock) error {
	if chb.Block.Header.BlockHash() != chb.Header.Hash {
		return fmt.Errorf("BlockStore cannot save block %v under header %v",
			chb.Block.Header.BlockHash(), chb.Header.Hash)
	}

	var buf bytes.Buffer
	if err := chb.Block.Serialize(&buf); err != nil {
		return err
	}
	// Save the body before the header, since callers load the header first
	// as an indication that the block exists.
	if err := batch.Set(blockKey(chb.Header.Hash), buf.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(headerKey(chb.Header.Hash), mustEncodeHeader(chb.Header)); err != nil {
		return err
	}
	return nil
}

// PersistTip records tip as the consensus tip. connected lists the headers
// that joined the active chain since the previous tip, in ascending order;
// height entries above the new tip left by a longer old chain are removed.
func (bs *BlockStore) PersistTip(tip *types.ChainedHeader, connected []*types.ChainedHeader) error {
	if tip == nil {
		return errors.New("nil tip")
	}
	if !bs.HasHeader(tip.Hash) && !containsHash(connected, tip.Hash) {
		return fmt.Errorf("tip %v was not saved", tip)
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if old := bs.LoadTip(); old != nil {
		for h := tip.Height + 1; h <= old.Height; h++ {
			if err := batch.Delete(heightKey(h)); err != nil {
				return err
			}
		}
	}
	for _, header := range connected {
		if err := batch.Set(headerKey(header.Hash), mustEncodeHeader(header)); err != nil {
			return err
		}
		if err := batch.Set(heightKey(header.Height), header.Hash[:]); err != nil {
			return err
		}
	}
	if err := batch.Set(tipKey(), tip.Hash[:]); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func containsHash(headers []*types.ChainedHeader, hash chainhash.Hash) bool {
	for _, h := range headers {
		if h.Hash == hash {
			return true
		}
	}
	return false
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	// prefixes are unique across all the node's dbs
	prefixHeader = int64(0)
	prefixBlock  = int64(1)
	prefixHeight = int64(2)
	prefixTip    = int64(3)
)

func headerKey(hash chainhash.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func blockKey(hash chainhash.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func heightKey(height int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeight, height)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHeightKey(key []byte) (height int64, err error) {
	var prefix int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &height)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeight {
		return -1, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeight, prefix)
	}
	return
}

func tipKey() []byte {
	key, err := orderedcode.Append(nil, prefixTip)
	if err != nil {
		panic(err)
	}
	return key
}

//---------------------------------- VALUE ENCODING -----------------------------------------

// mustEncodeHeader serializes a ChainedHeader and panics if it fails
func mustEncodeHeader(header *types.ChainedHeader) []byte {
	var buf bytes.Buffer
	if err := header.Header.Serialize(&buf); err != nil {
		panic(fmt.Errorf("unable to encode header: %w", err))
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(header.Height)); err != nil {
		panic(fmt.Errorf("unable to encode height: %w", err))
	}
	if err := wire.WriteVarBytes(&buf, 0, header.ChainWork.Bytes()); err != nil {
		panic(fmt.Errorf("unable to encode chain work: %w", err))
	}
	return buf.Bytes()
}

func decodeHeader(bz []byte) (*types.ChainedHeader, error) {
	r := bytes.NewReader(bz)

	var header wire.BlockHeader
	if err := header.Deserialize(r); err != nil {
		return nil, err
	}
	height, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	work, err := wire.ReadVarBytes(r, 0, 64, "chainwork")
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}

	return &types.ChainedHeader{
		Header:    header,
		Hash:      header.BlockHash(),
		Height:    int64(height),
		ChainWork: new(big.Int).SetBytes(work),
	}, nil
}
