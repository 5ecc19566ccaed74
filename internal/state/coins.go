package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var (
	// ErrMissingInput is returned when a transaction spends an output that is
	// not in the coin set.
	ErrMissingInput = errors.New("missing or spent input")

	// ErrInsufficientInputs is returned when a transaction creates more value
	// than it spends.
	ErrInsufficientInputs = errors.New("outputs exceed inputs")

	// ErrBadCoinbaseValue is returned when the coinbase claims more than the
	// block subsidy plus fees.
	ErrBadCoinbaseValue = errors.New("coinbase pays more than subsidy and fees")

	// ErrNotTip is returned when a block is applied or rolled back out of
	// chain order.
	ErrNotTip = errors.New("block does not match the chain state tip")
)

// Coin is an unspent transaction output.
type Coin struct {
	Output   wire.TxOut
	Height   int64
	Coinbase bool
}

type spentCoin struct {
	OutPoint wire.OutPoint
	Coin     Coin
}

/*
CoinStore is the chain state: the set of unspent outputs at the consensus
tip, together with one undo record per connected block so that blocks can be
rolled back.

Mutations (Apply, Rollback) are staged in memory and only reach the database
on Commit, in a single batch. Discard drops them. Readers (GetCoin, Tip)
always observe the last committed state.

Apply, Rollback, Commit and Discard must be called by a single writer.
*/
type CoinStore struct {
	logger log.Logger
	params *chaincfg.Params
	db     dbm.DB

	mtx       sync.RWMutex
	committed chainhash.Hash

	// staging, owned by the writer
	stagedTip    chainhash.Hash
	stagedCoins  map[wire.OutPoint]*Coin // nil means spent
	stagedUndo   map[chainhash.Hash][]spentCoin
	removedUndo  map[chainhash.Hash]struct{}
	stagedHeight int64
	stagedDirty  bool
}

// NewCoinStore opens the chain state in db. An empty database starts at the
// genesis block of params, whose outputs are not spendable.
func NewCoinStore(db dbm.DB, params *chaincfg.Params, logger log.Logger) (*CoinStore, error) {
	cs := &CoinStore{
		logger: logger,
		params: params,
		db:     db,
	}

	bz, err := db.Get(coinTipKey)
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		cs.committed = *params.GenesisHash
		if err := db.SetSync(coinTipKey, cs.committed[:]); err != nil {
			return nil, err
		}
	} else {
		hash, err := chainhash.NewHash(bz)
		if err != nil {
			return nil, fmt.Errorf("corrupted chain state tip: %w", err)
		}
		cs.committed = *hash
	}

	cs.resetStaging()
	return cs, nil
}

func (cs *CoinStore) resetStaging() {
	cs.stagedTip = cs.committed
	cs.stagedCoins = make(map[wire.OutPoint]*Coin)
	cs.stagedUndo = make(map[chainhash.Hash][]spentCoin)
	cs.removedUndo = make(map[chainhash.Hash]struct{})
	cs.stagedDirty = false
}

// Tip returns the hash of the last committed block.
func (cs *CoinStore) Tip() chainhash.Hash {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.committed
}

// GetCoin returns the committed coin at op.
func (cs *CoinStore) GetCoin(op wire.OutPoint) (*Coin, bool, error) {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.loadCoin(op)
}

func (cs *CoinStore) loadCoin(op wire.OutPoint) (*Coin, bool, error) {
	bz, err := cs.db.Get(coinKey(op))
	if err != nil {
		return nil, false, err
	}
	if len(bz) == 0 {
		return nil, false, nil
	}
	coin, err := decodeCoin(bytes.NewReader(bz))
	if err != nil {
		return nil, false, fmt.Errorf("corrupted coin %v: %w", op, err)
	}
	return coin, true, nil
}

// stagedCoin looks op up in the staging area first, then in the database.
func (cs *CoinStore) stagedCoin(op wire.OutPoint) (*Coin, bool, error) {
	if coin, ok := cs.stagedCoins[op]; ok {
		return coin, coin != nil, nil
	}
	return cs.loadCoin(op)
}

// Apply connects chb on top of the staged tip: it spends the inputs of every
// transaction and adds its outputs. On error the staging area is left
// untouched by this block.
func (cs *CoinStore) Apply(ctx context.Context, chb *types.ChainedHeaderBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !chb.HasBlock() {
		return fmt.Errorf("apply %v: %w", chb, types.ErrUnknownBlock)
	}
	if chb.Header.PrevHash() != cs.stagedTip {
		return fmt.Errorf("apply %v on %v: %w", chb.Header, cs.stagedTip, ErrNotTip)
	}

	var (
		height  = chb.Header.Height
		changes = make(map[wire.OutPoint]*Coin)
		undo    []spentCoin
		fees    int64
	)
	lookup := func(op wire.OutPoint) (*Coin, bool, error) {
		if coin, ok := changes[op]; ok {
			return coin, coin != nil, nil
		}
		return cs.stagedCoin(op)
	}

	for i, tx := range chb.Block.Transactions {
		txHash := tx.TxHash()
		isCoinbase := i == 0

		if !isCoinbase {
			var in int64
			for _, txIn := range tx.TxIn {
				coin, ok, err := lookup(txIn.PreviousOutPoint)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("tx %v spends %v: %w", txHash, txIn.PreviousOutPoint, ErrMissingInput)
				}
				in += coin.Output.Value
				undo = append(undo, spentCoin{OutPoint: txIn.PreviousOutPoint, Coin: *coin})
				changes[txIn.PreviousOutPoint] = nil
			}
			var out int64
			for _, txOut := range tx.TxOut {
				out += txOut.Value
			}
			if out > in {
				return fmt.Errorf("tx %v: %d > %d: %w", txHash, out, in, ErrInsufficientInputs)
			}
			fees += in - out
		}

		for idx, txOut := range tx.TxOut {
			op := wire.OutPoint{Hash: txHash, Index: uint32(idx)}
			changes[op] = &Coin{Output: *txOut, Height: height, Coinbase: isCoinbase}
		}
	}

	var coinbaseOut int64
	for _, txOut := range chb.Block.Transactions[0].TxOut {
		coinbaseOut += txOut.Value
	}
	subsidy := blockchain.CalcBlockSubsidy(int32(height), cs.params)
	if coinbaseOut > subsidy+fees {
		return fmt.Errorf("coinbase of %v pays %v, allowed %v: %w", chb.Header,
			btcutil.Amount(coinbaseOut), btcutil.Amount(subsidy+fees), ErrBadCoinbaseValue)
	}

	for op, coin := range changes {
		cs.stagedCoins[op] = coin
	}
	cs.stagedUndo[chb.Header.Hash] = undo
	delete(cs.removedUndo, chb.Header.Hash)
	cs.stagedTip = chb.Header.Hash
	cs.stagedHeight = height
	cs.stagedDirty = true
	return nil
}

// Rollback disconnects chb, which must be the staged tip, restoring the
// outputs it spent.
func (cs *CoinStore) Rollback(ctx context.Context, chb *types.ChainedHeaderBlock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !chb.HasBlock() {
		return fmt.Errorf("rollback %v: %w", chb, types.ErrUnknownBlock)
	}
	if chb.Header.Hash != cs.stagedTip {
		return fmt.Errorf("rollback %v with tip %v: %w", chb.Header, cs.stagedTip, ErrNotTip)
	}

	undo, err := cs.loadUndo(chb.Header.Hash)
	if err != nil {
		return err
	}

	for _, tx := range chb.Block.Transactions {
		txHash := tx.TxHash()
		for idx := range tx.TxOut {
			cs.stagedCoins[wire.OutPoint{Hash: txHash, Index: uint32(idx)}] = nil
		}
	}
	for i := len(undo) - 1; i >= 0; i-- {
		coin := undo[i].Coin
		cs.stagedCoins[undo[i].OutPoint] = &coin
	}

	delete(cs.stagedUndo, chb.Header.Hash)
	cs.removedUndo[chb.Header.Hash] = struct{}{}
	cs.stagedTip = chb.Header.PrevHash()
	cs.stagedHeight = chb.Header.Height - 1
	cs.stagedDirty = true
	return nil
}

func (cs *CoinStore) loadUndo(hash chainhash.Hash) ([]spentCoin, error) {
	if undo, ok := cs.stagedUndo[hash]; ok {
		return undo, nil
	}
	if _, ok := cs.removedUndo[hash]; ok {
		return nil, fmt.Errorf("undo record of %v already consumed", hash)
	}
	bz, err := cs.db.Get(undoKey(hash))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, fmt.Errorf("no undo record for %v", hash)
	}
	return decodeUndo(bz)
}

// Commit writes every staged change and the staged tip in one batch.
func (cs *CoinStore) Commit() error {
	if !cs.stagedDirty {
		return nil
	}

	batch := cs.db.NewBatch()
	defer batch.Close()

	for op, coin := range cs.stagedCoins {
		if coin == nil {
			if err := batch.Delete(coinKey(op)); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(coinKey(op), encodeCoin(coin)); err != nil {
			return err
		}
	}
	for hash := range cs.removedUndo {
		if err := batch.Delete(undoKey(hash)); err != nil {
			return err
		}
	}
	for hash, undo := range cs.stagedUndo {
		if err := batch.Set(undoKey(hash), encodeUndo(undo)); err != nil {
			return err
		}
	}
	if err := batch.Set(coinTipKey, cs.stagedTip[:]); err != nil {
		return err
	}

	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	if err := batch.WriteSync(); err != nil {
		return err
	}

	cs.logger.Debug("committed chain state", "tip", cs.stagedTip, "height", cs.stagedHeight,
		"coins", len(cs.stagedCoins))
	cs.committed = cs.stagedTip
	cs.resetStaging()
	return nil
}

// Discard drops every staged change; the chain state is back at the last
// committed tip.
func (cs *CoinStore) Discard() {
	cs.resetStaging()
}

// Close closes the underlying database.
func (cs *CoinStore) Close() error {
	return cs.db.Close()
}

//---------------------------------- ENCODING -----------------------------------------

// key prefixes
const (
	prefixCoin    = int64(16)
	prefixUndo    = int64(17)
	prefixCoinTip = int64(18)
)

var coinTipKey = mustKey(prefixCoinTip)

func coinKey(op wire.OutPoint) []byte {
	return mustKey(prefixCoin, string(op.Hash[:]), uint64(op.Index))
}

func undoKey(hash chainhash.Hash) []byte {
	return mustKey(prefixUndo, string(hash[:]))
}

func mustKey(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(err)
	}
	return key
}

func writeCoin(w *bytes.Buffer, coin *Coin) {
	flags := uint64(coin.Height) << 1
	if coin.Coinbase {
		flags |= 1
	}
	if err := wire.WriteVarInt(w, 0, flags); err != nil {
		panic(err)
	}
	if err := wire.WriteVarInt(w, 0, uint64(coin.Output.Value)); err != nil {
		panic(err)
	}
	if err := wire.WriteVarBytes(w, 0, coin.Output.PkScript); err != nil {
		panic(err)
	}
}

func encodeCoin(coin *Coin) []byte {
	var buf bytes.Buffer
	writeCoin(&buf, coin)
	return buf.Bytes()
}

func decodeCoin(r *bytes.Reader) (*Coin, error) {
	flags, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	value, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	script, err := wire.ReadVarBytes(r, 0, wire.MaxMessagePayload, "pkscript")
	if err != nil {
		return nil, err
	}
	return &Coin{
		Output:   wire.TxOut{Value: int64(value), PkScript: script},
		Height:   int64(flags >> 1),
		Coinbase: flags&1 == 1,
	}, nil
}

func encodeUndo(undo []spentCoin) []byte {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(undo))); err != nil {
		panic(err)
	}
	for _, sc := range undo {
		buf.Write(sc.OutPoint.Hash[:])
		if err := wire.WriteVarInt(&buf, 0, uint64(sc.OutPoint.Index)); err != nil {
			panic(err)
		}
		writeCoin(&buf, &sc.Coin)
	}
	return buf.Bytes()
}

func decodeUndo(bz []byte) ([]spentCoin, error) {
	r := bytes.NewReader(bz)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(bz)) {
		return nil, fmt.Errorf("undo record claims %d entries in %d bytes", n, len(bz))
	}
	undo := make([]spentCoin, 0, n)
	for i := uint64(0); i < n; i++ {
		var sc spentCoin
		if _, err := io.ReadFull(r, sc.OutPoint.Hash[:]); err != nil {
			return nil, err
		}
		index, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		sc.OutPoint.Index = uint32(index)
		coin, err := decodeCoin(r)
		if err != nil {
			return nil, err
		}
		sc.Coin = *coin
		undo = append(undo, sc)
	}
	return undo, nil
}
