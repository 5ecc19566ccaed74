package headertree

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// EntrySnapshot is the observable state of one header.
type EntrySnapshot struct {
	Hash     chainhash.Hash
	Prev     chainhash.Hash
	Height   int64
	State    ValidationState
	Data     DataState
	HasBlock bool
}

// Snapshot is a comparable copy of the tree state.
type Snapshot struct {
	Tip     chainhash.Hash
	Base    chainhash.Hash
	Entries []EntrySnapshot
	Claims  map[types.NodeID]chainhash.Hash
}

// Snapshot returns the current state of the tree. Entries are ordered by
// height, then hash.
func (t *HeaderTree) Snapshot() Snapshot {
	s := Snapshot{
		Tip:     t.tip.Hash,
		Base:    t.base.Hash,
		Entries: make([]EntrySnapshot, 0, len(t.entries)),
		Claims:  make(map[types.NodeID]chainhash.Hash, len(t.peerTips)),
	}
	for _, e := range t.entries {
		s.Entries = append(s.Entries, EntrySnapshot{
			Hash:     e.header.Hash,
			Prev:     e.header.PrevHash(),
			Height:   e.header.Height,
			State:    e.state,
			Data:     e.data,
			HasBlock: e.block != nil,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool {
		a, b := s.Entries[i], s.Entries[j]
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.Hash.String() < b.Hash.String()
	})
	for peer, hash := range t.peerTips {
		s.Claims[peer] = hash
	}
	return s
}
