package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// ImportPeer is the peer ID under which imported blocks are presented.
const ImportPeer types.NodeID = "import"

const maxHeadersPerBatch = 2000

// ErrImportRejected is returned when the imported chain is not accepted.
var ErrImportRejected = errors.New("imported chain was rejected")

// FilePuller serves blocks read from a file of concatenated serialized
// blocks, standing in for a peer.
type FilePuller struct {
	mtx    sync.RWMutex
	blocks map[chainhash.Hash][]byte
}

// NewFilePuller returns an empty FilePuller.
func NewFilePuller() *FilePuller {
	return &FilePuller{blocks: make(map[chainhash.Hash][]byte)}
}

// Load reads blocks from r until EOF and returns their headers in file
// order.
func (p *FilePuller) Load(r io.Reader) ([]wire.BlockHeader, error) {
	br := bufio.NewReader(r)

	var headers []wire.BlockHeader
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return headers, nil
		}
		block := new(wire.MsgBlock)
		if err := block.Deserialize(br); err != nil {
			return nil, fmt.Errorf("reading block %d: %w", len(headers), err)
		}
		var buf bytes.Buffer
		if err := block.Serialize(&buf); err != nil {
			return nil, err
		}

		p.mtx.Lock()
		p.blocks[block.BlockHash()] = buf.Bytes()
		p.mtx.Unlock()
		headers = append(headers, block.Header)
	}
}

// RequestBlock implements blocksync.BlockPuller.
func (p *FilePuller) RequestBlock(ctx context.Context, peer types.NodeID, hash chainhash.Hash) ([]byte, error) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	bz, ok := p.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block %v not in import file", hash)
	}
	return bz, nil
}

// Import presents headers as announced by ImportPeer and waits until the
// tip reaches the last of them. The bodies are fetched through the block
// pool, so the node must have been built with a puller serving them.
func (n *Node) Import(ctx context.Context, headers []wire.BlockHeader) (*types.ChainedHeader, error) {
	if len(headers) == 0 {
		return n.consensus.GetTip(), nil
	}
	target := headers[len(headers)-1].BlockHash()

	sub, err := n.eventBus.Subscribe(ctx, "import", 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = n.eventBus.Unsubscribe(sub.ID()) }()

	// headers the node already has are skipped by the header tree, but the
	// first batch must connect
	for start := 0; start < len(headers); start += maxHeadersPerBatch {
		end := start + maxHeadersPerBatch
		if end > len(headers) {
			end = len(headers)
		}
		if _, err := n.consensus.HeadersPresented(ctx, ImportPeer, headers[start:end]); err != nil {
			return nil, err
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if tip := n.consensus.GetTip(); tip.Hash == target {
			return tip, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.Out():
		case <-sub.Canceled():
			return nil, sub.Err()
		case <-ticker.C:
			if _, ok := n.consensus.Snapshot().Claims[ImportPeer]; !ok {
				return nil, fmt.Errorf("%w: stopped at %v", ErrImportRejected, n.consensus.GetTip())
			}
			n.logger.Info("importing", "tip", n.consensus.GetTip(), "target", target)
		}
	}
}
