package blocksync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/test/factory"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

type peerBehaviour int

const (
	serve peerBehaviour = iota
	fail
	corrupt
	hang
)

type testPuller struct {
	mtx       sync.Mutex
	blocks    map[chainhash.Hash]*wire.MsgBlock
	behaviour map[types.NodeID]peerBehaviour
	calls     map[types.NodeID]int
	release   chan struct{}
}

func newTestPuller(blocks []*types.ChainedHeaderBlock) *testPuller {
	p := &testPuller{
		blocks:    make(map[chainhash.Hash]*wire.MsgBlock),
		behaviour: make(map[types.NodeID]peerBehaviour),
		calls:     make(map[types.NodeID]int),
		release:   make(chan struct{}),
	}
	for _, b := range blocks {
		p.blocks[b.Header.Hash] = b.Block
	}
	return p
}

func (p *testPuller) set(peer types.NodeID, b peerBehaviour) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.behaviour[peer] = b
}

func (p *testPuller) numCalls(peer types.NodeID) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.calls[peer]
}

func (p *testPuller) RequestBlock(ctx context.Context, peer types.NodeID, hash chainhash.Hash) ([]byte, error) {
	p.mtx.Lock()
	p.calls[peer]++
	behaviour := p.behaviour[peer]
	block := p.blocks[hash]
	p.mtx.Unlock()

	switch behaviour {
	case fail:
		return nil, errors.New("connection reset")
	case corrupt:
		for h, other := range p.blocks {
			if h != hash {
				block = other
				break
			}
		}
	case hang:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.release:
		}
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type delivery struct {
	hash  chainhash.Hash
	block *wire.MsgBlock
	peer  types.NodeID
}

type collector struct {
	ch chan delivery
}

func newCollector() *collector {
	return &collector{ch: make(chan delivery, 100)}
}

func (c *collector) cb(hash chainhash.Hash, block *wire.MsgBlock, peer types.NodeID) {
	c.ch <- delivery{hash: hash, block: block, peer: peer}
}

func (c *collector) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-c.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
	}
	return delivery{}
}

func (c *collector) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-c.ch:
		t.Fatalf("unexpected delivery of %v from %q", d.hash, d.peer)
	case <-time.After(wait):
	}
}

func makePool(t *testing.T, puller BlockPuller, modify func(*config.BlockSyncConfig)) *BlockPool {
	t.Helper()

	cfg := config.TestBlockSyncConfig()
	cfg.PeerTimeout = 200 * time.Millisecond
	if modify != nil {
		modify(cfg)
	}

	pool, err := NewBlockPool(log.TestingLogger(), cfg, puller, NopMetrics())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		if pool.IsRunning() {
			_ = pool.Stop()
		}
	})
	return pool
}

func TestBlockPoolDownloadsFromPeer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 5)
	puller := newTestPuller(blocks)
	pool := makePool(t, puller, nil)
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)

	got := make(map[chainhash.Hash]delivery)
	for range blocks {
		d := c.next(t)
		got[d.hash] = d
	}
	for _, b := range blocks {
		d, ok := got[b.Header.Hash]
		require.True(t, ok)
		assert.Equal(t, types.NodeID("a"), d.peer)
		assert.Equal(t, b.Header.Hash, d.block.BlockHash())
	}
	assert.Equal(t, Stats{Peers: 1}, pool.Stats())
}

func TestBlockPoolFallsBackToOtherPeer(t *testing.T) {
	testCases := map[string]peerBehaviour{
		"error":   fail,
		"corrupt": corrupt,
		"timeout": hang,
	}
	for desc, behaviour := range testCases {
		behaviour := behaviour
		t.Run(desc, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))

			blocks := factory.MakeChain(factory.Genesis().Header, 2)
			puller := newTestPuller(blocks)
			puller.set("bad", behaviour)
			pool := makePool(t, puller, nil)
			c := newCollector()

			// announcing peers are tried first
			pool.AddPeer("good")
			pool.DownloadBlocks([]types.NodeID{"bad"}, factory.ChainedHeaders(blocks[:1]), c.cb)

			d := c.next(t)
			assert.Equal(t, blocks[0].Header.Hash, d.hash)
			require.NotNil(t, d.block)
			assert.Equal(t, types.NodeID("good"), d.peer)
			assert.Equal(t, 1, puller.numCalls("bad"))
			c.expectNone(t, 50*time.Millisecond)
		})
	}
}

func TestBlockPoolAbandonsAfterMaxAttempts(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 1)
	puller := newTestPuller(blocks)
	puller.set("a", fail)
	puller.set("b", fail)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.MaxAttempts = 3 })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a", "b"}, factory.ChainedHeaders(blocks), c.cb)

	d := c.next(t)
	assert.Equal(t, blocks[0].Header.Hash, d.hash)
	assert.Nil(t, d.block)
	assert.Equal(t, types.NodeID(""), d.peer)
	assert.Equal(t, 3, puller.numCalls("a")+puller.numCalls("b"))
	assert.False(t, pool.IsRequested(blocks[0].Header.Hash))
	c.expectNone(t, 50*time.Millisecond)
}

func TestBlockPoolRemovePeerRequeues(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 3)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Stats{Peers: 1, Pending: 3, InFlight: 3}, pool.Stats())

	pool.AddPeer("b")
	pool.RemovePeer("a")

	for range blocks {
		d := c.next(t)
		require.NotNil(t, d.block)
		assert.Equal(t, types.NodeID("b"), d.peer)
	}
	assert.Equal(t, Stats{Peers: 1}, pool.Stats())
}

func TestBlockPoolWaitsForPeers(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 2)
	puller := newTestPuller(blocks)
	pool := makePool(t, puller, nil)
	c := newCollector()

	pool.DownloadBlocks(nil, factory.ChainedHeaders(blocks), c.cb)
	assert.Equal(t, Stats{Pending: 2, Waiting: 2}, pool.Stats())
	c.expectNone(t, 20*time.Millisecond)

	pool.AddPeer("a")
	c.next(t)
	c.next(t)
}

func TestBlockPoolMaxPendingPerPeer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 4)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) {
		cfg.MaxPendingPerPeer = 2
		cfg.PeerTimeout = time.Minute
	})
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	assert.Equal(t, Stats{Peers: 1, Pending: 4, InFlight: 2, Waiting: 2}, pool.Stats())

	close(puller.release)
	for range blocks {
		require.NotNil(t, c.next(t).block)
	}
}

func TestBlockPoolFirstDeliveryWins(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 1)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 1 }, time.Second, 5*time.Millisecond)

	pool.ProcessDownloadedBlock("b", blocks[0].Block)
	pool.ProcessDownloadedBlock("c", blocks[0].Block)
	close(puller.release)

	d := c.next(t)
	assert.Equal(t, types.NodeID("b"), d.peer)
	c.expectNone(t, 50*time.Millisecond)
}

func TestBlockPoolServesRecentBlocksFromCache(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 1)
	puller := newTestPuller(blocks)
	pool := makePool(t, puller, nil)
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	assert.Equal(t, types.NodeID("a"), c.next(t).peer)

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	d := c.next(t)
	assert.Equal(t, blocks[0].Header.Hash, d.hash)
	assert.NotNil(t, d.block)
	assert.Equal(t, 1, puller.numCalls("a"))
}

func TestBlockPoolCancelDownloads(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 2)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 2 }, time.Second, 5*time.Millisecond)

	pool.CancelDownloads([]chainhash.Hash{blocks[0].Header.Hash})
	assert.False(t, pool.IsRequested(blocks[0].Header.Hash))
	assert.True(t, pool.IsRequested(blocks[1].Header.Hash))

	d := c.next(t)
	assert.Equal(t, blocks[0].Header.Hash, d.hash)
	assert.Nil(t, d.block)

	close(puller.release)
	d = c.next(t)
	assert.Equal(t, blocks[1].Header.Hash, d.hash)
	assert.NotNil(t, d.block)
	c.expectNone(t, 50*time.Millisecond)
}

func TestBlockPoolNewPeerServesStrandedRequests(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 2)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 2 }, time.Second, 5*time.Millisecond)

	pool.RemovePeer("a")
	assert.Equal(t, Stats{Peers: 0, Pending: 2, InFlight: 0, Waiting: 2}, pool.Stats())

	pool.SetPeerBlocks("b", []chainhash.Hash{blocks[0].Header.Hash, blocks[1].Header.Hash})
	got := map[chainhash.Hash]types.NodeID{}
	for i := 0; i < 2; i++ {
		d := c.next(t)
		require.NotNil(t, d.block)
		got[d.hash] = d.peer
	}
	assert.Equal(t, map[chainhash.Hash]types.NodeID{
		blocks[0].Header.Hash: "b",
		blocks[1].Header.Hash: "b",
	}, got)
	close(puller.release)
}

func TestBlockPoolRepeatedRequestAddsPeer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 1)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	first, second := newCollector(), newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), first.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 1 }, time.Second, 5*time.Millisecond)
	pool.RemovePeer("a")
	assert.Equal(t, 1, pool.Stats().Waiting)

	pool.DownloadBlocks([]types.NodeID{"b"}, factory.ChainedHeaders(blocks), second.cb)
	assert.Equal(t, types.NodeID("b"), first.next(t).peer)
	assert.Equal(t, types.NodeID("b"), second.next(t).peer)
	assert.Equal(t, 1, puller.numCalls("b"))
	close(puller.release)
}

func TestBlockPoolStopDropsCallbacks(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 3)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	c := newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, pool.Stop())
	c.expectNone(t, 50*time.Millisecond)

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), c.cb)
	assert.Equal(t, 0, pool.Stats().Pending)
	c.expectNone(t, 20*time.Millisecond)
}

func TestBlockPoolDuplicateRequestsShareDownload(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	blocks := factory.MakeChain(factory.Genesis().Header, 1)
	puller := newTestPuller(blocks)
	puller.set("a", hang)
	pool := makePool(t, puller, func(cfg *config.BlockSyncConfig) { cfg.PeerTimeout = time.Minute })
	first, second := newCollector(), newCollector()

	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), first.cb)
	require.Eventually(t, func() bool { return puller.numCalls("a") == 1 }, time.Second, 5*time.Millisecond)
	pool.DownloadBlocks([]types.NodeID{"a"}, factory.ChainedHeaders(blocks), second.cb)
	assert.Equal(t, 1, pool.Stats().Pending)

	close(puller.release)
	assert.Equal(t, blocks[0].Header.Hash, first.next(t).hash)
	assert.Equal(t, blocks[0].Header.Hash, second.next(t).hash)
	assert.Equal(t, 1, puller.numCalls("a"))
}
