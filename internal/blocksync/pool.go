package blocksync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/creachadair/taskgroup"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mroth/weightedrand"
	"golang.org/x/time/rate"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/service"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

/*
BlockPool turns headers needing a body into block requests to peers.

Every hash has at most one request at a time, served by one peer. A request
that fails (error, timeout, corrupt bytes, peer removed) moves to another
peer, preferring the peers that announced the block and, among them, the
ones that delivered most reliably. After MaxAttempts failures the block is
abandoned and the callback receives a nil block.

Callbacks run on a pool goroutine, never under the pool lock, and at most
once per request. Once the pool is stopped no callback is invoked.
*/
var (
	errCorruptBlock = errors.New("block does not match the requested hash")
	errPeerRemoved  = errors.New("peer removed")
	errNoBlock      = errors.New("peer returned no block")
)

// BlockPuller fetches the serialized block with the given hash from a peer.
type BlockPuller interface {
	RequestBlock(ctx context.Context, peer types.NodeID, hash chainhash.Hash) ([]byte, error)
}

// DownloadedFunc receives downloaded blocks. block is nil when the download
// was abandoned; peer is then empty.
type DownloadedFunc func(hash chainhash.Hash, block *wire.MsgBlock, peer types.NodeID)

type bpRequest struct {
	hash      chainhash.Hash
	height    int64
	preferred []types.NodeID
	tried     map[types.NodeID]struct{}
	attempts  int
	cbs       []DownloadedFunc

	// set while a peer serves the request
	peer    types.NodeID
	token   uint64
	sentAt  time.Time
	cancel  context.CancelFunc
	lastErr error
}

func (req *bpRequest) addPreferred(peers []types.NodeID) {
	for _, peer := range peers {
		known := false
		for _, id := range req.preferred {
			if id == peer {
				known = true
				break
			}
		}
		if !known {
			req.preferred = append(req.preferred, peer)
		}
	}
}

type bpPeer struct {
	id        types.NodeID
	pending   int
	delivered int
	failed    int
	limiter   *rate.Limiter
}

// score weighs a peer for selection: reliable peers are picked more often
// but every peer keeps a chance.
func (p *bpPeer) score() uint {
	return uint(1 + 100*(p.delivered+1)/(p.delivered+p.failed+1))
}

// Stats is a point in time view of the pool.
type Stats struct {
	Peers    int
	Pending  int
	InFlight int
	Waiting  int
}

// BlockPool coordinates block downloads.
type BlockPool struct {
	service.BaseService
	logger log.Logger

	cfg     *config.BlockSyncConfig
	puller  BlockPuller
	metrics *Metrics

	mtx       sync.Mutex
	requests  map[chainhash.Hash]*bpRequest
	peers     map[types.NodeID]*bpPeer
	recent    *lru.Cache // chainhash.Hash -> *wire.MsgBlock
	nextToken uint64

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group
}

// NewBlockPool returns a pool requesting blocks through puller.
func NewBlockPool(logger log.Logger, cfg *config.BlockSyncConfig, puller BlockPuller, metrics *Metrics) (*BlockPool, error) {
	recent, err := lru.New(cfg.DeliveredCacheSize)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NopMetrics()
	}

	pool := &BlockPool{
		logger:   logger,
		cfg:      cfg,
		puller:   puller,
		metrics:  metrics,
		requests: make(map[chainhash.Hash]*bpRequest),
		peers:    make(map[types.NodeID]*bpPeer),
		recent:   recent,
	}
	pool.BaseService = *service.NewBaseService(logger, "BlockPool", pool)
	return pool, nil
}

// OnStart implements service.Service.
func (pool *BlockPool) OnStart(ctx context.Context) error {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	pool.ctx, pool.cancel = context.WithCancel(ctx)
	pool.tasks = taskgroup.New(nil)
	return nil
}

// OnStop implements service.Service. In-flight downloads are abandoned
// without invoking their callback.
func (pool *BlockPool) OnStop() {
	pool.mtx.Lock()
	pool.cancel()
	for hash := range pool.requests {
		delete(pool.requests, hash)
	}
	pool.metrics.PendingRequests.Set(0)
	tasks := pool.tasks
	pool.mtx.Unlock()

	_ = tasks.Wait()
}

// AddPeer makes peer available for requests. Requests waiting for a peer
// are dispatched.
func (pool *BlockPool) AddPeer(peer types.NodeID) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	pool.addPeer(peer)
	pool.dispatchWaiting()
}

func (pool *BlockPool) addPeer(peer types.NodeID) *bpPeer {
	if p, ok := pool.peers[peer]; ok {
		return p
	}
	limit, burst := rate.Inf, 0
	if pool.cfg.PeerRequestRate > 0 {
		limit, burst = rate.Limit(pool.cfg.PeerRequestRate), pool.cfg.PeerRequestBurst
	}
	p := &bpPeer{id: peer, limiter: rate.NewLimiter(limit, burst)}
	pool.peers[peer] = p
	pool.logger.Debug("added peer", "peer", peer, "num_peers", len(pool.peers))
	return p
}

// RemovePeer forgets peer. Its in-flight requests move to other peers.
func (pool *BlockPool) RemovePeer(peer types.NodeID) {
	pool.mtx.Lock()
	if _, ok := pool.peers[peer]; !ok {
		pool.mtx.Unlock()
		return
	}
	delete(pool.peers, peer)

	var affected []*bpRequest
	for _, req := range pool.requests {
		if req.peer == peer {
			affected = append(affected, req)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].height < affected[j].height })
	for _, req := range affected {
		pool.failRequest(req, errPeerRemoved)
	}
	pool.logger.Info("removed peer", "peer", peer, "num_peers", len(pool.peers))
	pool.mtx.Unlock()
}

// DownloadBlocks requests the body of every header. For a header requested
// already, cb is added to the callbacks of the pending request and peers to
// its sources. peers lists the peers that announced the headers, in order of
// preference; any known peer is used when they fail.
func (pool *BlockPool) DownloadBlocks(peers []types.NodeID, headers []*types.ChainedHeader, cb DownloadedFunc) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if pool.ctx == nil || pool.ctx.Err() != nil {
		return
	}
	for _, peer := range peers {
		pool.addPeer(peer)
	}

	for _, header := range headers {
		if req, ok := pool.requests[header.Hash]; ok {
			req.cbs = append(req.cbs, cb)
			req.addPreferred(peers)
			continue
		}
		req := &bpRequest{
			hash:      header.Hash,
			height:    header.Height,
			preferred: append([]types.NodeID(nil), peers...),
			tried:     make(map[types.NodeID]struct{}),
			cbs:       []DownloadedFunc{cb},
		}

		if cached, ok := pool.recent.Get(header.Hash); ok {
			pool.metrics.CacheHits.Add(1)
			pool.deliverAsync(req, cached.(*wire.MsgBlock), "")
			continue
		}

		pool.requests[header.Hash] = req
		pool.dispatch(req)
	}
	// requests stranded by a removed peer may be served by the new ones
	pool.dispatchWaiting()
	pool.metrics.PendingRequests.Set(float64(len(pool.requests)))
}

// SetPeerBlocks records that peer can serve the blocks of hashes. Pending
// requests for them prefer peer from now on; requests waiting for a peer are
// dispatched.
func (pool *BlockPool) SetPeerBlocks(peer types.NodeID, hashes []chainhash.Hash) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if pool.ctx == nil || pool.ctx.Err() != nil {
		return
	}
	pool.addPeer(peer)
	for _, hash := range hashes {
		if req, ok := pool.requests[hash]; ok {
			req.addPreferred([]types.NodeID{peer})
		}
	}
	pool.dispatchWaiting()
}

// CancelDownloads drops the requests of hashes. Their callbacks receive a
// nil block.
func (pool *BlockPool) CancelDownloads(hashes []chainhash.Hash) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if pool.ctx == nil || pool.ctx.Err() != nil {
		return
	}
	for _, hash := range hashes {
		req, ok := pool.requests[hash]
		if !ok {
			continue
		}
		pool.releasePeer(req)
		delete(pool.requests, hash)
		pool.notify(req, nil, "")
	}
	pool.metrics.PendingRequests.Set(float64(len(pool.requests)))
	pool.dispatchWaiting()
}

// ProcessDownloadedBlock handles a block received from peer, solicited or
// not. The first valid delivery completes the request; later deliveries of
// the same block are ignored.
func (pool *BlockPool) ProcessDownloadedBlock(peer types.NodeID, block *wire.MsgBlock) {
	hash := block.BlockHash()

	pool.mtx.Lock()
	req, ok := pool.requests[hash]
	if !ok {
		pool.mtx.Unlock()
		pool.logger.Debug("ignoring unrequested block", "peer", peer, "hash", hash)
		return
	}
	pool.complete(req, block, peer)
	pool.mtx.Unlock()
}

// Stats returns the current state of the pool.
func (pool *BlockPool) Stats() Stats {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	s := Stats{Peers: len(pool.peers), Pending: len(pool.requests)}
	for _, req := range pool.requests {
		if req.peer != "" {
			s.InFlight++
		} else {
			s.Waiting++
		}
	}
	return s
}

// IsRequested reports whether hash has a pending request.
func (pool *BlockPool) IsRequested(hash chainhash.Hash) bool {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	_, ok := pool.requests[hash]
	return ok
}

//-----------------------------------------------------------------------------
// Internal, called with the lock held.

// pickPeer chooses the peer for the next attempt of req, or "" when no
// peer can take it now.
func (pool *BlockPool) pickPeer(req *bpRequest) types.NodeID {
	available := func(id types.NodeID, allowTried bool) bool {
		p, ok := pool.peers[id]
		if !ok || p.pending >= pool.cfg.MaxPendingPerPeer {
			return false
		}
		_, tried := req.tried[id]
		return allowTried || !tried
	}

	var candidates []*bpPeer
	for _, allowTried := range []bool{false, true} {
		for _, id := range req.preferred {
			if available(id, allowTried) {
				candidates = append(candidates, pool.peers[id])
			}
		}
		if len(candidates) > 0 {
			break
		}
		for id := range pool.peers {
			if available(id, allowTried) {
				candidates = append(candidates, pool.peers[id])
			}
		}
		if len(candidates) > 0 {
			break
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0].id
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	choices := make([]weightedrand.Choice, 0, len(candidates))
	for _, p := range candidates {
		choices = append(choices, weightedrand.NewChoice(p.id, p.score()))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return candidates[0].id
	}
	return chooser.Pick().(types.NodeID)
}

// dispatch hands req to a peer. Requests for which no peer is available
// wait for AddPeer or for a peer to free a slot.
func (pool *BlockPool) dispatch(req *bpRequest) {
	peerID := pool.pickPeer(req)
	if peerID == "" {
		return
	}
	peer := pool.peers[peerID]

	pool.nextToken++
	ctx, cancel := context.WithTimeout(pool.ctx, pool.cfg.PeerTimeout)
	req.peer = peerID
	req.token = pool.nextToken
	req.sentAt = time.Now()
	req.cancel = cancel
	req.tried[peerID] = struct{}{}
	peer.pending++

	token := req.token
	limiter := peer.limiter
	hash := req.hash
	pool.metrics.RequestsSent.Add(1)
	pool.logger.Debug("requesting block", "hash", hash, "height", req.height, "peer", peerID,
		"attempt", req.attempts+1)

	pool.tasks.Go(func() error {
		defer cancel()
		block, err := pool.fetch(ctx, limiter, peerID, hash)
		pool.handleResult(hash, token, peerID, block, err)
		return nil
	})
}

func (pool *BlockPool) dispatchWaiting() {
	waiting := make([]*bpRequest, 0)
	for _, req := range pool.requests {
		if req.peer == "" {
			waiting = append(waiting, req)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].height < waiting[j].height })
	for _, req := range waiting {
		pool.dispatch(req)
	}
}

func (pool *BlockPool) fetch(ctx context.Context, limiter *rate.Limiter, peer types.NodeID, hash chainhash.Hash) (*wire.MsgBlock, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bz, err := pool.puller.RequestBlock(ctx, peer, hash)
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, errNoBlock
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(bz)); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptBlock, err)
	}
	if got := block.BlockHash(); got != hash {
		return nil, fmt.Errorf("%w: got %v", errCorruptBlock, got)
	}
	return block, nil
}

// handleResult is called by fetch goroutines. Results of superseded
// attempts are dropped.
func (pool *BlockPool) handleResult(hash chainhash.Hash, token uint64, peer types.NodeID, block *wire.MsgBlock, err error) {
	pool.mtx.Lock()
	if pool.ctx.Err() != nil {
		pool.mtx.Unlock()
		return
	}
	req, ok := pool.requests[hash]
	if !ok || req.token != token {
		pool.mtx.Unlock()
		return
	}

	if err == nil {
		pool.complete(req, block, peer)
		pool.mtx.Unlock()
		return
	}

	pool.logger.Info("block request failed", "hash", hash, "peer", peer, "err", err)
	pool.metrics.RequestFailures.Add(1)
	pool.failRequest(req, err)
	pool.mtx.Unlock()
}

// complete finishes req with block and schedules the callback.
func (pool *BlockPool) complete(req *bpRequest, block *wire.MsgBlock, peer types.NodeID) {
	if req.peer == peer && !req.sentAt.IsZero() {
		pool.metrics.RequestDuration.Observe(time.Since(req.sentAt).Seconds())
	}
	if p, ok := pool.peers[peer]; ok {
		p.delivered++
	}
	pool.releasePeer(req)
	delete(pool.requests, req.hash)
	pool.recent.Add(req.hash, block)
	pool.metrics.PendingRequests.Set(float64(len(pool.requests)))

	pool.deliverAsync(req, block, peer)
	pool.dispatchWaiting()
}

// failRequest records a failed attempt and moves req to another peer, or
// abandons it after MaxAttempts.
func (pool *BlockPool) failRequest(req *bpRequest, err error) {
	if p, ok := pool.peers[req.peer]; ok {
		p.failed++
	}
	pool.releasePeer(req)
	req.attempts++
	req.lastErr = err

	if req.attempts >= pool.cfg.MaxAttempts {
		delete(pool.requests, req.hash)
		pool.metrics.BlocksAbandoned.Add(1)
		pool.metrics.PendingRequests.Set(float64(len(pool.requests)))
		pool.logger.Error("abandoning block download", "hash", req.hash, "height", req.height,
			"attempts", req.attempts, "err", err)
		pool.notify(req, nil, "")
		return
	}
	pool.dispatch(req)
	pool.dispatchWaiting()
}

// releasePeer detaches req from its current peer.
func (pool *BlockPool) releasePeer(req *bpRequest) {
	if req.peer == "" {
		return
	}
	if p, ok := pool.peers[req.peer]; ok && p.pending > 0 {
		p.pending--
	}
	if req.cancel != nil {
		req.cancel()
	}
	req.peer = ""
	req.cancel = nil
	req.token = 0
}

func (pool *BlockPool) deliverAsync(req *bpRequest, block *wire.MsgBlock, peer types.NodeID) {
	pool.metrics.BlocksDelivered.Add(1)
	pool.notify(req, block, peer)
}

// notify invokes the callbacks of req on a pool goroutine.
func (pool *BlockPool) notify(req *bpRequest, block *wire.MsgBlock, peer types.NodeID) {
	ctx := pool.ctx
	hash, cbs := req.hash, req.cbs
	pool.tasks.Go(func() error {
		for _, cb := range cbs {
			if ctx.Err() != nil {
				return nil
			}
			cb(hash, block, peer)
		}
		return nil
	})
}
