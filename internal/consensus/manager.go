package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/semaphore"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/blocksync"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/headertree"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/validation"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/service"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var errDownloadAbandoned = errors.New("no peer delivered the block")

// BlockStore persists blocks of the active chain and the tip.
type BlockStore interface {
	LoadHeader(hash chainhash.Hash) *types.ChainedHeader
	LoadBlock(hash chainhash.Hash) *wire.MsgBlock
	SaveBlocks(blocks []*types.ChainedHeaderBlock)
	PersistTip(tip *types.ChainedHeader, connected []*types.ChainedHeader) error
}

// Downloader fetches block bodies from peers.
type Downloader interface {
	DownloadBlocks(peers []types.NodeID, headers []*types.ChainedHeader, cb blocksync.DownloadedFunc)
	SetPeerBlocks(peer types.NodeID, hashes []chainhash.Hash)
	CancelDownloads(hashes []chainhash.Hash)
	RemovePeer(peer types.NodeID)
}

// TipPublisher is notified once per committed tip change.
type TipPublisher interface {
	PublishEventTipChanged(data types.EventDataTipChanged) error
}

// Manager is the single entry point for changes to the chain. Header
// ingestion runs under the peer lock, which protects the header tree. Moving
// the chain state to a new tip runs under the reorg lock. The reorg lock may
// be held while taking the peer lock, never the other way around.
type Manager struct {
	service.BaseService
	logger log.Logger

	cfg     *config.ConsensusConfig
	metrics *Metrics

	// protects tree
	peerMtx sync.Mutex
	tree    *headertree.HeaderTree

	// serializes every mutation of state
	reorgMtx sync.Mutex
	state    validation.ChainState

	partial    validation.PartialValidator
	full       validation.FullValidator
	store      BlockStore
	downloader Downloader
	publisher  TipPublisher

	partialSem *semaphore.Weighted
	peerErrCh  chan types.PeerError

	stopMtx  sync.RWMutex
	stopping bool
	running  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// ManagerOption sets an optional parameter on the Manager.
type ManagerOption func(*Manager)

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTipPublisher sets where tip changes are published.
func WithTipPublisher(publisher TipPublisher) ManagerOption {
	return func(m *Manager) { m.publisher = publisher }
}

// NewManager returns a Manager driving tree. The chain state must be at the
// tip of tree.
func NewManager(
	logger log.Logger,
	cfg *config.ConsensusConfig,
	tree *headertree.HeaderTree,
	state validation.ChainState,
	partial validation.PartialValidator,
	full validation.FullValidator,
	store BlockStore,
	downloader Downloader,
	options ...ManagerOption,
) (*Manager, error) {
	if tip := tree.Tip(); state.Tip() != tip.Hash {
		return nil, fmt.Errorf("chain state at %v does not match header tree tip %v", state.Tip(), tip)
	}

	m := &Manager{
		logger:     logger,
		cfg:        cfg,
		metrics:    NopMetrics(),
		tree:       tree,
		state:      state,
		partial:    partial,
		full:       full,
		store:      store,
		downloader: downloader,
		partialSem: semaphore.NewWeighted(int64(cfg.MaxParallelPartialValidations)),
		peerErrCh:  make(chan types.PeerError, cfg.PeerErrorBuffer),
	}
	for _, opt := range options {
		opt(m)
	}
	m.BaseService = *service.NewBaseService(logger, "Consensus", m)
	return m, nil
}

// OnStart implements service.Service.
func (m *Manager) OnStart(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.peerMtx.Lock()
	tip := m.tree.Tip()
	m.metrics.Height.Set(float64(tip.Height))
	m.metrics.TreeSize.Set(float64(m.tree.Len()))
	m.peerMtx.Unlock()

	m.logger.Info("consensus started", "tip", tip)
	return nil
}

// OnStop implements service.Service. New handler calls fail with
// types.ErrShuttingDown; handlers already running complete first, including
// a reorg in progress.
func (m *Manager) OnStop() {
	m.stopMtx.Lock()
	m.stopping = true
	m.stopMtx.Unlock()

	m.cancel()
	m.running.Wait()
}

// enter registers a handler call. Every successful call must be paired with
// m.running.Done().
func (m *Manager) enter() error {
	m.stopMtx.RLock()
	defer m.stopMtx.RUnlock()

	if m.stopping || !m.IsRunning() {
		return types.ErrShuttingDown
	}
	m.running.Add(1)
	return nil
}

// PeerErrors returns the channel on which peers responsible for invalid
// data are reported. Reports are dropped when the channel is full.
func (m *Manager) PeerErrors() <-chan types.PeerError {
	return m.peerErrCh
}

func (m *Manager) reportPeers(peers []types.NodeID, err error) {
	for _, peer := range peers {
		if peer == types.LocalNodeID || peer == "" {
			continue
		}
		m.sendPeerError(types.PeerError{NodeID: peer, Err: err, Severity: types.SeverityOf(err)})
	}
}

func (m *Manager) sendPeerError(perr types.PeerError) {
	select {
	case m.peerErrCh <- perr:
	default:
		m.metrics.DroppedPeerErrors.Add(1)
		m.logger.Error("dropping peer error", "peer", perr.NodeID, "err", perr.Err)
	}
}

// GetTip returns the header of the last committed tip.
func (m *Manager) GetTip() *types.ChainedHeader {
	m.peerMtx.Lock()
	defer m.peerMtx.Unlock()
	return m.tree.Tip()
}

// GetBlockData returns the header and, when available, the body of hash,
// from memory or storage.
func (m *Manager) GetBlockData(hash chainhash.Hash) (*types.ChainedHeaderBlock, error) {
	m.peerMtx.Lock()
	chb := m.tree.GetBlock(hash)
	m.peerMtx.Unlock()

	if chb != nil && chb.HasBlock() {
		return chb, nil
	}
	if chb == nil {
		header := m.store.LoadHeader(hash)
		if header == nil {
			return nil, types.ErrUnknownBlock
		}
		chb = &types.ChainedHeaderBlock{Header: header}
	}
	return &types.ChainedHeaderBlock{Header: chb.Header, Block: m.store.LoadBlock(hash)}, nil
}

// Snapshot returns a view of the header tree.
func (m *Manager) Snapshot() headertree.Snapshot {
	m.peerMtx.Lock()
	defer m.peerMtx.Unlock()
	return m.tree.Snapshot()
}
