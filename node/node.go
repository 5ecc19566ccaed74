// Package node assembles the consensus core: storage, chain state, header
// tree, download coordinator, consensus manager and notifications.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/blocksync"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/consensus"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/eventbus"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/headertree"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/state"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/store"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/internal/validation"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/service"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

// ErrNoPeers is returned by the default block puller: without a peer layer
// no block can be fetched.
var ErrNoPeers = errors.New("no peer layer attached")

type noPeers struct{}

func (noPeers) RequestBlock(context.Context, types.NodeID, chainhash.Hash) ([]byte, error) {
	return nil, ErrNoPeers
}

// Node is a running consensus core.
type Node struct {
	service.BaseService
	logger log.Logger

	config *config.Config
	params *chaincfg.Params

	blockStoreDB dbm.DB
	stateDB      dbm.DB
	blockStore   *store.BlockStore
	coins        *state.CoinStore

	eventBus  *eventbus.EventBus
	pool      *blocksync.BlockPool
	consensus *consensus.Manager

	prometheusSrv *http.Server
	cancel        context.CancelFunc
}

// Option sets an optional parameter on the Node.
type Option func(*options)

type options struct {
	dbProvider config.DBProvider
	puller     blocksync.BlockPuller
	rules      []validation.BlockRule
}

// WithDBProvider overrides how databases are opened.
func WithDBProvider(p config.DBProvider) Option {
	return func(o *options) { o.dbProvider = p }
}

// WithBlockPuller attaches the peer layer used to download blocks.
func WithBlockPuller(p blocksync.BlockPuller) Option {
	return func(o *options) { o.puller = p }
}

// WithBlockRules adds consensus rules run before a block is applied.
func WithBlockRules(rules ...validation.BlockRule) Option {
	return func(o *options) { o.rules = append(o.rules, rules...) }
}

// New builds a node from conf. The chain resumes from the stored tip, or
// starts from the genesis block of the configured network.
func New(conf *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	o := &options{dbProvider: config.DefaultDBProvider, puller: noPeers{}}
	for _, opt := range opts {
		opt(o)
	}

	params, err := conf.ChainParams()
	if err != nil {
		return nil, err
	}
	checkpoints, err := config.LoadCheckpoints(conf.CheckpointsPath(), params)
	if err != nil {
		return nil, err
	}

	blockStoreDB, stateDB, err := initDBs(conf, o.dbProvider)
	if err != nil {
		return nil, err
	}
	closeDBs := func() {
		_ = blockStoreDB.Close()
		_ = stateDB.Close()
	}

	blockStore := store.NewBlockStore(blockStoreDB)
	tip, err := ensureGenesis(blockStore, params)
	if err != nil {
		closeDBs()
		return nil, err
	}

	coins, err := state.NewCoinStore(stateDB, params, logger.With("module", "state"))
	if err != nil {
		closeDBs()
		return nil, fmt.Errorf("failed to load chain state: %w", err)
	}
	if coins.Tip() != tip.Hash {
		closeDBs()
		return nil, fmt.Errorf("chain state is at %v but the block store tip is %v", coins.Tip(), tip)
	}

	var (
		consensusMetrics = consensus.NopMetrics()
		blockSyncMetrics = blocksync.NopMetrics()
	)
	if conf.Instrumentation.Prometheus {
		consensusMetrics = consensus.PrometheusMetrics(conf.Instrumentation.Namespace, "network", conf.Network)
		blockSyncMetrics = blocksync.PrometheusMetrics(conf.Instrumentation.Namespace, "network", conf.Network)
	}

	headerValidator := validation.NewHeaderValidator(params, conf.Consensus.MaxTimeOffset, blockchain.NewMedianTime())
	chain := blockStore.LoadChain(tip.Height - conf.Consensus.MaxReorgLength - types.MedianTimeBlocks)
	tree, err := headertree.New(
		headertree.NewConfig(conf.Consensus, checkpoints),
		chain,
		headerValidator,
		blockStore,
		logger.With("module", "headertree"),
	)
	if err != nil {
		closeDBs()
		return nil, err
	}

	pool, err := blocksync.NewBlockPool(logger.With("module", "blocksync"), conf.BlockSync, o.puller, blockSyncMetrics)
	if err != nil {
		closeDBs()
		return nil, err
	}
	eventBus := eventbus.NewDefault(logger)

	manager, err := consensus.NewManager(
		logger.With("module", "consensus"),
		conf.Consensus,
		tree,
		coins,
		validation.NewSanityValidator(params, headerValidator),
		validation.NewRuleValidator(o.rules...),
		blockStore,
		pool,
		consensus.WithMetrics(consensusMetrics),
		consensus.WithTipPublisher(eventBus),
	)
	if err != nil {
		closeDBs()
		return nil, err
	}

	n := &Node{
		logger:       logger,
		config:       conf,
		params:       params,
		blockStoreDB: blockStoreDB,
		stateDB:      stateDB,
		blockStore:   blockStore,
		coins:        coins,
		eventBus:     eventBus,
		pool:         pool,
		consensus:    manager,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)

	logger.Info("loaded chain", "network", params.Name, "tip", tip, "retained", len(chain),
		"checkpoints", len(checkpoints))
	return n, nil
}

func initDBs(conf *config.Config, dbProvider config.DBProvider) (blockStoreDB, stateDB dbm.DB, err error) {
	blockStoreDB, err = dbProvider(&config.DBContext{ID: "blockstore", Config: conf})
	if err != nil {
		return nil, nil, fmt.Errorf("unable to initialize blockstore: %w", err)
	}
	stateDB, err = dbProvider(&config.DBContext{ID: "state", Config: conf})
	if err != nil {
		_ = blockStoreDB.Close()
		return nil, nil, fmt.Errorf("unable to initialize statestore: %w", err)
	}
	return blockStoreDB, stateDB, nil
}

// ensureGenesis returns the stored tip, storing the genesis block of params
// first when the store is empty.
func ensureGenesis(blockStore *store.BlockStore, params *chaincfg.Params) (*types.ChainedHeader, error) {
	if tip := blockStore.LoadTip(); tip != nil {
		if blockStore.LoadHeaderAtHeight(0).Hash != *params.GenesisHash {
			return nil, fmt.Errorf("block store holds another network than %s", params.Name)
		}
		return tip, nil
	}

	chb := &types.ChainedHeaderBlock{
		Header: types.NewGenesisChainedHeader(params.GenesisBlock.Header),
		Block:  params.GenesisBlock,
	}
	blockStore.SaveBlock(chb)
	if err := blockStore.PersistTip(chb.Header, []*types.ChainedHeader{chb.Header}); err != nil {
		return nil, err
	}
	return chb.Header, nil
}

// OnStart starts the services of the node, the consensus manager last.
func (n *Node) OnStart(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}
	// the services are stopped by OnStop, in order, before the databases
	// are closed
	svcCtx := context.WithoutCancel(ctx)
	if err := n.eventBus.Start(svcCtx); err != nil {
		return err
	}
	if err := n.pool.Start(svcCtx); err != nil {
		return err
	}
	if err := n.consensus.Start(svcCtx); err != nil {
		return err
	}

	go n.logPeerErrors(ctx)
	return nil
}

// OnStop stops the services in reverse order and closes the databases.
func (n *Node) OnStop() {
	n.logger.Info("Stopping Node")

	if err := n.consensus.Stop(); err != nil {
		n.logger.Error("failed to stop consensus", "err", err)
	}
	if err := n.pool.Stop(); err != nil {
		n.logger.Error("failed to stop block pool", "err", err)
	}
	if err := n.eventBus.Stop(); err != nil {
		n.logger.Error("failed to stop event bus", "err", err)
	}
	n.cancel()

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.blockStoreDB.Close(); err != nil {
		n.logger.Error("problem closing blockstore", "err", err)
	}
	if err := n.stateDB.Close(); err != nil {
		n.logger.Error("problem closing statestore", "err", err)
	}
}

// logPeerErrors consumes the peer errors of consensus. Without a peer layer
// attached they are only logged.
func (n *Node) logPeerErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case perr := <-n.consensus.PeerErrors():
			n.logger.Info("peer misbehaved", "peer", perr.NodeID, "severity", perr.Severity, "err", perr.Err)
		}
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// Consensus returns the consensus manager.
func (n *Node) Consensus() *consensus.Manager { return n.consensus }

// EventBus returns the bus publishing tip changes.
func (n *Node) EventBus() *eventbus.EventBus { return n.eventBus }

// BlockPool returns the download coordinator.
func (n *Node) BlockPool() *blocksync.BlockPool { return n.pool }

// BlockStore returns the block store.
func (n *Node) BlockStore() *store.BlockStore { return n.blockStore }

// ChainState returns the chain state.
func (n *Node) ChainState() *state.CoinStore { return n.coins }

// Params returns the network parameters.
func (n *Node) Params() *chaincfg.Params { return n.params }
