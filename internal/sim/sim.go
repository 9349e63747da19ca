// Package sim assembles a complete simulated network from configuration:
// the directory, the bus, one node per vehicle and RSU, and the collector.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"golang.org/x/sync/errgroup"

	"tribft/internal/collector"
	"tribft/internal/config"
	"tribft/internal/db"
	"tribft/internal/directory"
	"tribft/internal/keys"
	"tribft/internal/metrics"
	"tribft/internal/node"
	"tribft/internal/reputation"
	"tribft/internal/selection"
	"tribft/internal/transport"
	"tribft/internal/types"
)

const targetPollInterval = 50 * time.Millisecond

type Option func(*Simulation)

func WithLogger(l log.Logger) Option        { return func(s *Simulation) { s.log = l } }
func WithJournal(j *db.Journal) Option      { return func(s *Simulation) { s.journal = j } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Simulation) { s.metrics = m } }
func WithUI(ch chan<- any) Option           { return func(s *Simulation) { s.ui = ch } }

type Simulation struct {
	cfg       config.Config
	dir       *directory.Directory
	bus       *transport.Bus
	nodes     []*node.Node
	collector *collector.Collector

	journal *db.Journal
	metrics *metrics.Metrics
	ui      chan<- any
	log     log.Logger
}

// New builds the network described by cfg and runs the first election of
// every shard.
func New(cfg config.Config, opts ...Option) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Simulation{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = log.NewNopLogger()
	}

	rep := reputation.DefaultConfig()
	if cfg.MaxRecentEvents > 0 {
		rep.MaxRecentEvents = cfg.MaxRecentEvents
	}
	if cfg.MaliciousMultiplier > 0 {
		rep.MaliciousMultiplier = cfg.MaliciousMultiplier
	}
	s.dir = directory.New(directory.Config{
		Selection: selection.Config{
			GroupSize:      cfg.GroupSize,
			RedundantCount: cfg.RedundantCount,
			PermanentRSU:   cfg.PermanentRSU,
			EjectBelow:     cfg.EjectBelow,
		},
		Reputation:  rep,
		EpochBlocks: cfg.EpochBlocks,
	}, s.log)
	s.bus = transport.NewBus(0, s.log)

	copts := []collector.Option{collector.WithLogger(s.log), collector.WithJournal(s.journal)}
	if s.metrics != nil {
		copts = append(copts, collector.WithMetrics(s.metrics))
	}
	if s.ui != nil {
		copts = append(copts, collector.WithUI(s.ui))
	}
	s.collector = collector.New(s.dir, s.bus.Observe(0), copts...)
	s.dir.AddObserver(s.collector)

	ncfg := node.Config{
		RoundTimeout:  cfg.RoundTimeout,
		BlockInterval: cfg.BlockInterval,
		DecayInterval: cfg.DecayInterval,
		BatchSize:     cfg.BatchSize,
		EarlyAbort:    cfg.EarlyAbort,
		Reputation:    rep,
	}
	txs := node.NewSequentialSource(s.dir)
	for shard := 0; shard < cfg.Shards; shard++ {
		for _, ident := range identities(types.ShardID(shard), cfg.VehiclesPerShard, cfg.RSUsPerShard) {
			if err := s.addNode(types.ShardID(shard), ident, ncfg, txs); err != nil {
				s.bus.Close()
				return nil, err
			}
		}
	}
	for _, shard := range s.dir.Shards() {
		if _, err := s.dir.Elect(shard); err != nil {
			s.bus.Close()
			return nil, fmt.Errorf("initial election of shard %d: %w", shard, err)
		}
	}
	s.log.Info("simulation ready", "shards", cfg.Shards, "nodes", len(s.nodes))
	return s, nil
}

func identities(shard types.ShardID, vehicles, rsus int) []types.NodeIdentity {
	out := make([]types.NodeIdentity, 0, vehicles+rsus)
	for i := 0; i < vehicles; i++ {
		out = append(out, types.NodeIdentity{ID: types.NodeID(fmt.Sprintf("s%d-veh-%02d", shard, i))})
	}
	for i := 0; i < rsus; i++ {
		out = append(out, types.NodeIdentity{ID: types.NodeID(fmt.Sprintf("s%d-rsu-%02d", shard, i)), IsRSU: true})
	}
	return out
}

func (s *Simulation) addNode(shard types.ShardID, ident types.NodeIdentity, cfg node.Config, txs node.TxSource) error {
	opts := []node.Option{node.WithLogger(s.log), node.WithTxSource(txs)}
	if s.cfg.SignVotes {
		signer := keys.FromSecret(ident.ID, []byte("tribft-sim-"+ident.ID))
		s.dir.Join(shard, ident, signer.PubKey())
		opts = append(opts, node.WithSigner(signer))
	} else {
		s.dir.Join(shard, ident, nil)
	}
	n, err := node.New(ident, shard, cfg, s.dir, s.bus, opts...)
	if err != nil {
		return fmt.Errorf("create node %s: %w", ident.ID, err)
	}
	s.nodes = append(s.nodes, n)
	return nil
}

func (s *Simulation) Directory() *directory.Directory { return s.dir }
func (s *Simulation) Collector() *collector.Collector { return s.collector }
func (s *Simulation) Bus() *transport.Bus             { return s.bus }
func (s *Simulation) Nodes() []*node.Node             { return s.nodes }

// Heights reports the committed height of every shard.
func (s *Simulation) Heights() map[types.ShardID]types.Height {
	out := make(map[types.ShardID]types.Height)
	for _, shard := range s.dir.Shards() {
		out[shard] = s.dir.Height(shard)
	}
	return out
}

func (s *Simulation) reachedTarget() bool {
	if s.cfg.TargetBlocks <= 0 {
		return false
	}
	for _, h := range s.Heights() {
		if h < types.Height(s.cfg.TargetBlocks) {
			return false
		}
	}
	return true
}

// Run drives every node and the collector until ctx is done or, with a
// block target, every shard reached it. The bus is closed on return.
func (s *Simulation) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.bus.Close()

	g, gctx := errgroup.WithContext(runCtx)
	for _, n := range s.nodes {
		g.Go(func() error { return n.Run(gctx) })
	}
	g.Go(func() error { return s.collector.Run(gctx) })
	if s.cfg.TargetBlocks > 0 {
		g.Go(func() error {
			t := time.NewTicker(targetPollInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if s.reachedTarget() {
						s.log.Info("block target reached", "target", s.cfg.TargetBlocks)
						cancel()
						return nil
					}
				}
			}
		})
	}
	err := g.Wait()
	s.log.Info("simulation stopped", "heights", fmt.Sprint(s.Heights()),
		"sent", s.bus.Sent(), "dropped", s.bus.Dropped())
	return err
}
