// Package reputation implements the dual (global/local) trust model that
// feeds consensus group selection and leader choice.
package reputation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/types"
)

var (
	ErrNotRegistered = errors.New("node not registered")
	ErrUnknownEvent  = errors.New("unknown reputation event")
)

const (
	DefaultDecayRate       = 0.01
	DefaultMaxRecentEvents = 100
)

// Config tunes a Store.
type Config struct {
	// DefaultScore is returned by Score for unknown nodes.
	DefaultScore float64
	DecayRate    float64
	// MaxRecentEvents bounds each record's event log.
	MaxRecentEvents int
	// MaliciousMultiplier scales the MALICIOUS_BEHAVIOR penalty.
	MaliciousMultiplier float64
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return Config{
		DefaultScore:        NeutralScore,
		DecayRate:           DefaultDecayRate,
		MaxRecentEvents:     DefaultMaxRecentEvents,
		MaliciousMultiplier: 1,
	}
}

// GlobalPolicy reconciles a record's global reputation after decay. It is the
// hook for cross-shard reconciliation; the store clamps whatever it writes.
type GlobalPolicy interface {
	Reconcile(rec *Record)
}

// GlobalPolicyFunc adapts a function to GlobalPolicy.
type GlobalPolicyFunc func(rec *Record)

func (f GlobalPolicyFunc) Reconcile(rec *Record) { f(rec) }

// Statistics summarises the store.
type Statistics struct {
	TotalNodes    int
	ReliableNodes int
	MinScore      float64
	MaxScore      float64
	AverageScore  float64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for LastUpdate.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithGlobalPolicy installs a global reconciliation policy.
func WithGlobalPolicy(p GlobalPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// Store holds one node's local view of every known node's reputation.
type Store struct {
	mu      sync.RWMutex
	records map[types.NodeID]*Record

	cfg    Config
	log    log.Logger
	now    func() time.Time
	policy GlobalPolicy
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger log.Logger, opts ...Option) *Store {
	if cfg.MaxRecentEvents <= 0 {
		cfg.MaxRecentEvents = DefaultMaxRecentEvents
	}
	if cfg.MaliciousMultiplier <= 0 {
		cfg.MaliciousMultiplier = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		records: make(map[types.NodeID]*Record),
		cfg:     cfg,
		log:     logger.With("module", "reputation"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register inserts a record with both components set to initialScore. A
// second registration of the same node is a logged no-op.
func (s *Store) Register(id types.NodeID, initialScore float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		s.log.Debug("node already registered", "node", id)
		return
	}
	score := clamp(initialScore)
	s.records[id] = &Record{
		NodeID:           id,
		GlobalReputation: score,
		LocalPerformance: score,
		Score:            score,
		LastUpdate:       s.now(),
	}
	s.log.Debug("registered node", "node", id, "score", score)
}

// Unregister removes the record of a departed node.
func (s *Store) Unregister(id types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		delete(s.records, id)
		s.log.Debug("unregistered node", "node", id)
	}
}

// IsRegistered reports whether id has a record.
func (s *Store) IsRegistered(id types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Score returns the final blended score of id, or the configured default.
func (s *Store) Score(id types.NodeID) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[id]; ok {
		return rec.FinalScore()
	}
	return s.cfg.DefaultScore
}

// Tier returns the trust band of id.
func (s *Store) Tier(id types.NodeID) Tier {
	return TierOf(s.Score(id))
}

// IsReliable reports whether id is registered and in the reliable band.
func (s *Store) IsReliable(id types.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return ok && rec.Tier() == TierReliable
}

// Record returns a copy of id's record.
func (s *Store) Record(id types.NodeID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// RecordEvent applies one event to id's local performance.
func (s *Store) RecordEvent(id types.NodeID, e Event) error {
	weight, ok := WeightOf(e)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEvent, int(e))
	}
	if e == EventMaliciousBehavior {
		weight.BaseWeight *= s.cfg.MaliciousMultiplier
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		s.log.Debug("event for unregistered node", "node", id, "event", e)
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	delta := weight.Delta(rec.FinalScore())
	rec.LocalPerformance = clamp(rec.LocalPerformance + delta)
	rec.LocalInteractionCount++
	rec.Score = rec.FinalScore()
	rec.LastUpdate = s.now()
	rec.count(e)
	rec.RecentEvents = append(rec.RecentEvents, e)
	if over := len(rec.RecentEvents) - s.cfg.MaxRecentEvents; over > 0 {
		rec.RecentEvents = append(rec.RecentEvents[:0:0], rec.RecentEvents[over:]...)
	}
	return nil
}

// UpdateForProposal reports a valid or invalid proposal.
func (s *Store) UpdateForProposal(id types.NodeID, valid bool) error {
	if valid {
		return s.RecordEvent(id, EventProposeValidBlock)
	}
	return s.RecordEvent(id, EventProposeInvalidBlock)
}

// UpdateForVote reports a correct or incorrect vote.
func (s *Store) UpdateForVote(id types.NodeID, correct bool) error {
	if correct {
		return s.RecordEvent(id, EventVoteCorrectly)
	}
	return s.RecordEvent(id, EventVoteIncorrectly)
}

// UpdateForConsensusSuccess rewards every participant of a committed round.
func (s *Store) UpdateForConsensusSuccess(ids []types.NodeID) {
	s.recordAll(ids, EventSuccessfulConsensus)
}

// UpdateForConsensusFailure penalises every participant of a failed round.
func (s *Store) UpdateForConsensusFailure(ids []types.NodeID) {
	s.recordAll(ids, EventFailedConsensus)
}

// PenalizeTimeout records a TIMEOUT event.
func (s *Store) PenalizeTimeout(id types.NodeID) error {
	return s.RecordEvent(id, EventTimeout)
}

// PenalizeMalicious records a MALICIOUS_BEHAVIOR event.
func (s *Store) PenalizeMalicious(id types.NodeID) error {
	return s.RecordEvent(id, EventMaliciousBehavior)
}

func (s *Store) recordAll(ids []types.NodeID, e Event) {
	for _, id := range ids {
		if err := s.RecordEvent(id, e); err != nil {
			s.log.Debug("skipping event", "node", id, "event", e, "err", err)
		}
	}
}

// ApplyDecay pulls every record toward the neutral prior by DecayRate and
// then runs the global policy, if any.
func (s *Store) ApplyDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate := s.cfg.DecayRate
	now := s.now()
	for _, rec := range s.records {
		rec.GlobalReputation = clamp(rec.GlobalReputation*(1-rate) + NeutralScore*rate)
		rec.LocalPerformance = clamp(rec.LocalPerformance*(1-rate) + NeutralScore*rate)
		if s.policy != nil {
			s.policy.Reconcile(rec)
			rec.GlobalReputation = clamp(rec.GlobalReputation)
			rec.LocalPerformance = clamp(rec.LocalPerformance)
		}
		rec.Score = rec.FinalScore()
		rec.LastUpdate = now
	}
	s.log.Debug("applied reputation decay", "nodes", len(s.records))
}

// TrimHistory keeps at most max recent events per record.
func (s *Store) TrimHistory(max int) {
	if max < 0 {
		max = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if over := len(rec.RecentEvents) - max; over > 0 {
			rec.RecentEvents = append(rec.RecentEvents[:0:0], rec.RecentEvents[over:]...)
		}
	}
}

// TopNodes returns up to n node ids by descending score, ties by id.
func (s *Store) TopNodes(n int) []types.NodeID {
	s.mu.RLock()
	type scored struct {
		id    types.NodeID
		score float64
	}
	all := make([]scored, 0, len(s.records))
	for id, rec := range s.records {
		all = append(all, scored{id, rec.FinalScore()})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].score == all[j].score {
			return all[i].id < all[j].id
		}
		return all[i].score > all[j].score
	})
	if n > len(all) {
		n = len(all)
	}
	if n < 0 {
		n = 0
	}
	out := make([]types.NodeID, 0, n)
	for _, sc := range all[:n] {
		out = append(out, sc.id)
	}
	return out
}

// AverageScore returns the mean final score, or the default for an empty store.
func (s *Store) AverageScore() float64 {
	return s.Statistics().AverageScore
}

// ReliableCount returns the number of nodes in the reliable band.
func (s *Store) ReliableCount() int {
	return s.Statistics().ReliableNodes
}

// Statistics summarises all records.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Statistics{TotalNodes: len(s.records), AverageScore: s.cfg.DefaultScore}
	if len(s.records) == 0 {
		return stats
	}
	stats.MinScore, stats.MaxScore = MaxScore, MinScore
	sum := 0.0
	for _, rec := range s.records {
		score := rec.FinalScore()
		sum += score
		if score < stats.MinScore {
			stats.MinScore = score
		}
		if score > stats.MaxScore {
			stats.MaxScore = score
		}
		if TierOf(score) == TierReliable {
			stats.ReliableNodes++
		}
	}
	stats.AverageScore = sum / float64(len(s.records))
	return stats
}
