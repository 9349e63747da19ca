// Package transport is the in-process network connecting simulated nodes.
// Delivery is best effort: a message for a full inbox is dropped and counted,
// the same way a lossy radio link would lose it.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cometbft/cometbft/libs/log"

	"tribft/internal/consensus"
	"tribft/internal/types"
)

// DefaultInboxSize is the inbox capacity used when none is configured.
const DefaultInboxSize = 1024

var ErrClosed = errors.New("bus closed")

// Kind identifies the payload of a Message.
type Kind int

const (
	KindProposal Kind = iota
	KindVote
	KindPhaseAdvance
	KindDecide
)

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindPhaseAdvance:
		return "phase_advance"
	case KindDecide:
		return "decide"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one envelope on the bus. Exactly one payload is set, matching Kind.
type Message struct {
	Kind  Kind
	From  types.NodeID
	Shard types.ShardID

	Proposal *types.ConsensusProposal
	Vote     *types.Vote
	Advance  *consensus.PhaseAdvance
	// Block is the committed block carried by a decide notice.
	Block *types.Block
}

func ProposalMsg(from types.NodeID, p types.ConsensusProposal) Message {
	return Message{Kind: KindProposal, From: from, Shard: p.ShardID, Proposal: &p}
}

func VoteMsg(from types.NodeID, shard types.ShardID, v types.Vote) Message {
	return Message{Kind: KindVote, From: from, Shard: shard, Vote: &v}
}

func PhaseAdvanceMsg(from types.NodeID, shard types.ShardID, pa consensus.PhaseAdvance) Message {
	return Message{Kind: KindPhaseAdvance, From: from, Shard: shard, Advance: &pa}
}

func DecideMsg(from types.NodeID, b types.Block) Message {
	return Message{Kind: KindDecide, From: from, Shard: b.ShardID, Block: &b}
}

// Bus routes messages to every node of the sender's shard and to observers.
type Bus struct {
	mu        sync.RWMutex
	inboxes   map[types.ShardID]map[types.NodeID]chan Message
	observers []chan Message
	size      int
	closed    bool

	sent    atomic.Uint64
	dropped atomic.Uint64

	log log.Logger
}

func NewBus(inboxSize int, logger log.Logger) *Bus {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Bus{
		inboxes: make(map[types.ShardID]map[types.NodeID]chan Message),
		size:    inboxSize,
		log:     logger.With("module", "transport"),
	}
}

// Register attaches a node to its shard and returns its inbox.
func (b *Bus) Register(shard types.ShardID, id types.NodeID) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	members, ok := b.inboxes[shard]
	if !ok {
		members = make(map[types.NodeID]chan Message)
		b.inboxes[shard] = members
	}
	if ch, ok := members[id]; ok {
		return ch, nil
	}
	ch := make(chan Message, b.size)
	members[id] = ch
	return ch, nil
}

// Unregister detaches a node and closes its inbox.
func (b *Bus) Unregister(shard types.ShardID, id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[shard][id]; ok {
		delete(b.inboxes[shard], id)
		close(ch)
	}
}

// Observe returns a channel receiving a copy of every published message.
func (b *Bus) Observe(size int) <-chan Message {
	if size <= 0 {
		size = b.size
	}
	ch := make(chan Message, size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.observers = append(b.observers, ch)
	return ch
}

// Publish delivers m to all shard members other than the sender, and to
// every observer. It never blocks.
func (b *Bus) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.inboxes[m.Shard] {
		if id == m.From {
			continue
		}
		b.deliver(ch, m, id)
	}
	for _, ch := range b.observers {
		b.deliver(ch, m, "observer")
	}
}

func (b *Bus) deliver(ch chan Message, m Message, to types.NodeID) {
	select {
	case ch <- m:
		b.sent.Add(1)
	default:
		b.dropped.Add(1)
		b.log.Debug("inbox full, dropping message", "to", to, "kind", m.Kind, "from", m.From)
	}
}

// Sent is the number of messages delivered so far.
func (b *Bus) Sent() uint64 { return b.sent.Load() }

// Dropped is the number of messages lost to full inboxes.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close detaches everyone and closes all channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, members := range b.inboxes {
		for _, ch := range members {
			close(ch)
		}
	}
	for _, ch := range b.observers {
		close(ch)
	}
	b.inboxes = nil
	b.observers = nil
}
