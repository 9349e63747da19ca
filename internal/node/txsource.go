package node

import (
	"fmt"
	"sync"
	"time"

	"tribft/internal/directory"
	"tribft/internal/types"
)

// SequentialSource generates synthetic transfers between shard members.
// Transaction ids are unique per source.
type SequentialSource struct {
	dir *directory.Directory

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

func NewSequentialSource(dir *directory.Directory) *SequentialSource {
	return &SequentialSource{dir: dir, now: time.Now}
}

func (s *SequentialSource) Next(shard types.ShardID, n int) []types.Transaction {
	members := s.dir.Members(shard)
	if len(members) == 0 || n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Transaction, 0, n)
	for i := 0; i < n; i++ {
		s.seq++
		from := members[int(s.seq)%len(members)]
		to := members[int(s.seq+1)%len(members)]
		out = append(out, types.Transaction{
			ID:        fmt.Sprintf("tx-%d-%d", shard, s.seq),
			Sender:    from.ID,
			Receiver:  to.ID,
			Value:     float64(s.seq%100) + 1,
			Data:      "transfer",
			Timestamp: s.now(),
		})
	}
	return out
}
