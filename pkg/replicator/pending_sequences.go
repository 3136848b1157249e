package replicator

import (
	"encoding/json"
	"sync"
)

// pendingSequences assigns each incoming remote change a monotonically
// increasing local "fake sequence" and tracks which of those have
// finished being force-inserted, so checkpointing only ever advances
// over a contiguous completed prefix — per spec.md §5: "the checkpointed
// value is the remote seq whose fake seq = min(outstanding) - 1 (or the
// latest if none are outstanding)".
type pendingSequences struct {
	mu sync.Mutex

	next        int64
	outstanding map[int64]struct{}
	remoteSeq   map[int64]json.RawMessage

	latestAssigned   json.RawMessage
	latestCheckpoint json.RawMessage
}

func newPendingSequences() *pendingSequences {
	return &pendingSequences{
		outstanding: make(map[int64]struct{}),
		remoteSeq:   make(map[int64]json.RawMessage),
	}
}

// Add records remoteSeq as pending and returns its assigned fake local
// sequence.
func (p *pendingSequences) Add(remoteSeq json.RawMessage) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	fake := p.next
	p.outstanding[fake] = struct{}{}
	p.remoteSeq[fake] = remoteSeq
	p.latestAssigned = remoteSeq
	return fake
}

// Complete marks fakeSeq as finished (successfully inserted, or
// permanently failed and given up on).
func (p *pendingSequences) Complete(fakeSeq int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.outstanding, fakeSeq)
}

// CheckpointableSeq returns the remote sequence safe to persist as a
// checkpoint right now: the one just before the lowest still-outstanding
// fake sequence, or the most recently assigned sequence if nothing is
// outstanding.
func (p *pendingSequences) CheckpointableSeq() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.outstanding) == 0 {
		return p.latestAssigned
	}

	min := int64(-1)
	for fake := range p.outstanding {
		if min == -1 || fake < min {
			min = fake
		}
	}
	return p.remoteSeq[min-1]
}

// Outstanding reports how many fake sequences have not yet completed.
func (p *pendingSequences) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
