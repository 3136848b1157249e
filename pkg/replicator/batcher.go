package replicator

import (
	"sync"
	"time"
)

// batcher accumulates items, flushing to onFlush once maxItems have
// arrived or maxWait has elapsed since the first item of the current
// batch — the "accumulate up to N=200 or 1s, then flush" rule spec.md
// §4.G applies to both the downloads batcher and the inbox batcher.
type batcher[T any] struct {
	maxItems int
	maxWait  time.Duration
	onFlush  func([]T)

	mu    sync.Mutex
	items []T
	timer *time.Timer
}

func newBatcher[T any](maxItems int, maxWait time.Duration, onFlush func([]T)) *batcher[T] {
	return &batcher[T]{maxItems: maxItems, maxWait: maxWait, onFlush: onFlush}
}

// Add appends item to the batch, triggering an immediate flush if the
// batch just reached maxItems.
func (b *batcher[T]) Add(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	if len(b.items) == 1 {
		b.timer = time.AfterFunc(b.maxWait, b.flushExpired)
	}
	var batch []T
	if len(b.items) >= b.maxItems {
		batch = b.drainLocked()
	}
	b.mu.Unlock()

	if batch != nil {
		b.onFlush(batch)
	}
}

func (b *batcher[T]) flushExpired() {
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()
	if batch != nil {
		b.onFlush(batch)
	}
}

func (b *batcher[T]) drainLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return nil
	}
	batch := b.items
	b.items = nil
	return batch
}

// Flush forces out any pending items immediately, used when draining.
func (b *batcher[T]) Flush() {
	b.flushExpired()
}

// Len reports the current batch depth, used for backpressure (spec.md
// §4.G: "the change tracker's polling loop must pause while the
// downloads-batcher depth exceeds kChangeQueueThreshold").
func (b *batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
