package replicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatcherFlushesAtMaxItems(t *testing.T) {
	flushed := make(chan []int, 4)
	b := newBatcher(3, time.Hour, func(batch []int) { flushed <- batch })

	b.Add(1)
	b.Add(2)
	require.Equal(t, 2, b.Len())
	b.Add(3)

	select {
	case batch := <-flushed:
		require.Equal(t, []int{1, 2, 3}, batch)
	case <-time.After(time.Second):
		t.Fatal("expected flush at max items")
	}
	require.Equal(t, 0, b.Len())
}

func TestBatcherFlushesAfterMaxWait(t *testing.T) {
	flushed := make(chan []int, 4)
	b := newBatcher(100, 20*time.Millisecond, func(batch []int) { flushed <- batch })

	b.Add(1)
	select {
	case batch := <-flushed:
		require.Equal(t, []int{1}, batch)
	case <-time.After(time.Second):
		t.Fatal("expected flush after max wait")
	}
}

func TestBatcherExplicitFlush(t *testing.T) {
	flushed := make(chan []int, 4)
	b := newBatcher(100, time.Hour, func(batch []int) { flushed <- batch })
	b.Add(1)
	b.Flush()

	select {
	case batch := <-flushed:
		require.Equal(t, []int{1}, batch)
	case <-time.After(time.Second):
		t.Fatal("expected explicit flush to deliver")
	}
}
