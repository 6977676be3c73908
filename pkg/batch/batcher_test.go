package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
	err     error
}

func (c *collector) process(_ context.Context, items []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, items)
	return c.err
}

func (c *collector) snapshot() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]int, len(c.batches))
	copy(out, c.batches)
	return out
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](3, time.Hour, c.process)
	defer b.Stop()

	for i := 1; i <= 3; i++ {
		require.True(t, b.Add(i))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2, 3}}, c.snapshot())
	assert.Zero(t, b.Pending())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](100, 10*time.Millisecond, c.process)
	defer b.Stop()

	b.Add(7)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{7}, c.snapshot()[0])
}

func TestBatcher_StopFlushesAndRejects(t *testing.T) {
	c := &collector{}
	b := NewBatcher[int](100, time.Hour, c.process)

	b.Add(1)
	b.Add(2)
	b.Stop()

	assert.Equal(t, [][]int{{1, 2}}, c.snapshot())
	assert.False(t, b.Add(3))
	b.Stop()
}

func TestBatcher_ReportsDroppedBatches(t *testing.T) {
	boom := errors.New("boom")
	c := &collector{err: boom}
	var gotErr error
	dropped := 0
	b := NewBatcher[int](100, time.Hour, c.process, WithErrorHandler(func(err error, n int) {
		gotErr = err
		dropped = n
	}))
	defer b.Stop()

	b.Add(1)
	b.Add(2)
	err := b.Flush(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, 2, dropped)
	assert.NoError(t, b.Flush(context.Background()), "nothing left to flush")
}
