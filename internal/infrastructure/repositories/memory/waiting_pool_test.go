package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"guffrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name string) domain.PendingEntry {
	return domain.PendingEntry{
		Identity: domain.Identity(name),
		Address:  domain.NewAddress("test", name),
	}
}

func TestMemoryWaitingPool_PopPairNeedsTwo(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()

	pair, err := pool.PopPair(ctx)
	require.NoError(t, err)
	assert.Nil(t, pair)

	require.NoError(t, pool.Enqueue(ctx, entry("alice")))
	pair, err = pool.PopPair(ctx)
	require.NoError(t, err)
	assert.Nil(t, pair)

	n, _ := pool.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryWaitingPool_PopPairIsLIFO(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, pool.Enqueue(ctx, entry(name)))
	}

	pair, err := pool.PopPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, domain.Identity("e"), pair.First.Identity)
	assert.Equal(t, domain.Identity("d"), pair.Second.Identity)

	pair, err = pool.PopPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, domain.Identity("c"), pair.First.Identity)
	assert.Equal(t, domain.Identity("b"), pair.Second.Identity)

	n, _ := pool.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryWaitingPool_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()
	alice := entry("alice")

	require.NoError(t, pool.Enqueue(ctx, alice))

	removed, err := pool.Remove(ctx, alice.Address)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = pool.Remove(ctx, alice.Address)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = pool.Remove(ctx, domain.Address("never.queued"))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryWaitingPool_RejectsDuplicateAddress(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()

	require.NoError(t, pool.Enqueue(ctx, entry("alice")))
	err := pool.Enqueue(ctx, entry("alice"))
	assert.ErrorIs(t, err, domain.ErrAlreadyQueued)
}

func TestMemoryWaitingPool_RemovedEntryIsNeverMatched(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()

	require.NoError(t, pool.Enqueue(ctx, entry("a")))
	require.NoError(t, pool.Enqueue(ctx, entry("b")))
	_, err := pool.Remove(ctx, entry("b").Address)
	require.NoError(t, err)
	require.NoError(t, pool.Enqueue(ctx, entry("c")))

	pair, err := pool.PopPair(ctx)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, domain.Identity("c"), pair.First.Identity)
	assert.Equal(t, domain.Identity("a"), pair.Second.Identity)
}

func TestMemoryWaitingPool_ConcurrentStorm(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryWaitingPool()

	const connects = 1000
	const disconnects = 500

	var (
		wg       sync.WaitGroup
		removed  atomic.Int64
		mu       sync.Mutex
		matched  = make(map[domain.Address]int)
		pairsOut int
	)

	for i := 0; i < connects; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entry(fmt.Sprintf("peer-%d", i))
			assert.NoError(t, pool.Enqueue(ctx, e))

			if i%2 == 0 && i/2 < disconnects {
				ok, err := pool.Remove(ctx, e.Address)
				assert.NoError(t, err)
				if ok {
					removed.Add(1)
				}
				return
			}

			pair, err := pool.PopPair(ctx)
			assert.NoError(t, err)
			if pair == nil {
				return
			}
			mu.Lock()
			matched[pair.First.Address]++
			matched[pair.Second.Address]++
			pairsOut++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for addr, count := range matched {
		assert.Equal(t, 1, count, "address %s matched more than once", addr)
	}

	n, err := pool.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, connects-int(removed.Load())-2*pairsOut, n)

	// Whatever is left must be distinct and never matched.
	for {
		pair, err := pool.PopPair(ctx)
		require.NoError(t, err)
		if pair == nil {
			break
		}
		assert.NotContains(t, matched, pair.First.Address)
		assert.NotContains(t, matched, pair.Second.Address)
		assert.NotEqual(t, pair.First.Address, pair.Second.Address)
	}
}
