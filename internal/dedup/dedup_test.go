package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artifex-bot/artifex/internal/repository"
	"github.com/artifex-bot/artifex/pkg/logger"
)

func TestMarkProcessedFirstWins(t *testing.T) {
	d := NewUpdateDedup(repository.NewMemoryDB(), time.Hour, logger.NewNop())
	ctx := context.Background()

	first, err := d.MarkProcessed(ctx, 100)
	require.NoError(t, err)
	require.True(t, first)

	first, err = d.MarkProcessed(ctx, 100)
	require.NoError(t, err)
	require.False(t, first)

	// A different id is unaffected.
	first, err = d.MarkProcessed(ctx, 101)
	require.NoError(t, err)
	require.True(t, first)
}

func TestMarkProcessedExactlyOnceUnderConcurrency(t *testing.T) {
	d := NewUpdateDedup(repository.NewMemoryDB(), time.Hour, logger.NewNop())
	ctx := context.Background()

	const racers = 25
	var firsts int64
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := d.MarkProcessed(ctx, 555)
			require.NoError(t, err)
			if first {
				atomic.AddInt64(&firsts, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), atomic.LoadInt64(&firsts))
}

func TestPruneForgetsOldMarkersOnly(t *testing.T) {
	db := repository.NewMemoryDB()
	d := NewUpdateDedup(db, time.Hour, logger.NewNop())
	ctx := context.Background()

	_, err := d.MarkProcessed(ctx, 200)
	require.NoError(t, err)

	// Markers younger than the retention horizon survive, so the id still
	// counts as seen.
	removed, err := d.Prune(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	first, err := d.MarkProcessed(ctx, 200)
	require.NoError(t, err)
	require.False(t, first)

	// With a zero retention everything is older than the horizon.
	short := NewUpdateDedup(db, 0, logger.NewNop())
	removed, err = short.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	first, err = d.MarkProcessed(ctx, 200)
	require.NoError(t, err)
	require.True(t, first)
}
