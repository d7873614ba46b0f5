package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedaly/caesium/internal/cserr"
	"github.com/wedaly/caesium/internal/query"
	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/windowstore"
)

func newSketch(values ...uint64) *sketch.Sketch {
	sk := sketch.New(64)
	for _, v := range values {
		sk.Insert(v)
	}
	return sk
}

func setupStore(t *testing.T) *windowstore.Store {
	t.Helper()
	store, err := windowstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPlanRejectsNonQuantileRoot(t *testing.T) {
	store := setupStore(t)
	e, err := query.Parse(`fetch("m")`)
	require.NoError(t, err)
	_, err = Plan(e, store)
	require.Error(t, err)
}

func TestFetchAndQuantile(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1, 2, 3, 4, 5)))
	require.NoError(t, store.Insert(ctx, "m", 10, 20, newSketch(10, 20, 30)))

	e, err := query.Parse(`quantile(fetch("m"), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	table, err := plan.Run(ctx)
	require.NoError(t, err)
	require.Len(t, table, 2)
	require.Equal(t, int64(0), table[0].Start)
	require.Equal(t, int64(10), table[1].Start)
}

func TestCoalesceMergesAllWindows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1, 2)))
	require.NoError(t, store.Insert(ctx, "m", 10, 20, newSketch(3, 4)))

	e, err := query.Parse(`quantile(coalesce(fetch("m")), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	table, err := plan.Run(ctx)
	require.NoError(t, err)
	require.Len(t, table, 1)
	require.Equal(t, int64(0), table[0].Start)
	require.Equal(t, int64(20), table[0].End)
}

func TestCombineMergesMatchingWindows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "a", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "b", 0, 10, newSketch(2)))
	require.NoError(t, store.Insert(ctx, "a", 10, 20, newSketch(3)))
	require.NoError(t, store.Insert(ctx, "b", 10, 20, newSketch(4)))

	e, err := query.Parse(`quantile(combine(fetch("a"), fetch("b")), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	table, err := plan.Run(ctx)
	require.NoError(t, err)
	require.Len(t, table, 2)
}

func TestCombineOverlapMismatchReturnsError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "a", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "b", 5, 15, newSketch(2)))

	e, err := query.Parse(`quantile(combine(fetch("a"), fetch("b")), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	_, err = plan.Run(ctx)
	require.ErrorIs(t, err, cserr.ErrOverlapMismatch)
}

func TestSearchFansOutOverMatchingMetrics(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "svc.a", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "svc.b", 0, 10, newSketch(2)))

	e, err := query.Parse(`quantile(search("svc.*"), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	table, err := plan.Run(ctx)
	require.NoError(t, err)
	require.Len(t, table, 2)
}

func TestGroupBucketsWindows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 1800, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "m", 1800, 3600, newSketch(2)))

	e, err := query.Parse(`quantile(group(hours, fetch("m")), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	table, err := plan.Run(ctx)
	require.NoError(t, err)
	require.Len(t, table, 1)
}

func TestRunRespectsCanceledContext(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1)))
	cancel()

	e, err := query.Parse(`quantile(fetch("m"), 0.5)`)
	require.NoError(t, err)
	plan, err := Plan(e, store)
	require.NoError(t, err)

	_, err = plan.Run(ctx)
	require.Error(t, err)
}
