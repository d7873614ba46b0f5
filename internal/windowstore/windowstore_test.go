package windowstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedaly/caesium/internal/cserr"
	"github.com/wedaly/caesium/internal/sketch"
)

func newSketch(values ...uint64) *sketch.Sketch {
	sk := sketch.New(32)
	for _, v := range values {
		sk.Insert(v)
	}
	return sk
}

func drain(t *testing.T, seq func(func(Window) bool)) []Window {
	t.Helper()
	var out []Window
	seq(func(w Window) bool {
		out = append(out, w)
		return true
	})
	return out
}

func TestInsertAndFetchOrdered(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "latency", 20, 30, newSketch(3)))
	require.NoError(t, store.Insert(ctx, "latency", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "latency", 10, 20, newSketch(2)))

	seq, err := store.Fetch(ctx, "latency", nil, nil)
	require.NoError(t, err)
	windows := drain(t, seq)

	require.Len(t, windows, 3)
	require.Equal(t, int64(0), windows[0].Start)
	require.Equal(t, int64(10), windows[1].Start)
	require.Equal(t, int64(20), windows[2].Start)
}

func TestFetchUnknownMetricIsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	seq, err := store.Fetch(context.Background(), "nope", nil, nil)
	require.NoError(t, err)
	require.Empty(t, drain(t, seq))
}

func TestInsertIdenticalWindowMerges(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1, 2, 3)))
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(4, 5)))

	seq, err := store.Fetch(ctx, "m", nil, nil)
	require.NoError(t, err)
	windows := drain(t, seq)
	require.Len(t, windows, 1)
	require.Equal(t, uint64(5), windows[0].Sketch.Count())
}

func TestInsertConflictingOverlapRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1)))
	err = store.Insert(ctx, "m", 5, 15, newSketch(2))
	require.Equal(t, cserr.KindConflictingWindow, cserr.KindOf(err))
}

func TestInvalidMetricNameRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	err = store.Insert(context.Background(), "bad name!", 0, 10, newSketch(1))
	require.Equal(t, cserr.KindBadRequest, cserr.KindOf(err))
}

func TestReopenReplaysManifestAndData(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1, 2)))
	require.NoError(t, store.Insert(ctx, "m", 10, 20, newSketch(3)))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.Fetch(ctx, "m", nil, nil)
	require.NoError(t, err)
	windows := drain(t, seq)
	require.Len(t, windows, 2)
}

func TestSearchGlob(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "service.latency", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "service.errors", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "other.metric", 0, 10, newSketch(1)))

	names, err := store.Search("service.*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"service.latency", "service.errors"}, names)
}

func TestReplaceRangeMergesWindows(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, "m", 0, 10, newSketch(1)))
	require.NoError(t, store.Insert(ctx, "m", 10, 20, newSketch(2)))

	merged := Window{Start: 0, End: 20, Sketch: newSketch(1, 2)}
	require.NoError(t, store.ReplaceRange("m", 0, 20, merged))

	seq, err := store.Fetch(ctx, "m", nil, nil)
	require.NoError(t, err)
	windows := drain(t, seq)
	require.Len(t, windows, 1)
	require.Equal(t, int64(0), windows[0].Start)
	require.Equal(t, int64(20), windows[0].End)
}
