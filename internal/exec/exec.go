// Package exec compiles a parsed query.Expr into a tree of closures and
// evaluates it against a windowstore.Store, lazily: a SetExpr node streams
// windows (iter.Seq) rather than materializing a slice, so a quantile over
// a coalesce over a fetch never holds more than the current window in
// memory at any layer but the terminal one.
package exec

import (
	"container/heap"
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/wedaly/caesium/internal/cserr"
	"github.com/wedaly/caesium/internal/query"
	"github.com/wedaly/caesium/internal/sketch"
	"github.com/wedaly/caesium/internal/windowstore"
)

// Row is one quantile table row: the window it was computed over, and the
// value for each requested phi (same order as the Quantile AST node's
// Phis).
type Row struct {
	Start, End int64
	Values     []uint64
}

// Table is the result of evaluating a QuantileExpr.
type Table []Row

type setStream = iter.Seq[windowstore.Window]

type setNode func(ctx context.Context) (setStream, error)

// Plan compiles e against store. The returned Executor's Run evaluates the
// query; Plan itself does no I/O.
func Plan(e query.Expr, store *windowstore.Store) (*Executor, error) {
	q, ok := e.(*query.Quantile)
	if !ok {
		return nil, fmt.Errorf("exec: query root must be a quantile expression, got %s", e.String())
	}
	setN, err := compileSet(q.Input, store)
	if err != nil {
		return nil, err
	}
	return &Executor{set: setN, phis: q.Phis}, nil
}

// Executor runs a compiled query.
type Executor struct {
	set  setNode
	phis []float64
}

// Run evaluates the query, checking ctx for cancellation at each window
// boundary so a slow query can be aborted without leaking the goroutine
// producing its input stream.
func (ex *Executor) Run(ctx context.Context) (Table, error) {
	stream, err := ex.set(ctx)
	if err != nil {
		return nil, err
	}

	var table Table
	var runErr error
	stream(func(w windowstore.Window) bool {
		if ctx.Err() != nil {
			runErr = cserr.ErrDeadline
			return false
		}
		vals, err := w.Sketch.Quantiles(ex.phis...)
		if err != nil {
			runErr = err
			return false
		}
		table = append(table, Row{Start: w.Start, End: w.End, Values: vals})
		return true
	})
	if runErr == nil && ctx.Err() != nil {
		runErr = cserr.ErrDeadline
	}
	if runErr != nil {
		return nil, runErr
	}
	return table, nil
}

func compileSet(e query.SetExpr, store *windowstore.Store) (setNode, error) {
	switch n := e.(type) {
	case *query.Fetch:
		return compileFetch(n, store)
	case *query.Search:
		return compileSearch(n, store)
	case *query.Coalesce:
		return compileCoalesce(n, store)
	case *query.Combine:
		return compileCombine(n, store)
	case *query.Group:
		return compileGroup(n, store)
	default:
		return nil, fmt.Errorf("exec: unknown set expression %T", e)
	}
}

func compileFetch(n *query.Fetch, store *windowstore.Store) (setNode, error) {
	return func(ctx context.Context) (setStream, error) {
		return store.Fetch(ctx, n.Metric, n.Lo, n.Hi)
	}, nil
}

func compileSearch(n *query.Search, store *windowstore.Store) (setNode, error) {
	return func(ctx context.Context) (setStream, error) {
		names, err := store.Search(n.Glob)
		if err != nil {
			return nil, err
		}
		return func(yield func(windowstore.Window) bool) {
			for _, name := range names {
				seq, err := store.Fetch(ctx, name, nil, nil)
				if err != nil {
					return
				}
				cont := true
				seq(func(w windowstore.Window) bool {
					if ctx.Err() != nil || !yield(w) {
						cont = false
						return false
					}
					return true
				})
				if !cont {
					return
				}
			}
		}, nil
	}, nil
}

func compileCoalesce(n *query.Coalesce, store *windowstore.Store) (setNode, error) {
	inner, err := compileSet(n.Input, store)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (setStream, error) {
		stream, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		var acc *sketch.Sketch
		var start, end int64
		first := true
		var mergeErr error
		stream(func(w windowstore.Window) bool {
			if first {
				acc = w.Sketch
				start, end = w.Start, w.End
				first = false
				return true
			}
			if err := acc.Merge(w.Sketch); err != nil {
				mergeErr = err
				return false
			}
			if w.Start < start {
				start = w.Start
			}
			if w.End > end {
				end = w.End
			}
			return true
		})
		if mergeErr != nil {
			return nil, mergeErr
		}
		return func(yield func(windowstore.Window) bool) {
			if !first {
				yield(windowstore.Window{Start: start, End: end, Sketch: acc})
			}
		}, nil
	}, nil
}

// heapItem is one input stream's current head, used by compileCombine's
// k-way merge.
type heapItem struct {
	window windowstore.Window
	next   func() (windowstore.Window, bool)
}

type windowHeap []*heapItem

func (h windowHeap) Len() int            { return len(h) }
func (h windowHeap) Less(i, j int) bool  { return h[i].window.Start < h[j].window.Start }
func (h windowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *windowHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *windowHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func pullFrom(stream setStream) func() (windowstore.Window, bool) {
	next, stop := iter.Pull(stream)
	return func() (windowstore.Window, bool) {
		w, ok := next()
		if !ok {
			stop()
		}
		return w, ok
	}
}

// compileCombine's merge runs eagerly (unlike the other set nodes, which
// stream lazily) because a window that partially overlaps another input's
// window is an error (cserr.ErrOverlapMismatch) that must be reported to
// the caller of Plan/Run rather than silently truncating the result
// stream — iter.Seq has no channel for mid-stream errors, so the merge
// is done up front and only then handed back as a stream of the already
// computed rows.
func compileCombine(n *query.Combine, store *windowstore.Store) (setNode, error) {
	inners := make([]setNode, len(n.Inputs))
	for i, in := range n.Inputs {
		inner, err := compileSet(in, store)
		if err != nil {
			return nil, err
		}
		inners[i] = inner
	}
	return func(ctx context.Context) (setStream, error) {
		h := &windowHeap{}
		heap.Init(h)
		for _, inner := range inners {
			stream, err := inner(ctx)
			if err != nil {
				return nil, err
			}
			pull := pullFrom(stream)
			if w, ok := pull(); ok {
				heap.Push(h, &heapItem{window: w, next: pull})
			}
		}

		var merged []windowstore.Window
		for h.Len() > 0 {
			if ctx.Err() != nil {
				return nil, cserr.ErrDeadline
			}
			item := heap.Pop(h).(*heapItem)
			out := item.window
			acc := out.Sketch

			// Pull every other head that matches out's bounds exactly;
			// anything that partially overlaps is an error.
			for h.Len() > 0 && (*h)[0].window.Start < out.End {
				other := heap.Pop(h).(*heapItem)
				if other.window.Start != out.Start || other.window.End != out.End {
					return nil, cserr.ErrOverlapMismatch
				}
				if err := acc.Merge(other.window.Sketch); err != nil {
					return nil, err
				}
				if w, ok := other.next(); ok {
					heap.Push(h, &heapItem{window: w, next: other.next})
				}
			}

			out.Sketch = acc
			merged = append(merged, out)
			if w, ok := item.next(); ok {
				heap.Push(h, &heapItem{window: w, next: item.next})
			}
		}

		return func(yield func(windowstore.Window) bool) {
			for _, w := range merged {
				if !yield(w) {
					return
				}
			}
		}, nil
	}, nil
}

// bucketBounds snaps t down to the start of its calendar bucket (UTC) and
// returns [bucketStart, bucketStart+step) for a one-unit-wide bucket —
// spec.md's group has no bucket-count argument, only a unit.
func bucketBounds(t int64, unit query.GroupUnit) (int64, int64) {
	tm := time.Unix(t, 0).UTC()
	var step time.Duration
	switch unit {
	case query.GroupMinutes:
		step = time.Minute
	case query.GroupHours:
		step = time.Hour
	case query.GroupDays:
		step = 24 * time.Hour
	}
	epoch := tm.Unix()
	bucketStart := (epoch / int64(step.Seconds())) * int64(step.Seconds())
	return bucketStart, bucketStart + int64(step.Seconds())
}

func compileGroup(n *query.Group, store *windowstore.Store) (setNode, error) {
	inner, err := compileSet(n.Input, store)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (setStream, error) {
		stream, err := inner(ctx)
		if err != nil {
			return nil, err
		}

		type bucket struct {
			start, end int64
			acc        *sketch.Sketch
		}
		var buckets []*bucket
		index := map[int64]*bucket{}

		stream(func(w windowstore.Window) bool {
			bStart, bEnd := bucketBounds(w.Start, n.Unit)
			b, ok := index[bStart]
			if !ok {
				b = &bucket{start: bStart, end: bEnd, acc: w.Sketch}
				index[bStart] = b
				buckets = append(buckets, b)
				return true
			}
			b.acc.Merge(w.Sketch)
			return true
		})

		return func(yield func(windowstore.Window) bool) {
			for _, b := range buckets {
				if !yield(windowstore.Window{Start: b.start, End: b.end, Sketch: b.acc}) {
					return
				}
			}
		}, nil
	}, nil
}
