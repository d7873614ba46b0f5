package query

import (
	"fmt"
	"strconv"
	"strings"
)

// SetExpr is the marker interface for the "stream of windows" value
// category of the query language: fetch, coalesce, combine, group, search.
type SetExpr interface {
	setExpr()
	String() string
}

// QuantileExpr is the marker interface for the "table of quantile values"
// value category: the sole member is Quantile itself, since nesting a
// quantile expression inside another is not meaningful.
type QuantileExpr interface {
	quantileExpr()
	String() string
}

// Fetch selects one metric's window stream, optionally clipped to [Lo, Hi).
type Fetch struct {
	Metric string
	Lo, Hi *int64
}

func (*Fetch) setExpr() {}
func (f *Fetch) String() string {
	if f.Lo == nil || f.Hi == nil {
		return fmt.Sprintf("fetch(%s)", f.Metric)
	}
	return fmt.Sprintf("fetch(%s, %d, %d)", f.Metric, *f.Lo, *f.Hi)
}

// Search selects every metric matching a glob and yields their streams
// concatenated (as distinct series, not merged).
type Search struct {
	Glob string
}

func (*Search) setExpr() {}
func (s *Search) String() string { return fmt.Sprintf("search(%s)", s.Glob) }

// Coalesce merges an entire stream into a single window spanning it.
type Coalesce struct {
	Input SetExpr
}

func (*Coalesce) setExpr() {}
func (c *Coalesce) String() string { return fmt.Sprintf("coalesce(%s)", c.Input.String()) }

// Combine merges multiple streams window-by-window via a strict
// start/end match (spec's resolved Open Question on partial overlaps).
type Combine struct {
	Inputs []SetExpr
}

func (*Combine) setExpr() {}
func (c *Combine) String() string {
	parts := make([]string, len(c.Inputs))
	for i, in := range c.Inputs {
		parts[i] = in.String()
	}
	return fmt.Sprintf("combine(%s)", strings.Join(parts, ", "))
}

// GroupUnit is the calendar bucket a Group snaps windows to.
type GroupUnit int

const (
	GroupMinutes GroupUnit = iota
	GroupHours
	GroupDays
)

func (u GroupUnit) String() string {
	switch u {
	case GroupMinutes:
		return "minutes"
	case GroupHours:
		return "hours"
	case GroupDays:
		return "days"
	default:
		return "unknown"
	}
}

// Group buckets a stream's windows into calendar-aligned spans of one
// Unit (hours/days/minutes, UTC), merging every window whose start falls
// in the same bucket.
type Group struct {
	Unit  GroupUnit
	Input SetExpr
}

func (*Group) setExpr() {}
func (g *Group) String() string {
	return fmt.Sprintf("group(%s, %s)", g.Unit.String(), g.Input.String())
}

// Quantile evaluates one or more quantiles over every window of Input.
type Quantile struct {
	Input SetExpr
	Phis  []float64
}

func (*Quantile) quantileExpr() {}
func (q *Quantile) String() string {
	parts := make([]string, len(q.Phis))
	for i, p := range q.Phis {
		parts[i] = strconv.FormatFloat(p, 'g', -1, 64)
	}
	return fmt.Sprintf("quantile(%s, %s)", q.Input.String(), strings.Join(parts, ", "))
}

// Expr is either a SetExpr or a QuantileExpr; Parse returns this union and
// callers type-switch on it.
type Expr interface {
	String() string
}
