// Package symdiff splits two sets into left-only, right-only and common
// elements in caller-bounded steps.
//
// Both inputs are sorted once on construction. Each pass is then a two-pointer
// merge with its own cursor pair, so the left and the right pass are
// independent, resumable at any step and linear in |L|+|R| overall.
package symdiff

import (
	"cmp"
	"slices"
)

type pass struct {
	progress int // position in the side being classified
	search   int // position in the opposite side
}

// Extractor holds the state of one incremental comparison.
// It is not safe for concurrent use.
type Extractor[T cmp.Ordered] struct {
	left, right []T
	// matched marks elements already emitted to common by either pass.
	leftMatched, rightMatched []bool

	lp, rp pass

	leftOnly, rightOnly, common []T

	// sweepR/sweepW are the read and write cursors of SweepCommon.
	sweepR, sweepW  int
	sweeping, swept bool
}

// New copies, sorts and de-duplicates both inputs.
func New[T cmp.Ordered](left, right []T) *Extractor[T] {
	l := slices.Compact(slices.Sorted(slices.Values(left)))
	r := slices.Compact(slices.Sorted(slices.Values(right)))
	return &Extractor[T]{
		left:         l,
		right:        r,
		leftMatched:  make([]bool, len(l)),
		rightMatched: make([]bool, len(r)),
	}
}

// WorkLeftOnly advances the left pass by at most amount steps and reports
// whether the pass is complete. Every element of the left set ends up either
// in LeftOnly or in Common.
func (e *Extractor[T]) WorkLeftOnly(amount int) bool {
	advance(&e.lp, amount, e.left, e.right, e.leftMatched, e.rightMatched, &e.leftOnly, &e.common)
	return e.LeftPassDone()
}

// WorkRightOnly is the mirror image of WorkLeftOnly.
func (e *Extractor[T]) WorkRightOnly(amount int) bool {
	advance(&e.rp, amount, e.right, e.left, e.rightMatched, e.leftMatched, &e.rightOnly, &e.common)
	return e.RightPassDone()
}

// advance runs one bounded merge pass that classifies side against other.
func advance[T cmp.Ordered](cur *pass, amount int, side, other []T, sideMatched, otherMatched []bool, only, common *[]T) {
	for step := 0; step < amount && cur.progress < len(side); step++ {
		v := side[cur.progress]
		if cur.search >= len(other) {
			*only = append(*only, v)
			cur.progress++
			continue
		}
		switch c := cmp.Compare(v, other[cur.search]); {
		case c < 0:
			*only = append(*only, v)
			cur.progress++
		case c > 0:
			cur.search++
		default:
			if !sideMatched[cur.progress] {
				*common = append(*common, v)
				sideMatched[cur.progress] = true
				otherMatched[cur.search] = true
			}
			cur.progress++
			cur.search++
		}
	}
}

// LeftPassDone reports whether every left element has been classified.
func (e *Extractor[T]) LeftPassDone() bool { return e.lp.progress >= len(e.left) }

// RightPassDone reports whether every right element has been classified.
func (e *Extractor[T]) RightPassDone() bool { return e.rp.progress >= len(e.right) }

// LeftWorkDone reports whether the right pass has exhausted the right set,
// i.e. no further right-only work is left.
func (e *Extractor[T]) LeftWorkDone() bool { return e.RightPassDone() }

// RightWorkDone reports whether the left pass has exhausted the left set,
// i.e. no further left-only work is left.
func (e *Extractor[T]) RightWorkDone() bool { return e.LeftPassDone() }

// Done reports whether both passes are complete.
func (e *Extractor[T]) Done() bool { return e.LeftPassDone() && e.RightPassDone() }

// LeftOnly returns the elements found only in the left set so far.
// The slice is shared; callers must not modify it.
func (e *Extractor[T]) LeftOnly() []T { return e.leftOnly }

// RightOnly returns the elements found only in the right set so far.
// The slice is shared; callers must not modify it.
func (e *Extractor[T]) RightOnly() []T { return e.rightOnly }

// Common returns the elements found in both sets so far.
func (e *Extractor[T]) Common() []T {
	if e.sweeping {
		return slices.Concat(e.common[:e.sweepW], e.common[e.sweepR:])
	}
	return e.common
}

// PopLeftOnly removes and returns the last left-only element.
func (e *Extractor[T]) PopLeftOnly() (T, bool) { return pop(&e.leftOnly) }

// RequeueLeftOnly puts an element back at the front of the left-only list,
// so it is popped again only after every other pending element.
func (e *Extractor[T]) RequeueLeftOnly(v T) { e.leftOnly = slices.Insert(e.leftOnly, 0, v) }

// PopCommon removes and returns the last common element. It returns false
// while a sweep is in progress.
func (e *Extractor[T]) PopCommon() (T, bool) {
	if e.sweeping {
		var zero T
		return zero, false
	}
	return pop(&e.common)
}

// RequeueCommon puts an element back at the front of the common list.
func (e *Extractor[T]) RequeueCommon(v T) { e.common = slices.Insert(e.common, 0, v) }

func pop[T any](s *[]T) (T, bool) {
	var zero T
	n := len(*s)
	if n == 0 {
		return zero, false
	}
	v := (*s)[n-1]
	(*s)[n-1] = zero
	*s = (*s)[:n-1]
	return v, true
}

// SweepCommon visits at most amount common elements and drops those for
// which keep returns false. It reports whether the sweep is complete. The
// sweep only starts once both passes are done, and a completed sweep is not
// repeated.
func (e *Extractor[T]) SweepCommon(amount int, keep func(T) bool) bool {
	if !e.Done() {
		return false
	}
	if e.swept {
		return true
	}
	e.sweeping = true
	for step := 0; step < amount && e.sweepR < len(e.common); step++ {
		v := e.common[e.sweepR]
		e.sweepR++
		if keep(v) {
			e.common[e.sweepW] = v
			e.sweepW++
		}
	}
	if e.sweepR < len(e.common) {
		return false
	}
	clear(e.common[e.sweepW:])
	e.common = e.common[:e.sweepW]
	e.sweeping, e.swept = false, true
	return true
}
