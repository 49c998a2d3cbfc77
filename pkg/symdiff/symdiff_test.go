package symdiff

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// runToCompletion alternates bounded left and right steps until both passes finish.
func runToCompletion[T interface{ ~string | ~int }](t *testing.T, e *Extractor[T], amount int) {
	t.Helper()
	for i := 0; !e.Done(); i++ {
		if i > 1_000_000 {
			t.Fatal("extractor never finished")
		}
		e.WorkLeftOnly(amount)
		e.WorkRightOnly(amount)
	}
}

func setDiff(a, b []int) []int {
	var out []int
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func intersect(a, b []int) []int {
	var out []int
	for _, v := range a {
		if slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

func randomSet(r *rand.Rand, n, max int) []int {
	seen := make(map[int]struct{})
	var out []int
	for len(out) < n {
		v := r.IntN(max)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var sortInts = cmpopts.SortSlices(func(a, b int) bool { return a < b })

func TestPartitionProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	for round := range 200 {
		a := randomSet(r, r.IntN(60), 100)
		b := randomSet(r, r.IntN(60), 100)
		amount := 1 + r.IntN(10)

		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			e := New(a, b)
			runToCompletion(t, e, amount)

			if diff := cmp.Diff(setDiff(a, b), e.LeftOnly(), sortInts, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("LeftOnly mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(setDiff(b, a), e.RightOnly(), sortInts, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("RightOnly mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(intersect(a, b), e.Common(), sortInts, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Common mismatch (-want +got):\n%s", diff)
			}
			if got := len(e.LeftOnly()) + len(e.Common()); got != len(a) {
				t.Errorf("|LeftOnly|+|Common| = %d, want %d", got, len(a))
			}
			if got := len(e.RightOnly()) + len(e.Common()); got != len(b) {
				t.Errorf("|RightOnly|+|Common| = %d, want %d", got, len(b))
			}
		})
	}
}

func TestPassesAreIndependent(t *testing.T) {
	a := []string{"a", "b", "c", "d"}
	b := []string{"b", "d", "e"}

	t.Run("LeftOnlyPass", func(t *testing.T) {
		e := New(a, b)
		for !e.WorkLeftOnly(1) {
		}
		if diff := cmp.Diff([]string{"a", "c"}, e.LeftOnly()); diff != "" {
			t.Errorf("LeftOnly mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"b", "d"}, e.Common()); diff != "" {
			t.Errorf("Common mismatch (-want +got):\n%s", diff)
		}
		if len(e.RightOnly()) != 0 {
			t.Errorf("right pass never ran, RightOnly should be empty, got %v", e.RightOnly())
		}
		if !e.RightWorkDone() || e.LeftWorkDone() {
			t.Errorf("expected RightWorkDone=true LeftWorkDone=false, got %v %v", e.RightWorkDone(), e.LeftWorkDone())
		}
	})

	t.Run("RightThenLeftDoesNotDuplicateCommon", func(t *testing.T) {
		e := New(a, b)
		for !e.WorkRightOnly(2) {
		}
		for !e.WorkLeftOnly(2) {
		}
		if diff := cmp.Diff([]string{"b", "d"}, e.Common()); diff != "" {
			t.Errorf("Common mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"e"}, e.RightOnly()); diff != "" {
			t.Errorf("RightOnly mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestBoundedWork(t *testing.T) {
	e := New([]int{1, 2, 3, 4, 5}, nil)
	if e.WorkLeftOnly(2) {
		t.Fatal("pass must not finish after 2 of 5 steps")
	}
	if len(e.LeftOnly()) != 2 {
		t.Errorf("expected 2 classified elements, got %d", len(e.LeftOnly()))
	}
	if e.WorkLeftOnly(0) {
		t.Error("zero amount must not finish the pass")
	}
	if !e.WorkLeftOnly(3) {
		t.Error("pass should finish after 5 steps")
	}
}

func TestIdenticalSetsHaveNoDifference(t *testing.T) {
	paths := []string{"a.txt", "sub/b.txt", "sub/c.txt"}
	e := New(paths, slices.Clone(paths))
	runToCompletion(t, e, 1)
	if len(e.LeftOnly()) != 0 || len(e.RightOnly()) != 0 {
		t.Errorf("expected no differences, got left=%v right=%v", e.LeftOnly(), e.RightOnly())
	}
	if diff := cmp.Diff(paths, e.Common()); diff != "" {
		t.Errorf("Common mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyInputs(t *testing.T) {
	e := New[string](nil, nil)
	if !e.Done() {
		t.Error("empty extractor must be done immediately")
	}
	if !e.SweepCommon(10, func(string) bool { return true }) {
		t.Error("sweep over empty common must be done")
	}
}

func TestInputsAreDeduplicated(t *testing.T) {
	e := New([]int{3, 1, 3, 2}, []int{2, 2})
	runToCompletion(t, e, 5)
	if diff := cmp.Diff([]int{1, 3}, e.LeftOnly()); diff != "" {
		t.Errorf("LeftOnly mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2}, e.Common()); diff != "" {
		t.Errorf("Common mismatch (-want +got):\n%s", diff)
	}
}

func TestPopAndRequeue(t *testing.T) {
	e := New([]string{"a", "b", "c"}, []string{"c"})
	runToCompletion(t, e, 10)

	v, ok := e.PopLeftOnly()
	if !ok || v != "b" {
		t.Fatalf("expected to pop %q from the back, got %q (ok=%v)", "b", v, ok)
	}
	e.RequeueLeftOnly(v)
	if diff := cmp.Diff([]string{"b", "a"}, e.LeftOnly()); diff != "" {
		t.Errorf("LeftOnly mismatch after requeue (-want +got):\n%s", diff)
	}
	if next, _ := e.PopLeftOnly(); next != "a" {
		t.Errorf("expected the requeued element to wait behind %q, popped %q", "a", next)
	}

	c, ok := e.PopCommon()
	if !ok || c != "c" {
		t.Fatalf("expected to pop common %q, got %q", "c", c)
	}
	if _, ok := e.PopCommon(); ok {
		t.Error("expected empty common list")
	}
	e.RequeueCommon(c)
	if len(e.Common()) != 1 {
		t.Errorf("expected 1 common element after requeue, got %d", len(e.Common()))
	}
}

func TestSweepCommon(t *testing.T) {
	common := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	keepEven := func(v int) bool { return v%2 == 0 }

	e := New(common, common)
	if e.SweepCommon(100, keepEven) {
		t.Fatal("sweep must not run before both passes are done")
	}
	runToCompletion(t, e, 100)

	if e.SweepCommon(3, keepEven) {
		t.Fatal("sweep of 10 elements must not finish in 3 steps")
	}
	// Popping is refused while a sweep is in progress.
	if _, ok := e.PopCommon(); ok {
		t.Error("PopCommon must refuse during a sweep")
	}
	// The view stays consistent mid-sweep.
	if diff := cmp.Diff([]int{2, 4, 5, 6, 7, 8, 9, 10}, e.Common()); diff != "" {
		t.Errorf("mid-sweep Common mismatch (-want +got):\n%s", diff)
	}

	for !e.SweepCommon(3, keepEven) {
	}
	if diff := cmp.Diff([]int{2, 4, 6, 8, 10}, e.Common()); diff != "" {
		t.Errorf("Common mismatch (-want +got):\n%s", diff)
	}

	// A finished sweep is not repeated.
	if !e.SweepCommon(100, func(int) bool { return false }) {
		t.Error("completed sweep must report done")
	}
	if len(e.Common()) != 5 {
		t.Errorf("completed sweep must not run again, got %v", e.Common())
	}
}
