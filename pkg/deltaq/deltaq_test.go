package deltaq

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPushOrdersByFireTime(t *testing.T) {
	var q Queue[string]
	q.Push("c", 30)
	q.Push("a", 10)
	q.Push("b", 20)
	q.Push("b2", 20)

	var got []string
	q.Each(func(e *Entry[string], _ uint32) bool {
		got = append(got, e.Value)
		return true
	})
	if diff := cmp.Diff([]string{"a", "b", "b2", "c"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{10, 20, 20, 30}, q.FireTimes()); diff != "" {
		t.Errorf("fire times mismatch (-want +got):\n%s", diff)
	}
}

func TestRemovePreservesSuccessorTime(t *testing.T) {
	var q Queue[int]
	q.Push(1, 5)
	mid := q.Push(2, 12)
	last := q.Push(3, 40)

	if !q.Remove(mid) {
		t.Fatal("Remove returned false for queued entry")
	}
	if mid.Queued() {
		t.Error("removed entry still reports queued")
	}
	if due, ok := q.Due(last); !ok || due != 40 {
		t.Errorf("Due(last) = %d, %v; want 40, true", due, ok)
	}
	if q.Remove(mid) {
		t.Error("second Remove should return false")
	}
}

func TestReschedule(t *testing.T) {
	var q Queue[int]
	a := q.Push(1, 50)
	q.Push(2, 20)
	q.Reschedule(a, 5)
	if diff := cmp.Diff([]uint32{5, 20}, q.FireTimes()); diff != "" {
		t.Errorf("fire times mismatch (-want +got):\n%s", diff)
	}
	if q.entries[0] != a {
		t.Error("rescheduled entry should be at head")
	}
}

func TestAdvanceFiresDueEntries(t *testing.T) {
	var q Queue[string]
	q.Push("a", 3)
	q.Push("b", 3)
	q.Push("c", 7)
	q.Push("d", 12)

	type fired struct {
		V  string
		At uint32
	}
	var got []fired
	q.Advance(8, func(e *Entry[string], at uint32) {
		got = append(got, fired{e.Value, at})
	})
	want := []fired{{"a", 3}, {"b", 3}, {"c", 7}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fired mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{4}, q.FireTimes()); diff != "" {
		t.Errorf("remaining fire times mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvanceRequeueWithinWindow(t *testing.T) {
	var q Queue[int]
	q.Push(0, 2)
	var ats []uint32
	q.Advance(10, func(e *Entry[int], at uint32) {
		ats = append(ats, at)
		if e.Value < 3 {
			q.Push(e.Value+1, 3)
		}
	})
	if diff := cmp.Diff([]uint32{2, 5, 8}, ats); diff != "" {
		t.Errorf("fire offsets mismatch (-want +got):\n%s", diff)
	}
	// Fourth entry was pushed at offset 8 with delay 3 and has 1 tick left.
	if diff := cmp.Diff([]uint32{1}, q.FireTimes()); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveFunc(t *testing.T) {
	var q Queue[int]
	for i := 0; i < 6; i++ {
		q.Push(i, uint32(i*10))
	}
	n := q.RemoveFunc(func(v int) bool { return v%2 == 0 })
	if n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	if diff := cmp.Diff([]uint32{10, 30, 50}, q.FireTimes()); diff != "" {
		t.Errorf("fire times mismatch (-want +got):\n%s", diff)
	}
}

// Random operation sequences must keep absolute fire times non-decreasing
// and consistent with a naive model.
func TestRandomOperationsKeepOrder(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	var q Queue[int]
	model := map[int]uint32{}
	handles := map[int]*Entry[int]{}
	next := 0

	for step := 0; step < 2000; step++ {
		switch r.IntN(4) {
		case 0, 1:
			d := r.Uint32N(100)
			handles[next] = q.Push(next, d)
			model[next] = d
			next++
		case 2:
			for id, h := range handles {
				q.Remove(h)
				delete(handles, id)
				delete(model, id)
				break
			}
		case 3:
			adv := r.Uint32N(30)
			q.Advance(adv, func(e *Entry[int], at uint32) {
				if model[e.Value] != at {
					t.Fatalf("step %d: entry %d fired at %d, model %d", step, e.Value, at, model[e.Value])
				}
				delete(model, e.Value)
				delete(handles, e.Value)
			})
			for id := range model {
				model[id] -= adv
			}
		}

		times := q.FireTimes()
		for i := 1; i < len(times); i++ {
			if times[i] < times[i-1] {
				t.Fatalf("step %d: fire times not monotonic: %v", step, times)
			}
		}
		for id, h := range handles {
			due, ok := q.Due(h)
			if !ok || due != model[id] {
				t.Fatalf("step %d: entry %d due %d (ok=%v), model %d", step, id, due, ok, model[id])
			}
		}
	}
}
