// Package deltaq implements an ordered timer queue in which every entry
// stores its delay relative to the entry in front of it.
//
// Summing the deltas from the head up to and including an entry yields
// that entry's absolute fire time, so advancing the whole queue by N ticks
// only touches the head. Entries with equal fire times fire in insertion
// order.
package deltaq

// Entry is a handle to a queued value. It stays valid until the entry is
// removed or fired.
type Entry[T any] struct {
	Value T
	delta uint32
	q     *Queue[T]
}

// Queued reports whether the entry is still held by a queue.
func (e *Entry[T]) Queued() bool {
	return e != nil && e.q != nil
}

// Queue is a delta-ordered timer queue. The zero value is ready to use.
// It is not safe for concurrent use.
type Queue[T any] struct {
	entries []*Entry[T]
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.entries)
}

// Push queues v to fire after ticks and returns its handle.
func (q *Queue[T]) Push(v T, ticks uint32) *Entry[T] {
	e := &Entry[T]{Value: v}
	q.insert(e, ticks)
	return e
}

func (q *Queue[T]) insert(e *Entry[T], ticks uint32) {
	i := 0
	for ; i < len(q.entries); i++ {
		cur := q.entries[i]
		if ticks < cur.delta {
			cur.delta -= ticks
			break
		}
		ticks -= cur.delta
	}
	e.delta = ticks
	e.q = q
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

func (q *Queue[T]) index(e *Entry[T]) int {
	if e == nil || e.q != q {
		return -1
	}
	for i, cur := range q.entries {
		if cur == e {
			return i
		}
	}
	return -1
}

func (q *Queue[T]) removeAt(i int) *Entry[T] {
	e := q.entries[i]
	if i+1 < len(q.entries) {
		q.entries[i+1].delta += e.delta
	}
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = nil
	q.entries = q.entries[:len(q.entries)-1]
	e.q = nil
	e.delta = 0
	return e
}

// Remove takes e out of the queue. It returns false if e was not queued
// here.
func (q *Queue[T]) Remove(e *Entry[T]) bool {
	i := q.index(e)
	if i < 0 {
		return false
	}
	q.removeAt(i)
	return true
}

// Reschedule moves a queued entry so that it fires after ticks from now.
// An entry that is not queued is pushed back in.
func (q *Queue[T]) Reschedule(e *Entry[T], ticks uint32) {
	if i := q.index(e); i >= 0 {
		q.removeAt(i)
	}
	q.insert(e, ticks)
}

// Due returns the number of ticks until e fires.
func (q *Queue[T]) Due(e *Entry[T]) (uint32, bool) {
	var sum uint32
	for _, cur := range q.entries {
		sum += cur.delta
		if cur == e {
			return sum, true
		}
	}
	return 0, false
}

// Find returns the first entry, in fire order, whose value matches.
func (q *Queue[T]) Find(match func(T) bool) *Entry[T] {
	for _, cur := range q.entries {
		if match(cur.Value) {
			return cur
		}
	}
	return nil
}

// RemoveFunc removes every entry whose value matches and returns how many
// were removed.
func (q *Queue[T]) RemoveFunc(match func(T) bool) int {
	n := 0
	for i := 0; i < len(q.entries); {
		if match(q.entries[i].Value) {
			q.removeAt(i)
			n++
			continue
		}
		i++
	}
	return n
}

// FireTimes returns the absolute fire time of every entry, head first.
func (q *Queue[T]) FireTimes() []uint32 {
	out := make([]uint32, len(q.entries))
	var sum uint32
	for i, cur := range q.entries {
		sum += cur.delta
		out[i] = sum
	}
	return out
}

// Each calls fn for every entry in fire order until fn returns false.
func (q *Queue[T]) Each(fn func(e *Entry[T], due uint32) bool) {
	var sum uint32
	for _, cur := range append([]*Entry[T](nil), q.entries...) {
		sum += cur.delta
		if !fn(cur, sum) {
			return
		}
	}
}

// Advance moves the queue forward by ticks, firing every entry whose delay
// has elapsed. fire receives the entry and the number of ticks, counted
// from the start of this call, at which it was due. fire may push new
// entries; those are measured from the fired entry's due time and fire in
// this same call if they fall within the advanced window.
func (q *Queue[T]) Advance(ticks uint32, fire func(e *Entry[T], at uint32)) {
	var consumed uint32
	for len(q.entries) > 0 {
		head := q.entries[0]
		if head.delta > ticks {
			head.delta -= ticks
			return
		}
		ticks -= head.delta
		consumed += head.delta
		head.delta = 0
		q.removeAt(0)
		fire(head, consumed)
	}
}
