// Package dsa holds the small data structures the runtime needs.
package dsa

// ─── Ring Deque ─────────────────────────────────────────────────────────────
// Growable ring buffer. PushBack and PopFront are amortised O(1); the
// buffer doubles when full and never shrinks below minCap.

const minCap = 8

// Deque is a FIFO/LIFO double-ended queue. Not safe for concurrent use.
type Deque[T any] struct {
	buf  []T
	head int
	n    int
}

// NewDeque creates an empty deque with room for capacity items.
func NewDeque[T any](capacity int) *Deque[T] {
	if capacity < minCap {
		capacity = minCap
	}
	return &Deque[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued items.
func (d *Deque[T]) Len() int { return d.n }

// PushBack appends v at the tail.
func (d *Deque[T]) PushBack(v T) {
	if d.buf == nil {
		d.buf = make([]T, minCap)
	}
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++
}

// PushFront inserts v at the head.
func (d *Deque[T]) PushFront(v T) {
	if d.buf == nil {
		d.buf = make([]T, minCap)
	}
	if d.n == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = v
	d.n++
}

// PopFront removes and returns the head item.
func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero // release references
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return v, true
}

// Front returns the head item without removing it.
func (d *Deque[T]) Front() (T, bool) {
	if d.n == 0 {
		var zero T
		return zero, false
	}
	return d.buf[d.head], true
}

// At returns the i-th item from the head. It panics if i is out of range.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.n {
		panic("dsa: deque index out of range")
	}
	return d.buf[(d.head+i)%len(d.buf)]
}

// RemoveFunc deletes every item for which drop returns true, keeping the
// order of the rest. O(n).
func (d *Deque[T]) RemoveFunc(drop func(T) bool) int {
	kept := 0
	removed := 0
	var zero T
	for i := 0; i < d.n; i++ {
		v := d.buf[(d.head+i)%len(d.buf)]
		if drop(v) {
			removed++
			continue
		}
		d.buf[(d.head+kept)%len(d.buf)] = v
		kept++
	}
	for i := kept; i < d.n; i++ {
		d.buf[(d.head+i)%len(d.buf)] = zero
	}
	d.n = kept
	return removed
}

// Clear drops every item.
func (d *Deque[T]) Clear() {
	var zero T
	for i := 0; i < d.n; i++ {
		d.buf[(d.head+i)%len(d.buf)] = zero
	}
	d.head, d.n = 0, 0
}

// Items returns a head-to-tail copy.
func (d *Deque[T]) Items() []T {
	out := make([]T, d.n)
	for i := range out {
		out[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	return out
}

func (d *Deque[T]) grow() {
	buf := make([]T, len(d.buf)*2)
	for i := 0; i < d.n; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}
