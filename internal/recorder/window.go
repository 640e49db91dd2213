package recorder

import "time"

// window is a fixed-capacity ring of timestamped items that also forgets
// items older than a maximum age. When full, pushing overwrites the oldest
// item. It is not safe for concurrent use; the Recorder's mutex guards it.
type window[T any] struct {
	buf        []T
	head, tail int64
	maxAge     time.Duration
	stamp      func(T) time.Time
}

func newWindow[T any](capacity int, maxAge time.Duration, stamp func(T) time.Time) *window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &window[T]{
		buf:    make([]T, capacity),
		maxAge: maxAge,
		stamp:  stamp,
	}
}

func (w *window[T]) Len() int {
	return int(w.tail - w.head)
}

// push appends v, then evicts from the front everything older than maxAge
// relative to now.
func (w *window[T]) push(now time.Time, v T) {
	size := int64(len(w.buf))
	if w.tail-w.head == size {
		w.clearAt(w.head)
		w.head++
	}
	w.buf[w.tail%size] = v
	w.tail++
	w.prune(now)
}

// prune evicts items whose age exceeds maxAge.
func (w *window[T]) prune(now time.Time) {
	size := int64(len(w.buf))
	for w.head < w.tail {
		if now.Sub(w.stamp(w.buf[w.head%size])) <= w.maxAge {
			return
		}
		w.clearAt(w.head)
		w.head++
	}
}

// oldest returns the front item.
func (w *window[T]) oldest() (v T, ok bool) {
	if w.head == w.tail {
		return v, false
	}
	return w.buf[w.head%int64(len(w.buf))], true
}

// drain returns the items in order and empties the window.
func (w *window[T]) drain() []T {
	out := make([]T, 0, w.Len())
	size := int64(len(w.buf))
	for ; w.head < w.tail; w.head++ {
		out = append(out, w.buf[w.head%size])
		w.clearAt(w.head)
	}
	w.head, w.tail = 0, 0
	return out
}

// clearAt drops the reference held in slot i so evicted pixel and sample
// buffers can be collected.
func (w *window[T]) clearAt(i int64) {
	var zero T
	w.buf[i%int64(len(w.buf))] = zero
}
