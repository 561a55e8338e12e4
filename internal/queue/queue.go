// Package queue provides a small FIFO container used for outbound
// messages, files and deferred operations.
package queue

// Queue is a first-in first-out list. The zero value is ready to use.
// It is not safe for concurrent use.
type Queue[T any] struct {
	items []T
	head  int
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// PushFront puts v back at the head, used when a popped item could not be
// delivered and must keep its position.
func (q *Queue[T]) PushFront(v T) {
	if q.head > 0 {
		q.head--
		q.items[q.head] = v
		return
	}
	q.items = append([]T{v}, q.items...)
}

func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	return out
}
