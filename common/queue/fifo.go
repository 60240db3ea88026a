package queue

// Fifo implements a first-in first-out (FIFO) queue of elements of type T.
//
// Elements are enqueued at the back and dequeued from the front. PushFront returns an element to the front of the
// queue, which is used to put back an element that was dequeued but could not be processed.
//
// Fifo is not safe for concurrent use.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial capacity and returns a pointer to it.
func NewFifo[T any](initialSize int) *Fifo[T] {
	if initialSize < 0 {
		initialSize = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialSize),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// PushFront adds the specified element to the front of the queue, so that it is the next element to be dequeued.
func (q *Fifo[T]) PushFront(elem T) {
	var zero T
	q.elements = append(q.elements, zero)
	copy(q.elements[1:], q.elements)
	q.elements[0] = elem
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, then Dequeue returns the zero value of T and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
//
// If the queue is empty, then Peek returns the zero value of T and false.
func (q *Fifo[T]) Peek() (T, bool) {
	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	return q.elements[0], true
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}

// Elements returns a copy of the elements of the queue, front first.
func (q *Fifo[T]) Elements() []T {
	return append([]T(nil), q.elements...)
}
