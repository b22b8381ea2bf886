package queue

// ring is a fixed-capacity FIFO that overwrites its oldest element when
// full. Not safe for concurrent use; Queue holds the lock.
type ring[T any] struct {
	buf   []T
	head  int // read position
	tail  int // write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends item. When the ring is full the oldest element is removed
// first and returned with evicted set.
func (r *ring[T]) push(item T) (old T, evicted bool) {
	if r.count == len(r.buf) {
		old = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		evicted = true
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	return old, evicted
}

// drain removes and returns all elements in FIFO order.
func (r *ring[T]) drain() []T {
	if r.count == 0 {
		return nil
	}

	result := make([]T, r.count)
	var zero T
	for i := range result {
		result[i] = r.buf[r.head]
		r.buf[r.head] = zero // Clear reference for GC
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count = 0
	r.head = 0
	r.tail = 0
	return result
}

// items returns a copy of all elements in FIFO order.
func (r *ring[T]) items() []T {
	result := make([]T, r.count)
	for i := range result {
		result[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return result
}

func (r *ring[T]) len() int { return r.count }

