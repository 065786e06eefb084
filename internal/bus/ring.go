package bus

import (
	"context"
	"sync"
)

// Ring is a bounded, thread-safe FIFO queue. When full, Push overwrites the
// oldest item instead of blocking or growing.
type Ring[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	closed bool

	ready chan struct{} // signalled when an item is pushed
	done  chan struct{}

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalDropped int64
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:   make([]T, capacity),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends item. It reports how many items were overwritten (0 or 1)
// and false if the ring is closed.
func (r *Ring[T]) Push(item T) (dropped int, ok bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, false
	}

	capacity := len(r.buf)
	if r.count == capacity {
		// Overwrite the oldest and advance head.
		r.buf[r.head] = item
		r.head = (r.head + 1) % capacity
		r.totalDropped++
		dropped = 1
	} else {
		r.buf[(r.head+r.count)%capacity] = item
		r.count++
	}
	r.totalPushed++
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped, true
}

// TryPop removes the oldest item without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.totalPopped++
	return item, true
}

// Pop blocks until an item is available, the ring is closed and empty, or
// ctx ends. It returns false in the latter two cases.
func (r *Ring[T]) Pop(ctx context.Context) (T, bool) {
	for {
		r.mu.Lock()
		item, ok := r.popLocked()
		closed := r.closed
		r.mu.Unlock()

		if ok {
			return item, true
		}
		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-r.ready:
		case <-r.done:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// DrainTo removes up to max items (all when max <= 0), oldest first.
func (r *Ring[T]) DrainTo(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	n := r.count
	if max > 0 && max < n {
		n = max
	}
	result := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item, _ := r.popLocked()
		result = append(result, item)
	}
	return result
}

// Close stops further pushes. Pending items can still be popped.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Count:        r.count,
		Capacity:     len(r.buf),
		TotalPushed:  r.totalPushed,
		TotalPopped:  r.totalPopped,
		TotalDropped: r.totalDropped,
	}
}

// RingStats contains ring statistics.
type RingStats struct {
	Count        int   `json:"count"`
	Capacity     int   `json:"capacity"`
	TotalPushed  int64 `json:"total_pushed"`
	TotalPopped  int64 `json:"total_popped"`
	TotalDropped int64 `json:"total_dropped"`
}
