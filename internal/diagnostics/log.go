package diagnostics

// Log is a bounded append-only list. Appending past the capacity drops the
// oldest entries. A Log is not safe for concurrent use.
type Log[T any] struct {
	capacity int
	items    []T
}

func NewLog[T any](capacity int) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[T]{capacity: capacity}
}

func (l *Log[T]) Append(v T) {
	l.items = append(l.items, v)
	if over := len(l.items) - l.capacity; over > 0 {
		l.items = append(l.items[:0:0], l.items[over:]...)
	}
}

// Replace swaps the contents for items, keeping only the newest that fit.
func (l *Log[T]) Replace(items []T) {
	if over := len(items) - l.capacity; over > 0 {
		items = items[over:]
	}
	l.items = append(l.items[:0:0], items...)
}

// Items returns a copy in append order.
func (l *Log[T]) Items() []T {
	return append([]T(nil), l.items...)
}

// Tail returns a copy of the newest n entries.
func (l *Log[T]) Tail(n int) []T {
	if n >= len(l.items) {
		return l.Items()
	}
	return append([]T(nil), l.items[len(l.items)-n:]...)
}

func (l *Log[T]) Len() int { return len(l.items) }
func (l *Log[T]) Cap() int { return l.capacity }
func (l *Log[T]) Clear() { l.items = nil }
