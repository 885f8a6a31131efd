// File: internal/arena/arena.go
// Author: momentics <momentics@gmail.com>
//
// Package arena is an index-stable table with a free list. Engines keep their
// connections here: add and remove are O(1) and ids stay valid until removed.
// Not safe for concurrent use.

package arena

// Arena stores values under small integer ids.
type Arena[T any] struct {
	items []T
	used  []bool
	free  []int
	n     int
}

// New returns an arena with room for hint values before growing.
func New[T any](hint int) *Arena[T] {
	return &Arena[T]{
		items: make([]T, 0, hint),
		used:  make([]bool, 0, hint),
	}
}

// Add stores v and returns its id.
func (a *Arena[T]) Add(v T) int {
	a.n++
	if k := len(a.free); k > 0 {
		id := a.free[k-1]
		a.free = a.free[:k-1]
		a.items[id] = v
		a.used[id] = true
		return id
	}
	a.items = append(a.items, v)
	a.used = append(a.used, true)
	return len(a.items) - 1
}

// Get returns the value stored under id.
func (a *Arena[T]) Get(id int) (T, bool) {
	if id < 0 || id >= len(a.items) || !a.used[id] {
		var zero T
		return zero, false
	}
	return a.items[id], true
}

// Remove deletes id and returns what it held.
func (a *Arena[T]) Remove(id int) (T, bool) {
	v, ok := a.Get(id)
	if !ok {
		return v, false
	}
	var zero T
	a.items[id] = zero
	a.used[id] = false
	a.free = append(a.free, id)
	a.n--
	return v, true
}

// Len returns the number of stored values.
func (a *Arena[T]) Len() int { return a.n }

// Each visits values in id order until fn returns false. fn may remove the
// id it is visiting.
func (a *Arena[T]) Each(fn func(id int, v T) bool) {
	for id := 0; id < len(a.items); id++ {
		if !a.used[id] {
			continue
		}
		if !fn(id, a.items[id]) {
			return
		}
	}
}
