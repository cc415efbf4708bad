// Package genlist implements a doubly linked list, where each insertion is
// tagged with a generation id, allowing stale references to be detected.
//
// Items may be provided by the caller, or allocated by the list, in which
// case they are owned by the list, and recycled on deletion.
package genlist

import (
	"errors"
)

type (
	// List is a doubly linked list of items. The zero value is not usable,
	// see New. A List is not safe for concurrent use.
	List[T any] struct {
		// Prevent copying
		_ [0]func()

		front, back *Item[T]
		count       int
		addCount    uint64
		recycled    []*Item[T]
		maxRecycled int
	}

	// Item is a list element. Callers may embed or allocate items themselves,
	// passing them to List.Add, but must not modify the links.
	Item[T any] struct {
		next, prev *Item[T]
		list       *List[T]

		// ID is the externally supplied id, see List.Add and List.Relink.
		ID uint64
		// AddID is the generation of the list, at the time this item was
		// (most recently) added.
		AddID uint64

		// Data is the value carried by the item.
		Data T

		owned bool
	}

	// Handle is a reference to a specific insertion of an item.
	// See Item.Handle and List.Resolve.
	Handle[T any] struct {
		item  *Item[T]
		addID uint64
	}

	// Option configures a List, see New.
	Option interface {
		applyOption(c *listConfig)
	}

	optionFunc func(c *listConfig)

	listConfig struct {
		maxRecycled int
	}
)

// DefaultMaxRecycled is the default bound of the pool of owned items.
const DefaultMaxRecycled = 64

// ErrStaleHandle indicates the item referenced by a Handle was deleted, or
// deleted and added again, since the Handle was taken.
var ErrStaleHandle = errors.New(`genlist: stale handle`)

func (f optionFunc) applyOption(c *listConfig) { f(c) }

// WithMaxRecycled bounds the number of owned items kept for reuse, after
// deletion. Zero disables recycling. Negative values are treated as zero.
func WithMaxRecycled(n int) Option {
	return optionFunc(func(c *listConfig) {
		c.maxRecycled = max(n, 0)
	})
}

// New initializes a List.
func New[T any](opts ...Option) *List[T] {
	c := listConfig{maxRecycled: DefaultMaxRecycled}
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(&c)
		}
	}
	return &List[T]{maxRecycled: c.maxRecycled}
}

// Add inserts item at the back of the list, setting its data and id, and
// assigning the next generation id. If item is nil, an owned item is
// allocated (or reused). Returns the inserted item.
//
// Panics if item is already in a list, or is owned by a list, as owned items
// are recycled by Del.
func (l *List[T]) Add(item *Item[T], data T, id uint64) *Item[T] {
	if item == nil {
		item = l.alloc()
	} else if item.list != nil {
		panic(`genlist: add of an item already in a list`)
	} else if item.owned {
		panic(`genlist: add of an owned item`)
	}

	item.list = l
	item.ID = id
	item.AddID = l.addCount
	item.Data = data
	l.addCount++

	item.prev = l.back
	item.next = nil
	if l.back != nil {
		l.back.next = item
	} else {
		l.front = item
	}
	l.back = item
	l.count++

	return item
}

// Del removes item from the list. Owned items are recycled, and must not be
// used after this call, except via a (now stale) Handle.
//
// Panics if item is nil, or is not in this list.
func (l *List[T]) Del(item *Item[T]) {
	l.mustContain(item, `del`)

	if item.prev != nil {
		item.prev.next = item.next
	} else {
		l.front = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		l.back = item.prev
	}
	item.next = nil
	item.prev = nil
	item.list = nil
	l.count--

	if item.owned {
		l.free(item)
	}
}

// Next returns the item following item, or nil.
func (l *List[T]) Next(item *Item[T]) *Item[T] {
	l.mustContain(item, `next`)
	return item.next
}

// Front returns the first item, or nil.
func (l *List[T]) Front() *Item[T] { return l.front }

// ByPos returns the item at index, or nil if index is out of range.
// It walks the list.
func (l *List[T]) ByPos(index int) *Item[T] {
	if index < 0 || index >= l.count {
		return nil
	}
	item := l.front
	for ; index > 0; index-- {
		item = item.next
	}
	return item
}

// Relink reassigns the external id of item, without moving it, or
// changing its generation.
func (l *List[T]) Relink(item *Item[T], id uint64) {
	l.mustContain(item, `relink`)
	item.ID = id
}

// Len returns the number of items in the list.
func (l *List[T]) Len() int { return l.count }

// AddCount returns the generation counter, i.e. the number of Add calls.
func (l *List[T]) AddCount() uint64 { return l.addCount }

// All calls yield for each item, in order, stopping if it returns false.
// The current item may be deleted by yield.
func (l *List[T]) All(yield func(item *Item[T]) bool) {
	for item := l.front; item != nil; {
		next := item.next
		if !yield(item) {
			return
		}
		item = next
	}
}

// Resolve returns the item referenced by h, or ErrStaleHandle if the
// insertion it refers to is no longer in this list.
func (l *List[T]) Resolve(h Handle[T]) (*Item[T], error) {
	if h.item == nil || h.item.list != l || h.item.AddID != h.addID {
		return nil, ErrStaleHandle
	}
	return h.item, nil
}

// Handle returns a reference to the current insertion of item.
func (x *Item[T]) Handle() Handle[T] {
	return Handle[T]{item: x, addID: x.AddID}
}

// IsZero reports whether h is the zero value.
func (h Handle[T]) IsZero() bool { return h.item == nil }

func (l *List[T]) mustContain(item *Item[T], op string) {
	if item == nil {
		panic(`genlist: ` + op + ` of a nil item`)
	}
	if item.list != l {
		panic(`genlist: ` + op + ` of an item not in this list`)
	}
}

func (l *List[T]) alloc() *Item[T] {
	if n := len(l.recycled); n > 0 {
		item := l.recycled[n-1]
		l.recycled[n-1] = nil
		l.recycled = l.recycled[:n-1]
		return item
	}
	return &Item[T]{owned: true}
}

func (l *List[T]) free(item *Item[T]) {
	var zero T
	item.Data = zero
	if len(l.recycled) < l.maxRecycled {
		l.recycled = append(l.recycled, item)
	}
}
