// Package correlate implements the bounded table that pairs the entry of a traced
// read with its return.
//
// The table follows the layout of the kernel's preallocated hash map: a power of two
// number of buckets, each with its own lock and a chain of elements, and a fixed pool
// of elements handed out from a handful of free lists. Capacity is fixed at
// construction, nothing is allocated afterwards, and no lock covers the whole table.
package correlate

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Entry is a partially built read event, waiting for its return.
type Entry struct {
	PID    uint32
	Inode  uint64
	Offset int64
}

const (
	nilIndex     = -1
	maxFreeLists = 8
)

type elem struct {
	key   uint64
	next  int32
	home  uint8 // free list the element belongs to
	entry Entry
}

type bucket struct {
	mu   sync.Mutex
	head int32
}

type freeList struct {
	mu    sync.Mutex
	stack []int32
}

// Table is a fixed capacity map from thread identity to Entry.
//
// Entries are handed out by pointer. The pointer may be written without further
// locking by the one thread that owns the key, until that thread deletes the key.
type Table struct {
	buckets []bucket
	shift   uint
	elems   []elem
	free    []freeList
	len     atomic.Int64
}

// New returns a table able to hold capacity entries. A capacity below one is
// treated as one.
func New(capacity int) *Table {
	capacity = max(capacity, 1)

	nb := 1 << bits.Len(uint(capacity-1))

	t := &Table{
		buckets: make([]bucket, nb),
		shift:   uint(64 - bits.Len(uint(nb-1))),
		elems:   make([]elem, capacity),
		free:    make([]freeList, min(capacity, maxFreeLists)),
	}

	for i := range t.buckets {
		t.buckets[i].head = nilIndex
	}

	for i := range t.free {
		t.free[i].stack = make([]int32, 0, capacity/len(t.free)+1)
	}

	for i := range t.elems {
		home := i % len(t.free)
		t.elems[i].home = uint8(home)
		t.free[home].stack = append(t.free[home].stack, int32(i))
	}

	return t
}

func (t *Table) hash(key uint64) uint64 {
	return key * 0x9e3779b97f4a7c15
}

func (t *Table) bucketFor(h uint64) *bucket {
	if len(t.buckets) == 1 {
		return &t.buckets[0]
	}

	return &t.buckets[h>>t.shift]
}

// find walks the chain of b. The bucket lock must be held.
func (t *Table) find(b *bucket, key uint64) int32 {
	for i := b.head; i != nilIndex; i = t.elems[i].next {
		if t.elems[i].key == key {
			return i
		}
	}

	return nilIndex
}

// alloc takes an element from the free list picked by h, falling back to the other
// lists in turn.
func (t *Table) alloc(h uint64) int32 {
	start := int(h % uint64(len(t.free)))

	for n := range len(t.free) {
		fl := &t.free[(start+n)%len(t.free)]

		fl.mu.Lock()
		if k := len(fl.stack); k > 0 {
			i := fl.stack[k-1]
			fl.stack = fl.stack[:k-1]
			fl.mu.Unlock()

			return i
		}
		fl.mu.Unlock()
	}

	return nilIndex
}

func (t *Table) release(i int32) {
	fl := &t.free[t.elems[i].home]

	fl.mu.Lock()
	fl.stack = append(fl.stack, i)
	fl.mu.Unlock()
}

// GetOrCreateZero returns the entry for key, inserting a zeroed one when there is
// none. It returns nil when the table is full.
func (t *Table) GetOrCreateZero(key uint64) *Entry {
	h := t.hash(key)
	b := t.bucketFor(h)

	b.mu.Lock()
	defer b.mu.Unlock()

	if i := t.find(b, key); i != nilIndex {
		return &t.elems[i].entry
	}

	i := t.alloc(h)
	if i == nilIndex {
		return nil
	}

	e := &t.elems[i]
	e.key = key
	e.entry = Entry{}
	e.next = b.head
	b.head = i

	t.len.Add(1)

	return &e.entry
}

// Get returns the entry for key, or nil.
func (t *Table) Get(key uint64) *Entry {
	b := t.bucketFor(t.hash(key))

	b.mu.Lock()
	defer b.mu.Unlock()

	if i := t.find(b, key); i != nilIndex {
		return &t.elems[i].entry
	}

	return nil
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key uint64) bool {
	b := t.bucketFor(t.hash(key))

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := int32(nilIndex)
	for i := b.head; i != nilIndex; prev, i = i, t.elems[i].next {
		if t.elems[i].key != key {
			continue
		}

		if prev == nilIndex {
			b.head = t.elems[i].next
		} else {
			t.elems[prev].next = t.elems[i].next
		}

		t.elems[i].next = nilIndex
		t.release(i)
		t.len.Add(-1)

		return true
	}

	return false
}

// Len returns the number of entries held.
func (t *Table) Len() int {
	return int(t.len.Load())
}

// Cap returns the fixed capacity of the table.
func (t *Table) Cap() int {
	return len(t.elems)
}
