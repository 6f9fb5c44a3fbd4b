// Package idalloc issues and reclaims object ids in a bounded range
//
// Free ids are threaded into a singly-linked list through the slots of a table over [min, max].
// Freed ids are appended to the tail of the list and will be issued again, so observers must
// treat an object id as recyclable once the object is deleted.
package idalloc

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/common"
)

var (
	// ErrExhausted is returned when there is no free id
	ErrExhausted = errors.New("id space exhausted")
	// ErrOutOfRange is returned when freeing an id outside of [min, max]
	ErrOutOfRange = errors.New("id out of range")
	// ErrDoubleFree is returned when freeing an id which is not allocated
	ErrDoubleFree = errors.New("id double free")
	// ErrBadRange is returned by New for an empty or invalid range
	ErrBadRange = errors.New("bad id range")
)

const (
	_SLOT_ALLOCATED   = -1
	_SLOT_END_OF_LIST = -2
)

// Allocator issues ids in [min, max]
//
// Allocator is not goroutine-safe, it is owned by the loop of a state server.
type Allocator struct {
	min, max common.DoID
	// slots[i] is the state of id min+i: _SLOT_ALLOCATED, _SLOT_END_OF_LIST or the index of the next free slot
	slots     []int32
	head      int32
	tail      int32
	available int
}

// New creates an allocator of ids in [min, max], min is at least common.MIN_OBJECT_ID
func New(min, max common.DoID) (*Allocator, error) {
	if min < common.MIN_OBJECT_ID || max < min {
		return nil, errors.Wrapf(ErrBadRange, "[%d, %d]", min, max)
	}
	size := uint64(max-min) + 1
	if size > 1<<31-1 {
		return nil, errors.Wrapf(ErrBadRange, "[%d, %d] is too large", min, max)
	}

	a := &Allocator{
		min:       min,
		max:       max,
		slots:     make([]int32, size),
		head:      0,
		tail:      int32(size - 1),
		available: int(size),
	}
	for i := range a.slots {
		a.slots[i] = int32(i + 1)
	}
	a.slots[a.tail] = _SLOT_END_OF_LIST
	return a, nil
}

// Min returns the first id of the range
func (a *Allocator) Min() common.DoID {
	return a.min
}

// Max returns the last id of the range
func (a *Allocator) Max() common.DoID {
	return a.max
}

// Allocate pops the head of the free list
func (a *Allocator) Allocate() (common.DoID, error) {
	if a.available == 0 {
		return 0, ErrExhausted
	}

	idx := a.head
	next := a.slots[idx]
	a.slots[idx] = _SLOT_ALLOCATED
	a.available--
	if next == _SLOT_END_OF_LIST {
		a.head, a.tail = _SLOT_END_OF_LIST, _SLOT_END_OF_LIST
	} else {
		a.head = next
	}
	return a.min + common.DoID(idx), nil
}

// Free appends an allocated id to the tail of the free list
func (a *Allocator) Free(id common.DoID) error {
	if id < a.min || id > a.max {
		return errors.Wrapf(ErrOutOfRange, "free %d, range is [%d, %d]", id, a.min, a.max)
	}
	idx := int32(id - a.min)
	if a.slots[idx] != _SLOT_ALLOCATED {
		return errors.Wrapf(ErrDoubleFree, "free %d", id)
	}

	a.slots[idx] = _SLOT_END_OF_LIST
	if a.available == 0 {
		a.head = idx
	} else {
		a.slots[a.tail] = idx
	}
	a.tail = idx
	a.available++
	return nil
}

// IsAllocated returns if the id is allocated
func (a *Allocator) IsAllocated(id common.DoID) bool {
	if id < a.min || id > a.max {
		return false
	}
	return a.slots[id-a.min] == _SLOT_ALLOCATED
}

// Available returns the number of free ids
func (a *Allocator) Available() int {
	return a.available
}
