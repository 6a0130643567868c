// Package nbdlist implements the one concurrency primitive the
// asynchronous pipelines (I/O splitting, PR algorithm) are built on: a
// fixed-capacity pool of elements threaded onto any number of intrusive
// lists, with a blocking Take, a non-blocking Post, and a Select that
// waits across several lists at once.
//
// It is a direct transliteration of original_source's
// common/include/exa_nbd_list.h / common/lib/exa_nbd_list.c: a
// nbd_root_list owning a fixed element array plus a "next" index array,
// and any number of nbd_list chains (including the root's own "free"
// list) threaded through that same index array. Every element is on
// exactly one list at all times; nbd_list_post of an already-posted
// element is forbidden; nbd_list_remove(&root.free, ...) is the only
// producer of live elements.
package nbdlist

import (
	"sync"
	"time"
)

const noMoreElt = -1

// List is one intrusive chain threaded through a Root's element array.
// The zero value is not usable; obtain one via Root.NewList.
type List struct {
	name   string
	first  int
	last   int
	closed bool
}

// Root owns a fixed-capacity element array and the "next" index array
// all of its Lists are threaded through.
type Root[T any] struct {
	mu   sync.Mutex
	wake chan struct{} // closed and replaced on every state change

	elts   []T
	next   []int
	owner  []*List // which List currently holds each element, nil if none
	free   *List
}

// NewRoot pre-allocates n elements, all initially on the free list.
func NewRoot[T any](n int) *Root[T] {
	r := &Root[T]{
		elts:  make([]T, n),
		next:  make([]int, n),
		owner: make([]*List, n),
		wake:  make(chan struct{}),
	}
	r.free = &List{name: "free", first: noMoreElt, last: noMoreElt}
	for i := 0; i < n; i++ {
		r.pushLocked(r.free, i)
	}
	return r
}

// NewList attaches a fresh, empty user list to the root.
func (r *Root[T]) NewList(name string) *List {
	return &List{name: name, first: noMoreElt, last: noMoreElt}
}

// Free returns the root's free list, the only source of elements not
// already owned by some other list.
func (r *Root[T]) Free() *List { return r.free }

// pushLocked appends element idx to the tail of list. Caller holds r.mu.
func (r *Root[T]) pushLocked(list *List, idx int) {
	r.next[idx] = noMoreElt
	if list.last == noMoreElt {
		list.first = idx
	} else {
		r.next[list.last] = idx
	}
	list.last = idx
	r.owner[idx] = list
}

// popLocked removes and returns the head of list. Caller holds r.mu and
// has verified list.first != noMoreElt.
func (r *Root[T]) popLocked(list *List) int {
	idx := list.first
	list.first = r.next[idx]
	if list.first == noMoreElt {
		list.last = noMoreElt
	}
	r.next[idx] = noMoreElt
	r.owner[idx] = nil
	return idx
}

func (r *Root[T]) broadcastLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// Take removes the head element of list. If list is empty and wait is
// true, Take blocks until Post makes the list non-empty or the list is
// closed. It returns ok=false if list was empty and wait is false, or if
// the list was closed while waiting (the "terminal sentinel" of spec
// §4.2/§5).
func (r *Root[T]) Take(list *List, wait bool) (value T, ok bool) {
	r.mu.Lock()
	for {
		if list.first != noMoreElt {
			idx := r.popLocked(list)
			v := r.elts[idx]
			r.mu.Unlock()
			return v, true
		}
		if list.closed || !wait {
			r.mu.Unlock()
			var zero T
			return zero, false
		}
		ch := r.wake
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
	}
}

// TakeIndex is like Take but also returns the element's slot index, for
// callers (e.g. blockdevice/sysdisk) that need a stable handle to
// mutate the element in place before reposting it.
func (r *Root[T]) TakeIndex(list *List, wait bool) (idx int, ok bool) {
	r.mu.Lock()
	for {
		if list.first != noMoreElt {
			idx = r.popLocked(list)
			r.mu.Unlock()
			return idx, true
		}
		if list.closed || !wait {
			r.mu.Unlock()
			return 0, false
		}
		ch := r.wake
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
	}
}

// At returns the element currently stored at idx (valid only while the
// caller owns idx, i.e. between a TakeIndex and the matching PostIndex).
func (r *Root[T]) At(idx int) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elts[idx]
}

// Set overwrites the element currently stored at idx.
func (r *Root[T]) Set(idx int, v T) {
	r.mu.Lock()
	r.elts[idx] = v
	r.mu.Unlock()
}

// Post takes an element off the free list, stores value in it, and
// appends it onto list's tail, waking any blocked waiter. It panics if
// the free list is empty (the pool is exhausted). Use
// TakeIndex/PostIndex to move an element the caller already holds.
func (r *Root[T]) Post(list *List, value T) {
	r.mu.Lock()
	idx, ok := r.takeFreeIndexLocked()
	if !ok {
		panic("nbdlist: Post without a free element: pool exhausted")
	}
	r.elts[idx] = value
	r.pushLocked(list, idx)
	r.broadcastLocked()
	r.mu.Unlock()
}

// PostIndex reposts an element previously obtained via TakeIndex onto
// list. It panics if idx is already owned by some list.
func (r *Root[T]) PostIndex(list *List, idx int) {
	r.mu.Lock()
	if r.owner[idx] != nil {
		r.mu.Unlock()
		panic("nbdlist: PostIndex of an already-posted element")
	}
	r.pushLocked(list, idx)
	r.broadcastLocked()
	r.mu.Unlock()
}

func (r *Root[T]) takeFreeIndexLocked() (int, bool) {
	if r.free.first == noMoreElt {
		return 0, false
	}
	return r.popLocked(r.free), true
}

// Close moves every element currently on list back to the free list and
// causes any Take blocked on list to return ok=false. Further Take
// calls on a closed list return immediately with ok=false.
func (r *Root[T]) Close(list *List) {
	r.mu.Lock()
	idx := list.first
	for idx != noMoreElt {
		next := r.next[idx]
		r.pushLocked(r.free, idx)
		idx = next
	}
	list.first = noMoreElt
	list.last = noMoreElt
	list.closed = true
	r.broadcastLocked()
	r.mu.Unlock()
}

// Select blocks up to timeout (0 means return immediately) for any of
// lists to become non-empty, and returns the subset that is. A
// negative timeout waits indefinitely.
func (r *Root[T]) Select(lists []*List, timeout time.Duration) []*List {
	deadline := time.Time{}
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	r.mu.Lock()
	for {
		var found []*List
		for _, l := range lists {
			if l.first != noMoreElt {
				found = append(found, l)
			}
		}
		if len(found) > 0 {
			r.mu.Unlock()
			return found
		}
		if hasDeadline && !time.Now().Before(deadline) {
			r.mu.Unlock()
			return nil
		}
		ch := r.wake
		r.mu.Unlock()
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			<-ch
		}
		r.mu.Lock()
	}
}

// Len reports the number of elements currently queued on list.
func (r *Root[T]) Len(list *List) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for idx := list.first; idx != noMoreElt; idx = r.next[idx] {
		n++
	}
	return n
}
