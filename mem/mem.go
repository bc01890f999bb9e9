// Package mem implements the physical page allocator: a single intrusive
// free-list of 4 KiB frames. There is no copy-on-write and no second hart in
// this kernel, so there is no refcounting, no per-CPU list, no size classes,
// and no coalescing.
package mem

import (
	"sync"
	"unsafe"
)

const PGSHIFT uint = 12
const PGSIZE int = 1 << PGSHIFT

/// Pa_t is a physical address, kept as a distinct type from uintptr so
/// arithmetic on physical and virtual addresses can't be mixed up by
/// accident.
type Pa_t uintptr

/// Bytepg_t is one physical page viewed as raw bytes.
type Bytepg_t [PGSIZE]uint8

/// PTE flag bits, Sv39 layout: flags[7:0] = {V,R,W,X,U,G,A,D}.
const (
	PTE_V Pa_t = 1 << 0
	PTE_R Pa_t = 1 << 1
	PTE_W Pa_t = 1 << 2
	PTE_X Pa_t = 1 << 3
	PTE_U Pa_t = 1 << 4
	PTE_G Pa_t = 1 << 5
	PTE_A Pa_t = 1 << 6
	PTE_D Pa_t = 1 << 7
)

/// freeNode is the intrusive free-list layout: a free frame's first word is a
/// pointer to the next free frame.
type freeNode struct {
	next *freeNode
}

/// Allocator owns the free-frame list for the whole kernel. It is touched
/// only in supervisor context, never in an ISR, so plain
/// mutual exclusion (rather than anything interrupt-safe) is sufficient; the
/// mutex exists only to make misuse from concurrent kernel threads loud
/// instead of silently corrupting the list.
type Allocator struct {
	sync.Mutex
	freeList *freeNode
	flush    func()
}

/// New builds an allocator over the page-aligned range [start, end), the
/// RAM left over once the kernel heap has been reserved. flush is called
/// after every alloc/free to cover same-address reuse across address
/// spaces; it is expected to issue sfence.vma and is supplied by the caller
/// because the allocator itself has no access to privileged instructions.
func New(start, end uintptr, flush func()) *Allocator {
	a := &Allocator{flush: flush}
	for p := start; p < end; p += uintptr(PGSIZE) {
		n := (*freeNode)(unsafe.Pointer(p))
		n.next = a.freeList
		a.freeList = n
	}
	return a
}

/// AllocPage detaches the head of the free list, zeroes the frame, and
/// returns its physical address. Fail-stop (panic) if the list is empty:
/// there is no swap, no reclaim-under-pressure path in this kernel.
func (a *Allocator) AllocPage() Pa_t {
	a.Lock()
	defer a.Unlock()
	if a.freeList == nil {
		panic("mem: out of physical pages")
	}
	n := a.freeList
	a.freeList = n.next
	pg := (*Bytepg_t)(unsafe.Pointer(n))
	for i := range pg {
		pg[i] = 0
	}
	if a.flush != nil {
		a.flush()
	}
	return Pa_t(uintptr(unsafe.Pointer(n)))
}

/// FreePage pushes p back onto the head of the free list. p must have been
/// returned by AllocPage and not freed since.
func (a *Allocator) FreePage(p Pa_t) {
	a.Lock()
	defer a.Unlock()
	n := (*freeNode)(unsafe.Pointer(uintptr(p)))
	n.next = a.freeList
	a.freeList = n
	if a.flush != nil {
		a.flush()
	}
}

/// Bytes views the page at p as a byte slice, for callers (the VM manager,
/// the block driver's bounce buffer) that need to read or write through it
/// directly rather than via a mapped virtual address.
func (a *Allocator) Bytes(p Pa_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(uintptr(p)))
}

/// FreeCount reports the number of frames currently on the free list by
/// walking it; not for hot paths.
func (a *Allocator) FreeCount() int {
	a.Lock()
	defer a.Unlock()
	n := 0
	for p := a.freeList; p != nil; p = p.next {
		n++
	}
	return n
}
