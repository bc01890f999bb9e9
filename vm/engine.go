// Package vm implements the Sv39 page-table engine and the virtual-memory
// manager built on top of it: walk/create/leaf PTE construction, the boot
// mapping, address-space cloning, fault-driven demand paging, and
// user-pointer validation. There is no copy-on-write and no cross-CPU TLB
// shootdown; a clone copies every user page and a single sfence.vma covers
// the one hart.
package vm

import (
	"unsafe"

	"rv39kernel/mem"
)

// Sv39 field widths.
const (
	vpnBits  = 9
	pageBits = 12
)

func vpn2(vma uintptr) uintptr { return (vma >> (2*vpnBits + pageBits)) & 0x1ff }
func vpn1(vma uintptr) uintptr { return (vma >> (vpnBits + pageBits)) & 0x1ff }
func vpn0(vma uintptr) uintptr { return (vma >> pageBits) & 0x1ff }

/// Pte is one raw 64-bit Sv39 page-table entry: flags[7:0] = {V,R,W,X,U,G,A,D},
/// rsw[9:8], ppn[53:10].
type Pte uint64

const pteFlagMask Pte = 0xff
const ppnShift = 10
const ppnMask = (uint64(1) << 44) - 1

func (p Pte) valid() bool     { return p&Pte(mem.PTE_V) != 0 }
func (p Pte) flags() mem.Pa_t { return mem.Pa_t(p & pteFlagMask) }
func (p Pte) ppn() uintptr    { return uintptr(uint64(p>>ppnShift) & ppnMask) }
func (p Pte) addr() uintptr   { return p.ppn() << pageBits }

func pagenumToPageptr(n uintptr) uintptr { return n << pageBits }
func pageptrToPagenum(p uintptr) uintptr { return p >> pageBits }

/// leafPte builds a leaf PTE pointing at the frame at physical address pa,
/// forcing V, A and D in addition to the caller's R/W/X/U/G bits — done at
/// construction time to pre-empt the hardware A/D update trap.
func leafPte(pa uintptr, rwxugFlags mem.Pa_t) Pte {
	flags := rwxugFlags | mem.PTE_V | mem.PTE_A | mem.PTE_D
	return Pte(uint64(flags) | uint64(pageptrToPagenum(pa))<<ppnShift)
}

/// tablePte builds an internal PTE pointing at the next-level table at pa.
func tablePte(pa uintptr, gFlag mem.Pa_t) Pte {
	flags := gFlag | mem.PTE_V
	return Pte(uint64(flags) | uint64(pageptrToPagenum(pa))<<ppnShift)
}

/// table is one level of a page table: 512 8-byte entries, one page.
type table [512]Pte

func tableAt(pa uintptr) *table {
	return (*table)(unsafe.Pointer(pa))
}

/// Platform_i is the handful of privileged operations the Sv39 engine needs
/// that ordinary code cannot perform itself: writing SATP and issuing
/// sfence.vma. Supplied by the boot/trap layer; a test supplies a software
/// fake.
type Platform_i interface {
	WriteSATP(mtag uint64)
	ReadSATP() uint64
	SfenceVMA()
}

/// Engine owns the physical allocator and the platform hooks needed to walk
/// and mutate Sv39 page tables. It has no per-address-space state of its own;
/// callers pass the root table's physical address, which Manager takes from
/// the active SATP value (manager.go).
type Engine struct {
	Alloc *mem.Allocator
	Plat  Platform_i
}

/// walk descends VPN2→VPN1→VPN0 from root, returning a pointer to the leaf
/// slot. If create is false and a level is missing, walk returns nil; with
/// create set, missing levels are allocated and installed as internal
/// entries with {V, G}.
func (e *Engine) walk(root uintptr, vma uintptr, create bool) *Pte {
	pte2 := &tableAt(root)[vpn2(vma)]
	var pt1 uintptr
	if pte2.valid() {
		pt1 = pte2.addr()
	} else if create {
		pt1 = uintptr(e.Alloc.AllocPage())
		*pte2 = tablePte(pt1, mem.PTE_G)
		e.Plat.SfenceVMA()
	} else {
		return nil
	}

	pte1 := &tableAt(pt1)[vpn1(vma)]
	var pt0 uintptr
	if pte1.valid() {
		pt0 = pte1.addr()
	} else if create {
		pt0 = uintptr(e.Alloc.AllocPage())
		*pte1 = tablePte(pt0, mem.PTE_G)
		e.Plat.SfenceVMA()
	} else {
		return nil
	}

	return &tableAt(pt0)[vpn0(vma)]
}

/// BootMap installs the boot-time mapping, run once:
/// identity-mapped MMIO gigapages below ramStart, per-section kernel-image
/// permissions for the first 2MiB of RAM, and 2MiB R+W+G superpages for the
/// rest of RAM up to ramEnd. kimg describes the kernel image's section
/// boundaries. Returns the physical address of the root (level-2) table to
/// install as the main mtag.
func (e *Engine) BootMap(ramStart, ramEnd uintptr, kimg KernelImage) uintptr {
	const gigaSize = 1 << 30
	const megaSize = 1 << 21

	rootPa := uintptr(e.Alloc.AllocPage())
	root := tableAt(rootPa)

	for pa := uintptr(0); pa < ramStart; pa += gigaSize {
		root[vpn2(pa)] = leafPte(pa, mem.PTE_R|mem.PTE_W|mem.PTE_G)
	}

	pt1Pa := uintptr(e.Alloc.AllocPage())
	root[vpn2(ramStart)] = tablePte(pt1Pa, mem.PTE_G)
	pt1 := tableAt(pt1Pa)

	pt0Pa := uintptr(e.Alloc.AllocPage())
	pt1[vpn1(ramStart)] = tablePte(pt0Pa, mem.PTE_G)
	pt0 := tableAt(pt0Pa)

	for pp := kimg.TextStart; pp < kimg.TextEnd; pp += uintptr(mem.PGSIZE) {
		pt0[vpn0(pp)] = leafPte(pp, mem.PTE_R|mem.PTE_X|mem.PTE_G)
	}
	for pp := kimg.RodataStart; pp < kimg.RodataEnd; pp += uintptr(mem.PGSIZE) {
		pt0[vpn0(pp)] = leafPte(pp, mem.PTE_R|mem.PTE_G)
	}
	for pp := kimg.DataStart; pp < ramStart+megaSize; pp += uintptr(mem.PGSIZE) {
		pt0[vpn0(pp)] = leafPte(pp, mem.PTE_R|mem.PTE_W|mem.PTE_G)
	}

	for pp := ramStart + megaSize; pp < ramEnd; pp += megaSize {
		pt1[vpn1(pp)] = leafPte(pp, mem.PTE_R|mem.PTE_W|mem.PTE_G)
	}

	e.Plat.SfenceVMA()
	return rootPa
}

/// KernelImage names the section boundaries of the running kernel image,
/// supplied by the linker script and used only to pick per-section
/// permissions during BootMap.
type KernelImage struct {
	TextStart, TextEnd     uintptr
	RodataStart, RodataEnd uintptr
	DataStart              uintptr
}

const (
	satpModeSv39  = 8
	satpModeShift = 60
	satpAsidShift = 44
)

/// Mtag builds the SATP value for a root table at rootPa with the given
/// ASID: mode(8) over ASID(16) over root PPN(44).
func Mtag(rootPa uintptr, asid uint16) uint64 {
	return uint64(satpModeSv39)<<satpModeShift |
		uint64(asid)<<satpAsidShift |
		uint64(pageptrToPagenum(rootPa))
}

/// MtagRoot extracts the root table's physical address from a mtag.
func MtagRoot(mtag uint64) uintptr {
	return uintptr((mtag << 20) >> 8)
}
