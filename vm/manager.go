package vm

import (
	"unsafe"

	"rv39kernel/defs"
	"rv39kernel/mem"
	"rv39kernel/util"
)

// The per-process user region. UserStackVMA sits at the top of the user
// range; the stack grows down from there and is demand-paged, like the rest
// of the user range, by HandlePageFault.
const (
	UserStartVMA uintptr = 0x80100000
	UserEndVMA   uintptr = 0x81000000
	UserStackVMA uintptr = UserEndVMA
)

/// Manager wires an Engine to the kernel's main address-space tag. One
/// Manager exists for the whole kernel, built at boot.
type Manager struct {
	Eng     *Engine
	MainTag uint64
}

/// NewManager builds a Manager over an already-booted Engine. mainTag is the
/// SATP value installed by BootMap + Mtag at boot.
func NewManager(e *Engine, mainTag uint64) *Manager {
	return &Manager{Eng: e, MainTag: mainTag}
}

func (m *Manager) activeRoot() uintptr {
	return MtagRoot(m.Eng.Plat.ReadSATP())
}

/// AllocAndMapPage allocates a frame and installs it as a leaf at vma, which
/// must be page-aligned.
func (m *Manager) AllocAndMapPage(vma uintptr, rwxugFlags mem.Pa_t) {
	pa := m.Eng.Alloc.AllocPage()
	pte := m.Eng.walk(m.activeRoot(), vma, true)
	if pte == nil {
		panic("vm: walk_pt failed in AllocAndMapPage")
	}
	*pte = leafPte(uintptr(pa), rwxugFlags)
	m.Eng.Plat.SfenceVMA()
}

/// AllocAndMapRange calls AllocAndMapPage for every page in [vma, vma+size).
func (m *Manager) AllocAndMapRange(vma uintptr, size int, rwxugFlags mem.Pa_t) {
	for pp := vma; pp < vma+uintptr(size); pp += uintptr(mem.PGSIZE) {
		m.AllocAndMapPage(pp, rwxugFlags)
	}
	m.Eng.Plat.SfenceVMA()
}

/// SetPageFlags rewrites the flag bits of the leaf mapping vp, preserving
/// the PPN.
func (m *Manager) SetPageFlags(vp uintptr, rwxugFlags mem.Pa_t) {
	pte := m.Eng.walk(m.activeRoot(), vp, false)
	if pte == nil {
		panic("vm: SetPageFlags on unmapped page")
	}
	*pte = Pte(uint64(rwxugFlags|mem.PTE_A|mem.PTE_D|mem.PTE_V) | uint64(pte.ppn())<<ppnShift)
	m.Eng.Plat.SfenceVMA()
}

/// SetRangeFlags calls SetPageFlags for every page in [vp, vp+size).
func (m *Manager) SetRangeFlags(vp uintptr, size int, rwxugFlags mem.Pa_t) {
	for pp := vp; pp-vp < uintptr(size); pp += uintptr(mem.PGSIZE) {
		m.SetPageFlags(pp, rwxugFlags)
	}
	m.Eng.Plat.SfenceVMA()
}

/// UnmapAndFreeUser walks [UserStartVMA, UserEndVMA) one page at a time,
/// freeing and invalidating every leaf with PTE_U set.
func (m *Manager) UnmapAndFreeUser() {
	root := m.activeRoot()
	for vma := UserStartVMA; vma < UserEndVMA; vma += uintptr(mem.PGSIZE) {
		pte := m.Eng.walk(root, vma, false)
		if pte != nil && pte.flags()&mem.PTE_U != 0 {
			m.Eng.Alloc.FreePage(mem.Pa_t(pte.addr()))
			*pte &^= Pte(mem.PTE_V)
			m.Eng.Plat.SfenceVMA()
		}
	}
	m.Eng.Plat.SfenceVMA()
}

/// SpaceReclaim tears down the active user mappings and switches back to the
/// main kernel address space.
func (m *Manager) SpaceReclaim() {
	m.UnmapAndFreeUser()
	m.Eng.Plat.WriteSATP(m.MainTag)
	m.Eng.Plat.SfenceVMA()
}

/// SpaceClone duplicates the active address space: the three kernel
/// gigarange entries are shared (kernel mappings are identical across every
/// address space), and every valid user leaf is byte-copied into a freshly
/// allocated frame in the child. No copy-on-write.
func (m *Manager) SpaceClone(asid uint16) uint64 {
	root := m.activeRoot()
	childRootPa := m.Eng.Alloc.AllocPage()
	childRoot := tableAt(uintptr(childRootPa))
	parentRoot := tableAt(root)
	for i := 0; i < 3; i++ {
		childRoot[i] = parentRoot[i]
	}

	for vma := UserStartVMA; vma < UserEndVMA; vma += uintptr(mem.PGSIZE) {
		parentPte := m.Eng.walk(root, vma, false)
		if parentPte == nil || !parentPte.valid() {
			continue
		}
		childPte := m.Eng.walk(uintptr(childRootPa), vma, true)
		childPage := m.Eng.Alloc.AllocPage()
		copy(m.Eng.Alloc.Bytes(childPage)[:], m.Eng.Alloc.Bytes(mem.Pa_t(parentPte.addr()))[:])
		*childPte = leafPteFrom(*parentPte, uintptr(childPage))
	}

	return Mtag(uintptr(childRootPa), asid)
}

// leafPteFrom rebuilds a PTE with the parent's flags but a new PPN.
func leafPteFrom(parent Pte, newPa uintptr) Pte {
	return Pte(uint64(parent.flags()) | uint64(pageptrToPagenum(newPa))<<ppnShift)
}

/// ValidateVptrLen requires every page in [vp, vp+len) to have a valid leaf
/// whose flags include all of rwxugFlags. Returns EACCESS on the first page
/// that fails.
func (m *Manager) ValidateVptrLen(vp uintptr, length int, rwxugFlags mem.Pa_t) defs.Err_t {
	root := m.activeRoot()
	for cur := util.Rounddown(vp, uintptr(mem.PGSIZE)); cur < vp+uintptr(length); cur += uintptr(mem.PGSIZE) {
		pte := m.Eng.walk(root, cur, false)
		if pte == nil || !pte.valid() || pte.flags()&rwxugFlags != rwxugFlags {
			return -defs.EACCESS
		}
	}
	return 0
}

/// ValidateVstr validates a NUL-terminated string starting at vs, advancing
/// one byte at a time across page boundaries via the reconstructed physical
/// address. Returns EACCESS if any touched page lacks
/// ugFlags, or if the string never terminates within a mapped page.
func (m *Manager) ValidateVstr(vs uintptr, ugFlags mem.Pa_t) defs.Err_t {
	root := m.activeRoot()
	cur := vs
	for {
		pte := m.Eng.walk(root, cur, false)
		offset := cur & 0xfff
		if pte == nil || pte.flags()&ugFlags != ugFlags {
			return -defs.EACCESS
		}
		pa := pte.addr() | offset
		for offset < uintptr(mem.PGSIZE) {
			if *(*byte)(unsafe.Pointer(pa)) == 0 {
				return 0
			}
			pa++
			offset++
			cur++
		}
	}
}

/// WriteBytes copies data into an already-mapped user range starting at vma,
/// crossing page boundaries by re-walking on each one. Used by the ELF
/// loader to place segment contents after AllocAndMapRange has mapped them
/// R+W+U.
func (m *Manager) WriteBytes(vma uintptr, data []byte) defs.Err_t {
	root := m.activeRoot()
	for len(data) > 0 {
		pte := m.Eng.walk(root, vma, false)
		if pte == nil || !pte.valid() {
			return -defs.EACCESS
		}
		off := vma & uintptr(mem.PGSIZE-1)
		n := int(uintptr(mem.PGSIZE) - off)
		if n > len(data) {
			n = len(data)
		}
		copy(m.Eng.Alloc.Bytes(mem.Pa_t(pte.addr()))[off:off+uintptr(n)], data[:n])
		data = data[n:]
		vma += uintptr(n)
	}
	return 0
}

/// ReadBytes copies out of an already-mapped user range starting at vma into
/// out, crossing page boundaries the same way WriteBytes does.
func (m *Manager) ReadBytes(vma uintptr, out []byte) defs.Err_t {
	root := m.activeRoot()
	for len(out) > 0 {
		pte := m.Eng.walk(root, vma, false)
		if pte == nil || !pte.valid() {
			return -defs.EACCESS
		}
		off := vma & uintptr(mem.PGSIZE-1)
		n := int(uintptr(mem.PGSIZE) - off)
		if n > len(out) {
			n = len(out)
		}
		copy(out[:n], m.Eng.Alloc.Bytes(mem.Pa_t(pte.addr()))[off:off+uintptr(n)])
		out = out[n:]
		vma += uintptr(n)
	}
	return 0
}

/// ZeroRange zeroes an already-mapped user range [vma, vma+size), the way
/// elf_load zero-fills a segment's memsz-filesz tail.
func (m *Manager) ZeroRange(vma uintptr, size int) defs.Err_t {
	root := m.activeRoot()
	end := vma + uintptr(size)
	for vma < end {
		pte := m.Eng.walk(root, vma, false)
		if pte == nil || !pte.valid() {
			return -defs.EACCESS
		}
		off := vma & uintptr(mem.PGSIZE-1)
		n := int(uintptr(mem.PGSIZE) - off)
		if rem := int(end - vma); n > rem {
			n = rem
		}
		b := m.Eng.Alloc.Bytes(mem.Pa_t(pte.addr()))
		for i := off; i < off+uintptr(n); i++ {
			b[i] = 0
		}
		vma += uintptr(n)
	}
	return 0
}

/// HandlePageFault realizes on-demand paging: any fault inside the user
/// range maps a fresh zeroed R+W+U page; a fault outside the user range is a
/// kernel invariant violation and is fatal.
func (m *Manager) HandlePageFault(vp uintptr) {
	if vp < UserStartVMA || vp >= UserEndVMA {
		panic("vm: page fault outside user region")
	}
	aligned := util.Rounddown(vp, uintptr(mem.PGSIZE))
	m.AllocAndMapPage(aligned, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	m.Eng.Plat.SfenceVMA()
}
