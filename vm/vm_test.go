package vm

import (
	"testing"
	"unsafe"

	"rv39kernel/mem"
)

// fakePlatform is a software stand-in for the Platform_i CSR/fence surface,
// letting the engine be exercised without real RISC-V hardware.
type fakePlatform struct {
	satp uint64
}

func (p *fakePlatform) WriteSATP(mtag uint64) { p.satp = mtag }
func (p *fakePlatform) ReadSATP() uint64      { return p.satp }
func (p *fakePlatform) SfenceVMA()            {}

func newTestManager(t *testing.T, pages int) (*Manager, *mem.Allocator) {
	t.Helper()
	buf := make([]byte, (pages+2)*mem.PGSIZE)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	start := (raw + uintptr(mem.PGSIZE) - 1) &^ uintptr(mem.PGSIZE-1)
	end := start + uintptr(pages*mem.PGSIZE)
	a := mem.New(start, end, nil)

	plat := &fakePlatform{}
	eng := &Engine{Alloc: a, Plat: plat}
	rootPa := a.AllocPage()
	plat.WriteSATP(Mtag(uintptr(rootPa), 0))
	return NewManager(eng, plat.satp), a
}

func TestAllocAndMapThenValidate(t *testing.T) {
	m, _ := newTestManager(t, 64)
	m.AllocAndMapPage(UserStartVMA, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	if err := m.ValidateVptrLen(UserStartVMA, 1, mem.PTE_R|mem.PTE_W|mem.PTE_U); err != 0 {
		t.Fatalf("ValidateVptrLen = %d, want 0", err)
	}
	if err := m.ValidateVptrLen(UserStartVMA, 1, mem.PTE_X); err == 0 {
		t.Fatalf("ValidateVptrLen with missing flag should fail")
	}
}

// A page full of 'A' followed by a NUL validates; a page full of 'A' with
// the next page unmapped does not.
func TestValidateVstr(t *testing.T) {
	m, a := newTestManager(t, 64)
	m.AllocAndMapPage(UserStartVMA, mem.PTE_R|mem.PTE_U)

	pte := m.Eng.walk(m.activeRoot(), UserStartVMA, false)
	page := a.Bytes(mem.Pa_t(pte.addr()))
	for i := 0; i < mem.PGSIZE-1; i++ {
		page[i] = 'A'
	}
	page[mem.PGSIZE-1] = 0
	if err := m.ValidateVstr(UserStartVMA, mem.PTE_R|mem.PTE_U); err != 0 {
		t.Fatalf("terminated string should validate, got %d", err)
	}

	for i := range page {
		page[i] = 'A'
	}
	if err := m.ValidateVstr(UserStartVMA, mem.PTE_R|mem.PTE_U); err == 0 {
		t.Fatalf("unterminated string crossing into an unmapped page should fail")
	}
}

// A fault in the user stack region maps a page, and the same page does not
// fault again.
func TestHandlePageFaultThenNoRefault(t *testing.T) {
	m, _ := newTestManager(t, 64)
	addr := UserStackVMA - uintptr(mem.PGSIZE) + 16
	m.HandlePageFault(addr)

	if err := m.ValidateVptrLen(addr&^uintptr(mem.PGSIZE-1), 1, mem.PTE_R|mem.PTE_W|mem.PTE_U); err != 0 {
		t.Fatalf("page should be mapped after fault, got %d", err)
	}
}

func TestHandlePageFaultOutsideUserRangePanics(t *testing.T) {
	m, _ := newTestManager(t, 8)
	defer func() {
		if recover() == nil {
			t.Fatal("fault outside user range should panic")
		}
	}()
	m.HandlePageFault(0)
}

// Writes through a user VA in the child are not visible in the parent and
// vice versa.
func TestSpaceCloneIsolation(t *testing.T) {
	m, a := newTestManager(t, 64)
	m.AllocAndMapPage(UserStartVMA, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	parentPte := m.Eng.walk(m.activeRoot(), UserStartVMA, false)
	a.Bytes(mem.Pa_t(parentPte.addr()))[0] = 0xAA

	childTag := m.SpaceClone(1)

	childRoot := MtagRoot(childTag)
	childPte := m.Eng.walk(childRoot, UserStartVMA, false)
	if childPte == nil || !childPte.valid() {
		t.Fatal("child mapping missing after clone")
	}
	if childPte.addr() == parentPte.addr() {
		t.Fatal("clone must allocate a fresh frame, not share the parent's")
	}
	if a.Bytes(mem.Pa_t(childPte.addr()))[0] != 0xAA {
		t.Fatal("clone must copy the parent's bytes")
	}

	a.Bytes(mem.Pa_t(childPte.addr()))[0] = 0xBB
	if a.Bytes(mem.Pa_t(parentPte.addr()))[0] != 0xAA {
		t.Fatal("write through the child must not be visible in the parent")
	}
}
