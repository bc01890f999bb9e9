package elf

import (
	"bytes"
	dbgelf "debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"rv39kernel/ioiface"
	"rv39kernel/mem"
	"rv39kernel/vm"
)

type fakePlatform struct{ satp uint64 }

func (p *fakePlatform) WriteSATP(mtag uint64) { p.satp = mtag }
func (p *fakePlatform) ReadSATP() uint64      { return p.satp }
func (p *fakePlatform) SfenceVMA()            {}

func newTestManager(t *testing.T, pages int) *vm.Manager {
	t.Helper()
	buf := make([]byte, (pages+2)*mem.PGSIZE)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	start := (raw + uintptr(mem.PGSIZE) - 1) &^ uintptr(mem.PGSIZE-1)
	end := start + uintptr(pages*mem.PGSIZE)
	a := mem.New(start, end, nil)

	plat := &fakePlatform{}
	eng := &vm.Engine{Alloc: a, Plat: plat}
	rootPa := a.AllocPage()
	plat.WriteSATP(vm.Mtag(uintptr(rootPa), 0))
	return vm.NewManager(eng, plat.satp)
}

// buildELF assembles a minimal well-formed RV64 ET_EXEC image by hand: one
// ELF64 header, one PT_LOAD program header, and the segment bytes, using
// debug/elf's own wire-format structs (Header64/Prog64) so the byte layout
// is exactly what the standard library parser expects.
func buildELF(t *testing.T, entry, vaddr uint64, segment []byte, memsz uint64) []byte {
	t.Helper()
	const ehsize = 64
	const phentsize = 56

	hdr := dbgelf.Header64{
		Type:      uint16(dbgelf.ET_EXEC),
		Machine:   uint16(dbgelf.EM_RISCV),
		Version:   uint32(dbgelf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[4] = byte(dbgelf.ELFCLASS64)
	hdr.Ident[5] = byte(dbgelf.ELFDATA2LSB)
	hdr.Ident[6] = byte(dbgelf.EV_CURRENT)
	hdr.Ident[7] = byte(dbgelf.ELFOSABI_NONE)

	prog := dbgelf.Prog64{
		Type:   uint32(dbgelf.PT_LOAD),
		Flags:  uint32(dbgelf.PF_R | dbgelf.PF_W | dbgelf.PF_X),
		Off:    ehsize + phentsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(segment)),
		Memsz:  memsz,
		Align:  4096,
	}

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &hdr)
	binary.Write(buf, binary.LittleEndian, &prog)
	buf.Write(segment)
	return buf.Bytes()
}

func TestLoadMapsSegmentAndReturnsEntry(t *testing.T) {
	m := newTestManager(t, 64)
	segment := make([]byte, 16)
	for i := range segment {
		segment[i] = byte(i + 1)
	}
	entry := uint64(vm.UserStartVMA) + 4
	img := buildELF(t, entry, uint64(vm.UserStartVMA), segment, uint64(len(segment))+100)

	e, err := Load(ioiface.NewLiteral(img), m)
	if err != 0 {
		t.Fatalf("Load failed: %d", err)
	}
	if e != uintptr(entry) {
		t.Fatalf("entry = %#x, want %#x", e, entry)
	}

	if verr := m.ValidateVptrLen(vm.UserStartVMA, len(segment), mem.PTE_R|mem.PTE_W|mem.PTE_X|mem.PTE_U); verr != 0 {
		t.Fatalf("segment should be mapped with R|W|X|U, got %d", verr)
	}
}

func TestLoadZeroesBSSTail(t *testing.T) {
	m := newTestManager(t, 64)
	segment := []byte{0xAA, 0xBB, 0xCC}
	img := buildELF(t, uint64(vm.UserStartVMA), uint64(vm.UserStartVMA), segment, 4096)

	if _, err := Load(ioiface.NewLiteral(img), m); err != 0 {
		t.Fatalf("Load failed: %d", err)
	}

	page := make([]byte, 16)
	if err := m.ReadBytes(vm.UserStartVMA, page); err != 0 {
		t.Fatalf("ReadBytes failed: %d", err)
	}
	for i := len(segment); i < 16; i++ {
		if page[i] != 0 {
			t.Fatalf("byte %d should be zeroed, got %d", i, page[i])
		}
	}
}

func TestLoadRejectsSegmentOutsideUserRange(t *testing.T) {
	m := newTestManager(t, 64)
	img := buildELF(t, 0, 0x1000, []byte{1, 2, 3}, 3)
	if _, err := Load(ioiface.NewLiteral(img), m); err == 0 {
		t.Fatal("segment outside the user range should be rejected")
	}
}

// A big-endian image is rejected before any page is mapped.
func TestLoadRejectsBigEndian(t *testing.T) {
	m := newTestManager(t, 64)
	img := buildELF(t, uint64(vm.UserStartVMA), uint64(vm.UserStartVMA), []byte{1}, 1)
	img[5] = byte(dbgelf.ELFDATA2MSB)
	if _, err := Load(ioiface.NewLiteral(img), m); err == 0 {
		t.Fatal("big-endian image should be rejected")
	}
	if verr := m.ValidateVptrLen(vm.UserStartVMA, 1, mem.PTE_U); verr == 0 {
		t.Fatal("no page should have been mapped for a rejected image")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	m := newTestManager(t, 64)
	img := buildELF(t, uint64(vm.UserStartVMA), uint64(vm.UserStartVMA), []byte{1}, 1)
	img[18] = 0 // e_machine low byte, corrupt away from EM_RISCV
	if _, err := Load(ioiface.NewLiteral(img), m); err == 0 {
		t.Fatal("wrong machine type should be rejected")
	}
}
