// Package elf loads a statically-linked RV64 executable into a fresh user
// address space, built on the standard library's debug/elf for header and
// program-header parsing via the ioiface.ReaderAt bridge.
package elf

import (
	"debug/elf"
	"io"

	"rv39kernel/defs"
	"rv39kernel/ioiface"
	"rv39kernel/mem"
	"rv39kernel/vm"
)

// Load validates the ELF image readable through src and maps its PT_LOAD
// segments into m's active user address space, returning the entry point.
// debug/elf verifies the magic bytes and rejects unknown class/data/version
// values, but it accepts 32-bit and big-endian images; Load itself requires
// ELFCLASS64, ELFDATA2LSB and EV_CURRENT, then checks OS/ABI, machine,
// executable type, and that every segment lands inside
// [UserStartVMA, UserEndVMA).
func Load(src ioiface.Io_i, m *vm.Manager) (uintptr, defs.Err_t) {
	f, err := elf.NewFile(ioiface.ReaderAt{Io: src})
	if err != nil {
		return 0, -defs.EBADFMT
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return 0, -defs.EBADFMT
	}
	if f.Data != elf.ELFDATA2LSB {
		return 0, -defs.EBADFMT
	}
	if f.Version != elf.EV_CURRENT {
		return 0, -defs.EBADFMT
	}
	if f.OSABI != elf.ELFOSABI_NONE { // ELFOSABI_NONE == ELFOSABI_SYSV == 0
		return 0, -defs.EBADFMT
	}
	if f.Machine != elf.EM_RISCV {
		return 0, -defs.EBADFMT
	}
	if f.Type != elf.ET_EXEC {
		return 0, -defs.EBADFMT
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(p, m); err != 0 {
			return 0, err
		}
	}

	return uintptr(f.Entry), 0
}

func loadSegment(p *elf.Prog, m *vm.Manager) defs.Err_t {
	vaddr := uintptr(p.Vaddr)
	memsz := uintptr(p.Memsz)
	if vaddr < vm.UserStartVMA || vaddr+memsz > vm.UserEndVMA {
		return -defs.EBADFMT
	}
	if p.Memsz < p.Filesz {
		return -defs.EBADFMT
	}

	// Mapped R+W+U first so the segment's bytes can always be written,
	// regardless of the permissions it will end up with; the real
	// permissions are applied after the copy and the BSS zero-fill.
	m.AllocAndMapRange(vaddr, int(memsz), mem.PTE_R|mem.PTE_W|mem.PTE_U)

	buf := make([]byte, p.Filesz)
	if _, err := io.ReadFull(p.Open(), buf); err != nil {
		return -defs.EIO
	}
	if err := m.WriteBytes(vaddr, buf); err != 0 {
		return err
	}
	if p.Memsz > p.Filesz {
		if err := m.ZeroRange(vaddr+uintptr(p.Filesz), int(p.Memsz-p.Filesz)); err != 0 {
			return err
		}
	}

	var flags mem.Pa_t
	if p.Flags&elf.PF_R != 0 {
		flags |= mem.PTE_R
	}
	if p.Flags&elf.PF_W != 0 {
		flags |= mem.PTE_W
	}
	if p.Flags&elf.PF_X != 0 {
		flags |= mem.PTE_X
	}
	m.SetRangeFlags(vaddr, int(memsz), flags|mem.PTE_U)
	return 0
}
