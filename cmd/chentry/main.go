// Command chentry validates (and optionally rewrites) the entry address of
// an RV64 kernel ELF image, so a malformed image is caught at build time
// rather than only discovered when the in-kernel ELF loader refuses it at
// boot. It checks the same header fields elf.Load validates (EM_RISCV,
// ET_EXEC, ELFCLASS64, ELFDATA2LSB), and only rewrites the entry address
// when one is supplied.
package main

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
)

func usage(me string) {
	fmt.Printf("%s <filename> [addr]\n\nValidate (and optionally rewrite) the entry point of an RV64 kernel ELF.\n", me)
	os.Exit(1)
}

// chkELF validates the fields elf.Load itself checks before mapping any
// segment, so a bad image fails here instead of at boot.
func chkELF(eh *elf.FileHeader) {
	if eh.Class != elf.ELFCLASS64 {
		log.Fatal("not a 64-bit elf")
	}
	if eh.Data != elf.ELFDATA2LSB {
		log.Fatal("not little-endian")
	}
	if eh.Version != elf.EV_CURRENT {
		log.Fatal("unexpected elf version")
	}
	if eh.OSABI != elf.ELFOSABI_NONE {
		log.Fatal("unexpected osabi")
	}
	if eh.Type != elf.ET_EXEC {
		log.Fatal("not a statically-linked executable elf")
	}
	if eh.Machine != elf.EM_RISCV {
		log.Fatal("not a RISC-V elf")
	}
}

func main() {
	if len(os.Args) != 2 && len(os.Args) != 3 {
		usage(os.Args[0])
	}
	fn := os.Args[1]

	f, err := os.OpenFile(fn, os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		log.Fatal(err)
	}
	chkELF(&ef.FileHeader)
	fmt.Printf("%s: valid RV64 kernel image, entry 0x%x\n", fn, ef.FileHeader.Entry)

	if len(os.Args) == 2 {
		return
	}

	addr, err := parseAddr(os.Args[2])
	if err != nil {
		log.Fatal(err)
	}

	// e_entry is the u64 at offset 24 of the ELF64 header.
	if _, err := f.Seek(24, 0); err != nil {
		log.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, addr); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: entry rewritten to 0x%x\n", fn, addr)
}

// parseAddr accepts decimal or 0x-prefixed hex.
func parseAddr(s string) (uint64, error) {
	a, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return a, nil
}
