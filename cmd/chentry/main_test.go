package main

import (
	"bytes"
	dbgelf "debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildELF writes a minimal well-formed RV64 ET_EXEC image to path, the
// same wire layout the in-kernel loader's own tests construct, so this tool
// is checked against the identical shape of image elf.Load accepts.
func buildELF(t *testing.T, path string, entry uint64) {
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
		Phnum:     0,
	}
	hdr.Ident[0] = 0x7f
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[4] = byte(dbgelf.ELFCLASS64)
	hdr.Ident[5] = byte(dbgelf.ELFDATA2LSB)
	hdr.Ident[6] = byte(dbgelf.EV_CURRENT)
	hdr.Ident[7] = byte(dbgelf.ELFOSABI_NONE)

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &hdr)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestChkELFAcceptsValidRV64Image(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.elf")
	buildELF(t, path, 0x80200000)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ef, err := dbgelf.NewFile(f)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	chkELF(&ef.FileHeader) // must not log.Fatal
}

func TestParseAddrAcceptsHexAndDecimal(t *testing.T) {
	cases := map[string]uint64{
		"0x80200000": 0x80200000,
		"2149580800": 0x80200000,
		"0":          0,
	}
	for s, want := range cases {
		got, err := parseAddr(s)
		if err != nil {
			t.Fatalf("parseAddr(%q) failed: %v", s, err)
		}
		if got != want {
			t.Fatalf("parseAddr(%q) = %#x, want %#x", s, got, want)
		}
	}
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	if _, err := parseAddr("not-an-address"); err == nil {
		t.Fatal("expected an error for a non-numeric address")
	}
}
