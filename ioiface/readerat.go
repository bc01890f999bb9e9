package ioiface

import (
	"fmt"

	"rv39kernel/defs"
)

// ReaderAt adapts an Io_i onto io.ReaderAt, the interface debug/elf needs
// to parse an executable without the whole image ever living in one []byte.
// The ELF loader reads an inode through Io_i, debug/elf wants ReadAt, so
// this is the seam between them.
type ReaderAt struct {
	Io Io_i
}

/// errCode turns a defs.Err_t into a standard error, since io.ReaderAt's
/// contract is the stdlib error interface, not the kernel's signed Err_t.
type errCode defs.Err_t

func (e errCode) Error() string {
	return fmt.Sprintf("ioiface: errno %d", int(e))
}

var errShortRead = fmt.Errorf("ioiface: short read")

func (r ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.Io.Ctl(CtlSetPos, int(off)); err != 0 {
		return 0, errCode(err)
	}
	n, err := r.Io.Read(p)
	if err != 0 {
		return n, errCode(err)
	}
	if n < len(p) {
		return n, errShortRead
	}
	return n, nil
}
