// Package hostdisk is a host-only disk simulator: it backs ioiface.Io_i
// with a regular file, for cmd/mkfs to write a filesystem image and for any
// host-side test or tool that wants a "block device" without real hardware.
// Never imported by the kernel-proper packages.
package hostdisk

import (
	"os"

	"rv39kernel/defs"
	"rv39kernel/ioiface"
)

// Disk is an os.File exposed through Io_i, positioned independently of the
// file's own OS-level offset so Ctl(SETPOS) behaves like a real block
// device's seek rather than requiring callers to track an *os.File handle.
type Disk struct {
	ioiface.Ref_t
	f   *os.File
	pos int64
}

// Open opens (or creates) path as a disk image backing store.
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	d := &Disk{f: f}
	d.Ref_t.Open()
	return d, nil
}

func (d *Disk) Read(dst []byte) (int, defs.Err_t) {
	n, err := d.f.ReadAt(dst, d.pos)
	d.pos += int64(n)
	if err != nil && n == 0 {
		return n, -defs.EIO
	}
	return n, 0
}

func (d *Disk) Write(src []byte) (int, defs.Err_t) {
	n, err := d.f.WriteAt(src, d.pos)
	d.pos += int64(n)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

func (d *Disk) Close() defs.Err_t {
	if d.Ref_t.Close() {
		d.f.Close()
	}
	return 0
}

func (d *Disk) Ctl(code int, arg int) (int, defs.Err_t) {
	switch code {
	case ioiface.CtlGetLen:
		info, err := d.f.Stat()
		if err != nil {
			return 0, -defs.EIO
		}
		return int(info.Size()), 0
	case ioiface.CtlGetPos:
		return int(d.pos), 0
	case ioiface.CtlSetPos:
		if arg < 0 {
			return 0, -defs.EINVAL
		}
		d.pos = int64(arg)
		return 0, 0
	case ioiface.CtlFlush:
		if err := d.f.Sync(); err != nil {
			return 0, -defs.EIO
		}
		return 0, 0
	case ioiface.CtlGetBlkSz:
		return 4096, 0
	default:
		return 0, -defs.ENOTSUP
	}
}
