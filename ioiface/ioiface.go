// Package ioiface implements the kernel's I/O polymorphism: a uniform
// {read,write,close,ctl} surface shared by the block device, open files,
// and in-memory literals, plus a refcounted header every concrete
// implementation embeds and a seekable wrapper built on top of ctl's
// SETPOS/GETPOS ioctls.
package ioiface

import "rv39kernel/defs"

// IOCTL codes, shared by the filesystem and the block driver so both can be
// driven by the same numbering.
const (
	CtlGetLen   = 1
	CtlSetLen   = 2
	CtlGetPos   = 3
	CtlSetPos   = 4
	CtlFlush    = 5
	CtlGetBlkSz = 6
)

/// Io_i is the vtable every device or open file implements. Ctl carries every
/// operation that isn't a data transfer (seek, length, flush, block size)
/// behind a single (code, arg) pair instead of growing the interface per
/// operation.
type Io_i interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Close() defs.Err_t
	Ctl(code int, arg int) (int, defs.Err_t)
}

/// Dup_i is implemented by every Io_i the process manager's iotab can hold:
/// incrementing the refcount and returning a second handle over the same
/// underlying object, for fork's iotab copy.
type Dup_i interface {
	Dup() Io_i
}

/// Ref_t is the refcount header every concrete Io_i embeds. It is not
/// itself an Io_i; it exists so Dup/Close can be written once instead of
/// once per device.
type Ref_t struct {
	refcnt int
}

/// Open sets the refcount to 1. Every constructor for a concrete device or
/// file calls this exactly once.
func (r *Ref_t) Open() {
	r.refcnt = 1
}

/// Dup increments the refcount, for use by fork's iotab copy and
/// descriptor duplication.
func (r *Ref_t) Dup() {
	r.refcnt++
}

/// Close decrements the refcount and reports whether it reached zero, in
/// which case the caller must release the underlying resource.
func (r *Ref_t) Close() bool {
	r.refcnt--
	return r.refcnt <= 0
}

/// Seekable wraps an Io_i that supports CtlSetPos/CtlGetPos and exposes
/// plain Seek/Tell/Len helpers.
type Seekable struct {
	Io_i
}

func (s Seekable) Seek(pos int) defs.Err_t {
	_, err := s.Ctl(CtlSetPos, pos)
	return err
}

func (s Seekable) Tell() (int, defs.Err_t) {
	return s.Ctl(CtlGetPos, 0)
}

func (s Seekable) Len() (int, defs.Err_t) {
	return s.Ctl(CtlGetLen, 0)
}

/// Literal is a fixed in-memory byte buffer exposed through Io_i, used for
/// device nodes with no backing store (e.g. a null device) and in tests that
/// need a trivial Io_i without a real disk or filesystem behind it.
type Literal struct {
	Ref_t
	buf []byte
	pos int
}

/// NewLiteral wraps buf (not copied) as a read/write Io_i positioned at 0.
func NewLiteral(buf []byte) *Literal {
	l := &Literal{buf: buf}
	l.Open()
	return l
}

func (l *Literal) Read(dst []byte) (int, defs.Err_t) {
	if l.pos >= len(l.buf) {
		return 0, 0
	}
	n := copy(dst, l.buf[l.pos:])
	l.pos += n
	return n, 0
}

func (l *Literal) Write(src []byte) (int, defs.Err_t) {
	if l.pos+len(src) > len(l.buf) {
		grown := make([]byte, l.pos+len(src))
		copy(grown, l.buf)
		l.buf = grown
	}
	n := copy(l.buf[l.pos:], src)
	l.pos += n
	return n, 0
}

func (l *Literal) Close() defs.Err_t {
	return 0
}

func (l *Literal) Ctl(code int, arg int) (int, defs.Err_t) {
	switch code {
	case CtlGetLen:
		return len(l.buf), 0
	case CtlSetLen:
		if arg < 0 {
			return 0, -defs.EINVAL
		}
		grown := make([]byte, arg)
		copy(grown, l.buf)
		l.buf = grown
		return 0, 0
	case CtlGetPos:
		return l.pos, 0
	case CtlSetPos:
		if arg < 0 {
			return 0, -defs.EINVAL
		}
		l.pos = arg
		return 0, 0
	case CtlFlush:
		return 0, 0
	default:
		return 0, -defs.ENOTSUP
	}
}
