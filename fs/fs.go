// Package fs implements the flat filesystem: a boot block holding a fixed
// directory-entry table, an inode table where each inode is a byte length
// plus a flat array of data-block indices, and data blocks — no
// subdirectories, no free-space bitmap, no journal. Reads and writes
// re-read a data-block index out of the inode on every block boundary
// rather than caching the inode in memory.
package fs

import (
	"bytes"
	"container/list"
	"encoding/binary"

	"rv39kernel/defs"
	"rv39kernel/ioiface"
	"rv39kernel/lock"
	"rv39kernel/sched"
	"rv39kernel/util"
)

const (
	BlkSize    = 4096
	NameLen    = 32
	MaxDentry  = 63
	MaxInodeDB = 1023
	MaxFLOpen  = 32
)

// Dentry is one boot-block directory entry: a fixed-length name, the inode
// it names, and reserved padding, so an image built by cmd/mkfs and a
// kernel reading it agree byte for byte.
type Dentry struct {
	Name  [NameLen]byte
	Inode uint32
	_     [28]byte
}

func (d Dentry) name() string {
	n := bytes.IndexByte(d.Name[:], 0)
	if n < 0 {
		n = len(d.Name)
	}
	return string(d.Name[:n])
}

// BootBlock is the filesystem's first block: counts plus the dentry table,
// packed directly into the block rather than pointing at a separate
// directory block.
type BootBlock struct {
	NumDentry uint32
	NumInodes uint32
	NumData   uint32
	_         [52]byte
	Dentries  [MaxDentry]Dentry
}

func decodeBootBlock(buf []byte) (BootBlock, defs.Err_t) {
	var b BootBlock
	if len(buf) < BlkSize {
		return b, -defs.EBADFMT
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &b); err != nil {
		return b, -defs.EBADFMT
	}
	return b, 0
}

func (b BootBlock) Encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &b)
	out := make([]byte, BlkSize)
	copy(out, buf.Bytes())
	return out
}

// Inode is one inode-table entry: a byte length and up to MaxInodeDB
// data-block numbers. The filesystem never loads a whole Inode into memory
// during a read or write — only the one data-block-number entry a given
// byte offset needs.
type Inode struct {
	ByteLen      uint32
	DataBlockNum [MaxInodeDB]uint32
}

func (in Inode) Encode() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, &in)
	out := make([]byte, BlkSize)
	copy(out, buf.Bytes())
	return out
}

// slot is one entry of the fixed open-file table, embedding the refcount
// header every Io_i exposes.
type slot struct {
	ioiface.Ref_t
	inUse   bool
	inode   uint64
	pos     uint64
	byteLen uint64
}

// FS is a mounted filesystem: a boot block cached in memory and a fixed
// table of open files, all operations serialized by a single sleep-lock.
type FS struct {
	disk     ioiface.Io_i
	boot     BootBlock
	lk       lock.Sleep_t
	open     [MaxFLOpen]slot
	inflight list.List
}

// blkRequest records one data-block transfer while it is outstanding
// against disk. The filesystem issues one data-block transfer at a time
// rather than batching a request across several blocks, so the list never
// holds more than one element; a caller inspecting the filesystem
// mid-operation (or a test) can see which block, and which direction, is
// currently on the wire.
type blkRequest struct {
	inode uint64
	dbnum uint32
	write bool
}

// InFlight reports how many block transfers are currently outstanding.
// Always 0 between calls into Read/Write since every transfer completes
// synchronously before the lock is released; used by tests to confirm the
// bookkeeping list never leaks an entry.
func (f *FS) InFlight() int {
	return f.inflight.Len()
}

// Mount reads the boot block off disk and prepares the open-file table. The
// whole boot block (not just its three counts) stays resident for the life
// of the mount.
func Mount(disk ioiface.Io_i, s sched.Sched_i) (*FS, defs.Err_t) {
	if disk == nil {
		return nil, -defs.EINVAL
	}
	if _, err := disk.Ctl(ioiface.CtlSetPos, 0); err != 0 {
		return nil, err
	}
	buf := make([]byte, BlkSize)
	if _, err := disk.Read(buf); err != 0 {
		return nil, err
	}
	boot, err := decodeBootBlock(buf)
	if err != 0 {
		return nil, err
	}
	f := &FS{disk: disk, boot: boot}
	lock.Init(&f.lk, s, "fs")
	return f, 0
}

func (f *FS) inodeAddr(inode uint64) int64 {
	return int64((inode + 1) * BlkSize)
}

func (f *FS) dataAddr(dbnum uint32) int64 {
	return int64((uint64(f.boot.NumInodes) + uint64(dbnum) + 1) * BlkSize)
}

// readDBNum reads data-block-number entry i out of inode's on-disk array
// without loading the rest of the inode.
func (f *FS) readDBNum(inode uint64, i uint32) (uint32, defs.Err_t) {
	off := f.inodeAddr(inode) + int64(4+4*i) // ByteLen field, then the array
	if _, err := f.disk.Ctl(ioiface.CtlSetPos, int(off)); err != 0 {
		return 0, err
	}
	var raw [4]byte
	if _, err := f.disk.Read(raw[:]); err != 0 {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw[:]), 0
}

// Open finds name in the directory table, claims a free slot in the
// fixed-size open-file table, and reads the file's byte length out of its
// inode. The lock is released on every return path, including the
// not-found and no-free-slot errors.
func (f *FS) Open(name string) (ioiface.Io_i, defs.Err_t) {
	f.lk.Acquire()
	defer f.lk.Release()

	var inode uint64
	found := false
	for i := uint32(0); i < f.boot.NumDentry; i++ {
		if f.boot.Dentries[i].name() == name {
			inode = uint64(f.boot.Dentries[i].Inode)
			found = true
			break
		}
	}
	if !found {
		return nil, -defs.ENOENT
	}

	slotIdx := -1
	for j := range f.open {
		if !f.open[j].inUse {
			slotIdx = j
			break
		}
	}
	if slotIdx < 0 {
		return nil, -defs.EBADFMT
	}

	if _, err := f.disk.Ctl(ioiface.CtlSetPos, int(f.inodeAddr(inode))); err != 0 {
		return nil, err
	}
	var raw [4]byte
	if _, err := f.disk.Read(raw[:]); err != 0 {
		return nil, err
	}

	s := &f.open[slotIdx]
	s.inUse = true
	s.inode = inode
	s.pos = 0
	s.byteLen = uint64(binary.LittleEndian.Uint32(raw[:]))
	s.Ref_t.Open()
	return &handle{fs: f, slot: slotIdx}, 0
}

// handle is the Io_i a caller holds for one open file; the mutable state
// lives in the FS's slot table so Close/refcounting can be driven from
// either side.
type handle struct {
	fs   *FS
	slot int
}

func (h *handle) s() *slot { return &h.fs.open[h.slot] }

// Read transfers up to len(dst) bytes from the file's current position,
// clamped to the file's length, walking the inode's data-block-number
// array one entry at a time. The chunk length for the final partial block
// is computed from the in-block offset before it is reset for the next
// iteration.
func (h *handle) Read(dst []byte) (int, defs.Err_t) {
	s := h.s()
	h.fs.lk.Acquire()
	defer h.fs.lk.Release()

	if s.pos >= s.byteLen {
		return 0, 0
	}
	n := len(dst)
	if uint64(n) > s.byteLen-s.pos {
		n = int(s.byteLen - s.pos)
	}
	if n <= 0 {
		return 0, 0
	}

	dbIndex := uint32(s.pos / BlkSize)
	dbPos := int(s.pos % BlkSize)
	read := 0
	for read < n {
		dbnum, err := h.fs.readDBNum(s.inode, dbIndex)
		if err != 0 {
			return read, err
		}
		if _, err := h.fs.disk.Ctl(ioiface.CtlSetPos, int(h.fs.dataAddr(dbnum))+dbPos); err != 0 {
			return read, err
		}
		chunk := util.Min(BlkSize-dbPos, n-read)
		elem := h.fs.inflight.PushBack(&blkRequest{inode: s.inode, dbnum: dbnum})
		_, err = h.fs.disk.Read(dst[read : read+chunk])
		h.fs.inflight.Remove(elem)
		if err != 0 {
			return read, err
		}
		read += chunk
		dbPos = 0
		dbIndex++
	}
	s.pos += uint64(read)
	return read, 0
}

// Write is Read's mirror image, walking the same inode data-block array.
// Writes never extend the file.
func (h *handle) Write(src []byte) (int, defs.Err_t) {
	s := h.s()
	h.fs.lk.Acquire()
	defer h.fs.lk.Release()

	if s.pos >= s.byteLen {
		return 0, 0
	}
	n := len(src)
	if uint64(n) > s.byteLen-s.pos {
		n = int(s.byteLen - s.pos)
	}
	if n <= 0 {
		return 0, 0
	}

	dbIndex := uint32(s.pos / BlkSize)
	dbPos := int(s.pos % BlkSize)
	written := 0
	for written < n {
		dbnum, err := h.fs.readDBNum(s.inode, dbIndex)
		if err != 0 {
			return written, err
		}
		if _, err := h.fs.disk.Ctl(ioiface.CtlSetPos, int(h.fs.dataAddr(dbnum))+dbPos); err != 0 {
			return written, err
		}
		chunk := util.Min(BlkSize-dbPos, n-written)
		elem := h.fs.inflight.PushBack(&blkRequest{inode: s.inode, dbnum: dbnum, write: true})
		_, err = h.fs.disk.Write(src[written : written+chunk])
		h.fs.inflight.Remove(elem)
		if err != 0 {
			return written, err
		}
		written += chunk
		dbPos = 0
		dbIndex++
	}
	s.pos += uint64(written)
	return written, 0
}

// Close decrements the slot's refcount and frees the slot only once it
// reaches zero, so a handle duplicated by fork doesn't get yanked out from
// under a sibling process.
func (h *handle) Close() defs.Err_t {
	s := h.s()
	h.fs.lk.Acquire()
	defer h.fs.lk.Release()
	if s.Ref_t.Close() {
		s.inUse = false
	}
	return 0
}

func (h *handle) Ctl(code int, arg int) (int, defs.Err_t) {
	s := h.s()
	h.fs.lk.Acquire()
	defer h.fs.lk.Release()
	switch code {
	case ioiface.CtlGetLen:
		return int(s.byteLen), 0
	case ioiface.CtlGetPos:
		return int(s.pos), 0
	case ioiface.CtlSetPos:
		if arg < 0 {
			return 0, -defs.EINVAL
		}
		s.pos = uint64(arg)
		return 0, 0
	case ioiface.CtlGetBlkSz:
		return BlkSize, 0
	default:
		return 0, -defs.ENOTSUP
	}
}

// Dup increments the handle's refcount for fork's iotab copy, returning a
// second Io_i over the same slot.
func (h *handle) Dup() ioiface.Io_i {
	h.s().Ref_t.Dup()
	return &handle{fs: h.fs, slot: h.slot}
}
