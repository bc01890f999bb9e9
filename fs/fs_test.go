package fs

import (
	"testing"

	"rv39kernel/defs"
	"rv39kernel/ioiface"
	"rv39kernel/sched"
)

// fakeSched is the minimal sched.Sched_i a single-threaded test needs; no
// lock ever actually contends here.
type fakeSched struct{}

func (fakeCond) Wait()      {}
func (fakeCond) Broadcast() {}

type fakeCond struct{}

func (fakeSched) RunningThread() defs.Tid_t                          { return 1 }
func (fakeSched) ThreadJoin(defs.Tid_t) defs.Tid_t                   { return 0 }
func (fakeSched) ThreadJoinAny() defs.Tid_t                          { return 0 }
func (fakeSched) ThreadForkToUser(any, any) (defs.Tid_t, defs.Err_t) { return 0, 0 }
func (fakeSched) ThreadJumpToUser(uintptr, uintptr)                  {}
func (fakeSched) ThreadExit()                                        {}
func (fakeSched) IntrDisable() uintptr                               { return 0 }
func (fakeSched) IntrRestore(uintptr)                                {}
func (fakeSched) NewCond(string) sched.Cond_i                        { return fakeCond{} }
func (fakeSched) USleep(uint64)                                      {}

// buildImage assembles a one-file disk image by hand: boot block (one
// dentry), one inode referencing two data blocks, then the data blocks
// themselves, laid out exactly the way cmd/mkfs would produce it.
func buildImage(t *testing.T, name string, contents []byte) []byte {
	t.Helper()
	var boot BootBlock
	boot.NumDentry = 1
	boot.NumInodes = 1
	boot.NumData = 2
	copy(boot.Dentries[0].Name[:], name)
	boot.Dentries[0].Inode = 0

	var inode Inode
	inode.ByteLen = uint32(len(contents))
	inode.DataBlockNum[0] = 0
	inode.DataBlockNum[1] = 1

	img := append([]byte{}, boot.Encode()...)
	img = append(img, inode.Encode()...)
	for i := 0; i < 2; i++ {
		block := make([]byte, BlkSize)
		start := i * BlkSize
		end := start + BlkSize
		if end > len(contents) {
			end = len(contents)
		}
		if start < len(contents) {
			copy(block, contents[start:end])
		}
		img = append(img, block...)
	}
	return img
}

func TestMountOpenReadRoundTrip(t *testing.T) {
	contents := make([]byte, BlkSize+100)
	for i := range contents {
		contents[i] = byte(i)
	}
	img := buildImage(t, "hello.txt", contents)
	disk := ioiface.NewLiteral(img)

	kfs, err := Mount(disk, fakeSched{})
	if err != 0 {
		t.Fatalf("Mount failed: %d", err)
	}

	h, err := kfs.Open("hello.txt")
	if err != 0 {
		t.Fatalf("Open failed: %d", err)
	}

	buf := make([]byte, len(contents))
	n, err := h.Read(buf)
	if err != 0 || n != len(contents) {
		t.Fatalf("Read = %d, %d, want %d", n, err, len(contents))
	}
	for i := range buf {
		if buf[i] != contents[i] {
			t.Fatalf("byte %d: got %d want %d", i, buf[i], contents[i])
		}
	}
	if n := kfs.InFlight(); n != 0 {
		t.Fatalf("InFlight = %d after a completed multi-block read, want 0", n)
	}
}

func TestOpenMissingFileReturnsENOENT(t *testing.T) {
	img := buildImage(t, "a.txt", []byte("x"))
	disk := ioiface.NewLiteral(img)
	kfs, err := Mount(disk, fakeSched{})
	if err != 0 {
		t.Fatalf("Mount failed: %d", err)
	}
	if _, err := kfs.Open("missing.txt"); err != -defs.ENOENT {
		t.Fatalf("Open missing = %d, want %d", err, -defs.ENOENT)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	contents := make([]byte, BlkSize)
	img := buildImage(t, "w.txt", contents)
	disk := ioiface.NewLiteral(img)
	kfs, err := Mount(disk, fakeSched{})
	if err != 0 {
		t.Fatalf("Mount failed: %d", err)
	}

	h, err := kfs.Open("w.txt")
	if err != 0 {
		t.Fatalf("Open failed: %d", err)
	}
	payload := []byte("abcdef")
	if n, err := h.Write(payload); err != 0 || n != len(payload) {
		t.Fatalf("Write = %d, %d", n, err)
	}
	if _, err := h.Ctl(ioiface.CtlSetPos, 0); err != 0 {
		t.Fatalf("SetPos failed: %d", err)
	}
	buf := make([]byte, len(payload))
	if n, err := h.Read(buf); err != 0 || n != len(payload) {
		t.Fatalf("readback Read = %d, %d", n, err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("readback = %q, want %q", buf, payload)
	}
}

func TestFileTableExhaustionReturnsEBADFMT(t *testing.T) {
	img := buildImage(t, "one.txt", []byte("x"))
	disk := ioiface.NewLiteral(img)
	kfs, err := Mount(disk, fakeSched{})
	if err != 0 {
		t.Fatalf("Mount failed: %d", err)
	}
	for i := 0; i < MaxFLOpen; i++ {
		if _, err := kfs.Open("one.txt"); err != 0 {
			t.Fatalf("Open #%d failed: %d", i, err)
		}
	}
	if _, err := kfs.Open("one.txt"); err != -defs.EBADFMT {
		t.Fatalf("Open over capacity = %d, want %d", err, -defs.EBADFMT)
	}
}
