package main

import (
	"os"
	"path/filepath"
	"testing"

	"rv39kernel/defs"
	"rv39kernel/fs"
	"rv39kernel/fs/hostdisk"
	"rv39kernel/sched"
)

type fakeCond struct{}

func (fakeCond) Wait()      {}
func (fakeCond) Broadcast() {}

type fakeSched struct{}

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

func TestBuildProducesMountableImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	big := make([]byte, fs.BlkSize+37)
	for i := range big {
		big[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(dir, "big.bin"), big, 0644); err != nil {
		t.Fatal(err)
	}

	img := filepath.Join(dir, "out.img")
	if err := build(img, dir, []string{"big.bin", "hello.txt"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	disk, err := hostdisk.Open(img)
	if err != nil {
		t.Fatalf("reopening image: %v", err)
	}
	defer disk.Close()

	kfs, ferr := fs.Mount(disk, fakeSched{})
	if ferr != 0 {
		t.Fatalf("Mount failed: %d", ferr)
	}

	h, ferr := kfs.Open("hello.txt")
	if ferr != 0 {
		t.Fatalf("Open hello.txt failed: %d", ferr)
	}
	buf := make([]byte, len("hello"))
	if n, rerr := h.Read(buf); rerr != 0 || string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, %d, %d", buf[:n], n, rerr)
	}

	hb, ferr := kfs.Open("big.bin")
	if ferr != 0 {
		t.Fatalf("Open big.bin failed: %d", ferr)
	}
	gotBig := make([]byte, len(big))
	if n, rerr := hb.Read(gotBig); rerr != 0 || n != len(big) {
		t.Fatalf("Read big.bin = %d, %d, want %d", n, rerr, len(big))
	}
	for i := range big {
		if gotBig[i] != big[i] {
			t.Fatalf("big.bin byte %d: got %d want %d", i, gotBig[i], big[i])
		}
	}
}

func TestCollectNamesRejectsSubdirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := collectNames(dir); err == nil {
		t.Fatal("expected collectNames to reject a subdirectory, got nil error")
	}
}

func TestCollectNamesRejectsOverlongName(t *testing.T) {
	dir := t.TempDir()
	longName := ""
	for len(longName) < fs.NameLen {
		longName += "x"
	}
	if err := os.WriteFile(filepath.Join(dir, longName), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := collectNames(dir); err == nil {
		t.Fatal("expected collectNames to reject an overlong name, got nil error")
	}
}
