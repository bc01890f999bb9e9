// Command mkfs builds a filesystem image in the on-disk layout fs/fs.go
// mounts: a boot block holding the directory-entry table, an inode table,
// then data blocks — from a flat input directory. The mounted filesystem
// has no directory hierarchy, so a nested subdirectory in the input is
// refused rather than silently flattened into a name that would suggest a
// path.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"rv39kernel/fs"
	"rv39kernel/fs/hostdisk"
	"rv39kernel/util"
)

func usage(me string) {
	fmt.Printf("%s <output image> <input dir>\n\nBuild a flat filesystem image from the regular files in <input dir>.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage(os.Args[0])
	}
	outPath, inDir := os.Args[1], os.Args[2]

	names, err := collectNames(inDir)
	if err != nil {
		fmt.Printf("mkfs: %v\n", err)
		os.Exit(1)
	}

	if err := build(outPath, inDir, names); err != nil {
		fmt.Printf("mkfs: %v\n", err)
		os.Exit(1)
	}
}

// collectNames lists the regular files directly inside dir, sorted by name
// so the dentry table it drives is deterministic. A subdirectory is
// rejected outright: this filesystem has no directory hierarchy, so there
// is no layout it could be flattened into without inventing a path-like
// name the mounted filesystem doesn't understand.
func collectNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			return nil, fmt.Errorf("%q is a subdirectory; this filesystem has no directory hierarchy", e.Name())
		}
		if len(e.Name()) >= fs.NameLen {
			return nil, fmt.Errorf("name %q is %d bytes; names must be shorter than the %d-byte dentry name field", e.Name(), len(e.Name()), fs.NameLen)
		}
		names = append(names, e.Name())
	}
	if len(names) > fs.MaxDentry {
		return nil, fmt.Errorf("%d files exceeds the %d-entry boot block dentry table", len(names), fs.MaxDentry)
	}
	return names, nil
}

// build lays out the image in the order the mounted filesystem expects to
// find it: block 0 is the boot block, blocks 1..NumInodes are the inode
// table (one inode per input file, in the same order as the boot block's
// dentry table), and the remaining blocks are the files' data, back to back.
func build(outPath, inDir string, names []string) error {
	boot := fs.BootBlock{
		NumDentry: uint32(len(names)),
		NumInodes: uint32(len(names)),
	}

	type fileInfo struct {
		data   []byte
		blocks []uint32 // absolute data-block numbers this file occupies
	}
	files := make([]fileInfo, len(names))
	nextDB := uint32(0)
	for i, name := range names {
		data, err := os.ReadFile(inDir + "/" + name)
		if err != nil {
			return fmt.Errorf("reading %q: %w", name, err)
		}
		nblocks := util.Roundup(len(data), fs.BlkSize) / fs.BlkSize
		if nblocks == 0 {
			nblocks = 1 // an empty file still occupies one (empty) data block
		}
		if nblocks > fs.MaxInodeDB {
			return fmt.Errorf("%q needs %d data blocks, more than the %d an inode can hold", name, nblocks, fs.MaxInodeDB)
		}
		blocks := make([]uint32, nblocks)
		for b := range blocks {
			blocks[b] = nextDB
			nextDB++
		}
		files[i] = fileInfo{data: data, blocks: blocks}

		copy(boot.Dentries[i].Name[:], name)
		boot.Dentries[i].Inode = uint32(i)
	}
	boot.NumData = nextDB

	disk, err := hostdisk.Open(outPath)
	if err != nil {
		return fmt.Errorf("creating %q: %w", outPath, err)
	}
	defer disk.Close()

	if err := writeBlock(disk, boot.Encode()); err != nil {
		return fmt.Errorf("writing boot block: %w", err)
	}

	for i, f := range files {
		in := fs.Inode{ByteLen: uint32(len(f.data))}
		copy(in.DataBlockNum[:], f.blocks)
		if err := writeBlock(disk, in.Encode()); err != nil {
			return fmt.Errorf("writing inode %d: %w", i, err)
		}
	}

	for _, f := range files {
		rem := f.data
		for range f.blocks {
			chunk := rem
			if len(chunk) > fs.BlkSize {
				chunk = chunk[:fs.BlkSize]
			}
			if err := writeBlock(disk, pad(chunk)); err != nil {
				return fmt.Errorf("writing data block: %w", err)
			}
			if len(rem) > fs.BlkSize {
				rem = rem[fs.BlkSize:]
			} else {
				rem = nil
			}
		}
	}

	fmt.Printf("mkfs: wrote %d files, %d data blocks, to %q\n", len(names), boot.NumData, outPath)
	return nil
}

func pad(b []byte) []byte {
	out := make([]byte, fs.BlkSize)
	copy(out, b)
	return out
}

func writeBlock(disk *hostdisk.Disk, block []byte) error {
	n, err := disk.Write(block)
	if err != 0 {
		return fmt.Errorf("write: error %d", err)
	}
	if n != len(block) {
		return io.ErrShortWrite
	}
	return nil
}
