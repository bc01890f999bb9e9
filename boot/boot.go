// Package boot wires the core components into a single kernel context: the
// page allocator, the Sv39 engine and VM manager, the registered block
// device, the mounted filesystem, the process table, and the syscall
// dispatcher — an explicit struct built once at boot and threaded down,
// rather than typed package-level globals guarded by an initialized flag.
package boot

import (
	"rv39kernel/defs"
	"rv39kernel/dev"
	"rv39kernel/fs"
	"rv39kernel/ioiface"
	"rv39kernel/mem"
	"rv39kernel/proc"
	"rv39kernel/sched"
	"rv39kernel/syscall"
	"rv39kernel/virtio"
	"rv39kernel/vm"
)

// Kernel is the fully wired system: every component main() would otherwise
// reach through package-level globals to find.
type Kernel struct {
	Alloc *mem.Allocator
	VM    *vm.Manager
	FS    *fs.FS
	Procs *proc.Table
	Sys   *syscall.Dispatcher
}

// Config supplies the external collaborators the core does not implement:
// the platform seam BootMap programs SATP/sfence.vma through, the MMIO
// register window the virtio-blk instance lives at, the console sink
// sys_msgout writes to, and the thread scheduler.
type Config struct {
	Plat    vm.Platform_i
	Regs    virtio.Regs_i
	Msg     syscall.MsgSink
	Sched   sched.Sched_i
	RAMLo   uintptr
	RAMHi   uintptr
	KernImg vm.KernelImage
}

// New brings up a Kernel: maps the boot page tables, negotiates and
// registers the VirtIO block device under defs.DevBlk, mounts the
// filesystem from it, and builds the process table and syscall dispatcher
// over the result. Memory first, then the block transport, then the
// filesystem built on top of it, then the process table and dispatcher
// that route everything else.
func New(cfg Config) (*Kernel, defs.Err_t) {
	alloc := mem.New(cfg.RAMLo, cfg.RAMHi, cfg.Plat.SfenceVMA)

	eng := &vm.Engine{Alloc: alloc, Plat: cfg.Plat}
	rootPa := eng.BootMap(cfg.RAMLo, cfg.RAMHi, cfg.KernImg)
	mainTag := vm.Mtag(rootPa, 0)
	cfg.Plat.WriteSATP(mainTag)
	manager := vm.NewManager(eng, mainTag)

	blk, err := virtio.New(cfg.Regs, alloc, cfg.Sched, 0, 0)
	if err != 0 {
		return nil, err
	}
	dev.Register(defs.DevBlk, func(instno int) (ioiface.Io_i, defs.Err_t) {
		if instno != 0 {
			return nil, -defs.ENODEV
		}
		return blk, 0
	})

	disk, err := dev.Open(defs.DevBlk, 0)
	if err != 0 {
		return nil, err
	}
	kfs, err := fs.Mount(disk, cfg.Sched)
	if err != 0 {
		return nil, err
	}

	procs := proc.NewTable(manager, cfg.Sched)

	sys := &syscall.Dispatcher{
		VM:    manager,
		Procs: procs,
		FS:    kfs,
		Msg:   cfg.Msg,
		Sched: cfg.Sched,
	}

	return &Kernel{Alloc: alloc, VM: manager, FS: kfs, Procs: procs, Sys: sys}, 0
}
