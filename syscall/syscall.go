// Package syscall implements the system-call dispatcher: it decodes a
// trap.Frame, validates every user pointer through the VM manager, and
// routes to the process manager, the device registry, or the mounted
// filesystem. Validation direction follows the transfer: PTE_W for a read
// destination, PTE_R for a write source.
package syscall

import (
	"rv39kernel/defs"
	"rv39kernel/dev"
	"rv39kernel/fs"
	"rv39kernel/mem"
	"rv39kernel/proc"
	"rv39kernel/sched"
	"rv39kernel/trap"
	"rv39kernel/vm"
)

// Syscall numbers (a7 selector values).
const (
	scExit    = 0
	scMsgout  = 1
	scClose   = 2
	scRead    = 3
	scWrite   = 4
	scIoctl   = 5
	scDevopen = 6
	scFsopen  = 7
	scExec    = 8
	scFork    = 9
	scWait    = 10
	scUsleep  = 11
)

// MsgSink receives sys_msgout's validated string. The console device lives
// outside this module, so the dispatcher is handed a narrow seam for it
// rather than importing a console package.
type MsgSink interface {
	Puts(s string)
}

// Dispatcher routes a trapped syscall to the process manager, the mounted
// filesystem, and the device registry, validating every user pointer first.
type Dispatcher struct {
	VM    *vm.Manager
	Procs *proc.Table
	FS    *fs.FS
	Msg   MsgSink
	Sched sched.Sched_i
}

// Handle decodes tfr and dispatches exactly one syscall, writing any return
// value into tfr's a0 register. sepc is advanced past the ecall before the
// selector switch so every path resumes at the next instruction.
func (d *Dispatcher) Handle(tfr *trap.Frame) {
	tfr.SkipEcall()
	a := &tfr.X

	switch a[trap.A7] {
	case scExit:
		d.Procs.Exit()
	case scMsgout:
		d.sysMsgout(uintptr(a[trap.A0]))
	case scClose:
		d.sysClose(int(a[trap.A0]))
	case scRead:
		tfr.SetReturn(uint64(d.sysRead(int(a[trap.A0]), uintptr(a[trap.A1]), int(a[trap.A2]))))
	case scWrite:
		tfr.SetReturn(uint64(d.sysWrite(int(a[trap.A0]), uintptr(a[trap.A1]), int(a[trap.A2]))))
	case scIoctl:
		tfr.SetReturn(uint64(d.sysIoctl(int(a[trap.A0]), int(a[trap.A1]), int(a[trap.A2]))))
	case scDevopen:
		tfr.SetReturn(uint64(d.sysDevopen(int(a[trap.A0]), uintptr(a[trap.A1]), int(a[trap.A2]))))
	case scFsopen:
		tfr.SetReturn(uint64(d.sysFsopen(int(a[trap.A0]), uintptr(a[trap.A1]))))
	case scExec:
		tfr.SetReturn(uint64(d.sysExec(int(a[trap.A0]))))
	case scFork:
		tfr.SetReturn(uint64(d.sysFork(tfr)))
	case scWait:
		tfr.SetReturn(uint64(d.Procs.Wait(defs.Tid_t(a[trap.A0]))))
	case scUsleep:
		// Blocks via the scheduler's alarm primitive; the dispatcher only
		// forwards the duration, it never implements the timer itself.
		if d.Sched != nil {
			d.Sched.USleep(a[trap.A0])
		}
	default:
		notsup := int64(-defs.ENOTSUP)
		tfr.SetReturn(uint64(notsup))
	}
}

func (d *Dispatcher) current() (*proc.Process, defs.Err_t) {
	return d.Procs.Current()
}

func (d *Dispatcher) sysMsgout(msg uintptr) {
	if err := d.VM.ValidateVstr(msg, mem.PTE_U); err != 0 {
		return
	}
	d.Msg.Puts(readCString(d.VM, msg))
}

// readCString copies a validated NUL-terminated user string into a Go
// string, one byte at a time via the reconstructed physical address the way
// ValidateVstr itself walks it.
func readCString(m *vm.Manager, vs uintptr) string {
	var out []byte
	buf := make([]byte, 1)
	for {
		if err := m.ReadBytes(vs, buf); err != 0 || buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
		vs++
	}
	return string(out)
}

func (d *Dispatcher) sysClose(fd int) {
	p, err := d.current()
	if err != 0 || fd < 0 || fd >= len(p.Iotab) || p.Iotab[fd] == nil {
		return
	}
	p.Iotab[fd].Close()
	p.Iotab[fd] = nil
}

func (d *Dispatcher) sysRead(fd int, buf uintptr, n int) int {
	if err := d.VM.ValidateVptrLen(buf, n, mem.PTE_W|mem.PTE_U); err != 0 {
		return int(err)
	}
	p, err := d.current()
	if err != 0 || fd < 0 || fd >= len(p.Iotab) || p.Iotab[fd] == nil {
		return int(-defs.EINVAL)
	}
	dst := make([]byte, n)
	read, rerr := p.Iotab[fd].Read(dst)
	if rerr != 0 {
		return int(rerr)
	}
	if werr := d.VM.WriteBytes(buf, dst[:read]); werr != 0 {
		return int(werr)
	}
	return read
}

func (d *Dispatcher) sysWrite(fd int, buf uintptr, n int) int {
	if err := d.VM.ValidateVptrLen(buf, n, mem.PTE_R|mem.PTE_U); err != 0 {
		return int(err)
	}
	p, err := d.current()
	if err != 0 || fd < 0 || fd >= len(p.Iotab) || p.Iotab[fd] == nil {
		return int(-defs.EINVAL)
	}
	src := make([]byte, n)
	if rerr := d.VM.ReadBytes(buf, src); rerr != 0 {
		return int(rerr)
	}
	written, werr := p.Iotab[fd].Write(src)
	if werr != 0 {
		return int(werr)
	}
	return written
}

func (d *Dispatcher) sysIoctl(fd, cmd, arg int) int {
	p, err := d.current()
	if err != 0 || fd < 0 || fd >= len(p.Iotab) || p.Iotab[fd] == nil {
		return int(-defs.EINVAL)
	}
	ret, cerr := p.Iotab[fd].Ctl(cmd, arg)
	if cerr != 0 {
		return int(cerr)
	}
	return ret
}

// allocFd returns fd if it is already non-negative, else the lowest free
// iotab slot.
func allocFd(p *proc.Process, fd int) int {
	if fd >= 0 {
		return fd
	}
	for i := 0; i < len(p.Iotab); i++ {
		if p.Iotab[i] == nil {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) sysDevopen(fd int, name uintptr, instno int) int {
	if err := d.VM.ValidateVstr(name, mem.PTE_U); err != 0 {
		return int(err)
	}
	p, err := d.current()
	if err != 0 {
		return int(-defs.EINVAL)
	}
	slot := allocFd(p, fd)
	if slot < 0 {
		return int(-defs.EINVAL)
	}
	io, operr := dev.Open(readCString(d.VM, name), instno)
	if operr != 0 {
		return int(operr)
	}
	p.Iotab[slot] = io
	return slot
}

func (d *Dispatcher) sysFsopen(fd int, name uintptr) int {
	if err := d.VM.ValidateVstr(name, mem.PTE_U); err != 0 {
		return int(err)
	}
	p, err := d.current()
	if err != 0 {
		return int(-defs.EINVAL)
	}
	slot := allocFd(p, fd)
	if slot < 0 {
		return int(-defs.EINVAL)
	}
	io, operr := d.FS.Open(readCString(d.VM, name))
	if operr != 0 {
		return int(operr)
	}
	p.Iotab[slot] = io
	return slot
}

func (d *Dispatcher) sysExec(fd int) int {
	p, err := d.current()
	if err != 0 {
		return int(-defs.EINVAL)
	}
	if fd < 0 || fd >= len(p.Iotab) || p.Iotab[fd] == nil {
		return int(-defs.EINVAL)
	}
	io := p.Iotab[fd]
	p.Iotab[fd] = nil
	return int(d.Procs.Exec(io))
}

func (d *Dispatcher) sysFork(tfr *trap.Frame) int {
	pid, err := d.Procs.Fork(tfr)
	if err != 0 {
		return int(err)
	}
	return int(pid)
}
