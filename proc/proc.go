// Package proc implements the process manager: a fixed process table,
// per-process file-descriptor tables, and fork/exec/exit/wait.
package proc

import (
	"sync"

	"rv39kernel/defs"
	"rv39kernel/elf"
	"rv39kernel/ioiface"
	"rv39kernel/sched"
	"rv39kernel/vm"
)

const (
	NProc = 16
	IOMax = 16
)

const MainPid defs.Pid_t = 0

// Process is one process-table entry: the owning thread, its address-space
// tag, and its table of open I/O objects.
type Process struct {
	ID    defs.Pid_t
	Tid   defs.Tid_t
	Mtag  uint64
	Iotab [IOMax]ioiface.Io_i
}

// Table is the process-wide proctab plus the VM manager it hands to
// fork/exec. The mutex guards slot search-and-claim, so repeated forks
// racing toward table exhaustion resolve deterministically.
type Table struct {
	mu    sync.Mutex
	procs [NProc]*Process
	vm    *vm.Manager
	sched sched.Sched_i
}

// NewTable installs the calling (boot) thread as process 0 with the active
// memory space.
func NewTable(m *vm.Manager, s sched.Sched_i) *Table {
	t := &Table{vm: m, sched: s}
	main := &Process{ID: MainPid, Tid: s.RunningThread(), Mtag: m.MainTag}
	t.procs[MainPid] = main
	return t
}

// Current returns the process owning the calling thread.
func (t *Table) Current() (*Process, defs.Err_t) {
	tid := t.sched.RunningThread()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p != nil && p.Tid == tid {
			return p, 0
		}
	}
	return nil, -defs.EINVAL
}

// Fork allocates a child process, claims the lowest free proctab slot,
// shares the parent's open I/O objects (incrementing their refcounts), and
// clones the parent's address space. The child's thread returns to tfr with
// 0 in a0; the parent gets the child's pid.
func (t *Table) Fork(tfr any) (defs.Pid_t, defs.Err_t) {
	parent, err := t.Current()
	if err != 0 {
		return 0, err
	}

	t.mu.Lock()
	slot := -1
	for i, p := range t.procs {
		if p == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		t.mu.Unlock()
		return 0, -defs.EBUSY
	}
	child := &Process{ID: defs.Pid_t(slot)}
	t.procs[slot] = child
	t.mu.Unlock()

	for i, io := range parent.Iotab {
		if io == nil {
			continue
		}
		dup, ok := io.(ioiface.Dup_i)
		if !ok {
			panic("proc: iotab entry does not implement ioiface.Dup_i")
		}
		child.Iotab[i] = dup.Dup()
	}
	child.Mtag = t.vm.SpaceClone(uint16(slot))

	tid, ferr := t.sched.ThreadForkToUser(child, tfr)
	if ferr != 0 {
		t.mu.Lock()
		t.procs[slot] = nil
		t.mu.Unlock()
		return 0, ferr
	}
	child.Tid = tid
	return child.ID, 0
}

// Exec tears down the current user address space and loads a new ELF image
// through it, jumping to user mode at the loaded entry point with the stack
// at vm.UserStackVMA. On loader failure the torn-down mappings are not
// restored; the caller is expected to exit.
func (t *Table) Exec(exeio ioiface.Io_i) defs.Err_t {
	t.vm.UnmapAndFreeUser()

	entry, lerr := elf.Load(exeio, t.vm)
	if lerr != 0 {
		return lerr
	}

	t.sched.ThreadJumpToUser(vm.UserStackVMA, entry)
	return 0
}

// terminate closes every open I/O object, reclaims the address space unless
// it is still the active one (exec already reclaimed it before loading, so
// an in-flight exec never double-reclaims), and frees the proctab slot.
func (t *Table) terminate(pid defs.Pid_t) {
	t.mu.Lock()
	proc := t.procs[pid]
	t.mu.Unlock()
	if proc == nil {
		return
	}

	for i, io := range proc.Iotab {
		if io != nil {
			io.Close()
			proc.Iotab[i] = nil
		}
	}

	if proc.Mtag != t.vm.Eng.Plat.ReadSATP() {
		t.vm.SpaceReclaim()
	}

	t.mu.Lock()
	t.procs[pid] = nil
	t.mu.Unlock()
}

// Exit terminates the calling process and exits its thread.
func (t *Table) Exit() {
	proc, err := t.Current()
	if err != 0 {
		return
	}
	t.terminate(proc.ID)
	t.sched.ThreadExit()
}

// Wait implements both forms of sys_wait: tid==0 waits for any child of the
// caller; a nonzero tid waits for that specific thread.
func (t *Table) Wait(tid defs.Tid_t) defs.Tid_t {
	if tid == 0 {
		return t.sched.ThreadJoinAny()
	}
	return t.sched.ThreadJoin(tid)
}
