// Package lock implements the kernel's reentrant sleep-lock.
package lock

import "rv39kernel/sched"

/// Sleep_t is a mutual-exclusion primitive backed by a condition variable.
/// Unlike sync.Mutex, the owning thread may re-acquire it: an Acquire by the
/// current owner returns at once, and a single Release frees the lock.
type Sleep_t struct {
	cond sched.Cond_i
	tid  int
	s    sched.Sched_i
}

const noOwner = -1

/// Init prepares lk for use. name is carried through to the underlying
/// condition variable for diagnostics only.
func Init(lk *Sleep_t, s sched.Sched_i, name string) {
	lk.s = s
	lk.cond = s.NewCond(name)
	lk.tid = noOwner
}

/// Acquire blocks until lk is free, then claims it. A thread that already
/// owns lk returns immediately (reentrant).
func (lk *Sleep_t) Acquire() {
	self := int(lk.s.RunningThread())
	if lk.tid == self {
		return
	}
	lk.s.IntrDisable()
	for lk.tid != noOwner && lk.tid != self {
		lk.cond.Wait()
	}
	lk.tid = self
}

/// Release hands lk back to no owner and wakes any waiters. The caller must
/// hold lk.
func (lk *Sleep_t) Release() {
	self := int(lk.s.RunningThread())
	if lk.tid != self {
		panic("lock: release by non-owner")
	}
	lk.tid = noOwner
	lk.cond.Broadcast()
}
