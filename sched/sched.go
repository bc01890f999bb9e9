// Package sched names the scheduler/interrupt surface the kernel core
// consumes but does not implement. The thread scheduler and the timer/alarm
// primitive live outside this module; this package is their seam, not their
// implementation.
package sched

import "rv39kernel/defs"

/// Cond_i is a condition variable as provided by the scheduler. ConditionWait
/// blocks the calling thread and atomically releases any interrupt-disable
/// state held by the caller across the sleep; ConditionBroadcast wakes every
/// waiter.
type Cond_i interface {
	Wait()
	Broadcast()
}

/// Sched_i is the thread-scheduling surface a sleep-lock, a block device, and
/// the process manager all need: who is running, how to suspend until a
/// child exits, and how to move a thread between kernel and user mode.
type Sched_i interface {
	RunningThread() defs.Tid_t
	ThreadJoin(tid defs.Tid_t) defs.Tid_t
	ThreadJoinAny() defs.Tid_t
	ThreadForkToUser(child any, trapFrame any) (defs.Tid_t, defs.Err_t)
	ThreadJumpToUser(usp, entry uintptr)
	ThreadExit()

	/// IntrDisable disables interrupts and returns the prior state, for use
	/// immediately before a suspension point.
	IntrDisable() uintptr
	/// IntrRestore restores interrupts to a state saved by IntrDisable.
	IntrRestore(saved uintptr)

	NewCond(name string) Cond_i

	/// USleep blocks the calling thread for approximately us microseconds,
	/// via the external alarm primitive.
	USleep(us uint64)
}
