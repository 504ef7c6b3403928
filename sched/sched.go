// Package sched implements the preemptive round-robin scheduler and
// the kernel-stack context switch (spec.md §4.4). Grounded directly on
// original_source/kern/core/scheduler.c and context.c rather than on
// the teacher, since the teacher delegates thread scheduling to a
// patched Go runtime's goroutines instead of hand-rolling a runqueue
// and a register-save context switch — the one component this rework
// could not keep the teacher's HOW for and still meet spec.md's
// explicit "kernel stack layout for preempted threads" requirement.
// The teacher's habit of declaring CPU-level primitives as bodyless
// externs fulfilled by its patched runtime (runtime.Get_phys in
// mem.go, runtime.Condflush in vm/as.go) is the model for Swtch and
// IretToUser below: both are machine-level operations no pure Go
// statement can express, so they are declared but left for an
// assembly stub to supply.
package sched

import (
	"sync"

	"github.com/pyadapad/mtask/kstats"
)

// Status is a thread's scheduling state.
type Status int

const (
	Runnable Status = iota
	Running
	Waiting
	Dead
)

func (s Status) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Ctx_t is the scheduling-relevant slice of a thread: its saved kernel
// stack pointers and current status. proc.Thread_t embeds one. Tid
// identifies the thread for wakeup/preempt lookups; it is opaque to
// sched, which never touches thread-local or address-space state.
type Ctx_t struct {
	Tid      int
	SavedEsp uintptr
	SavedEbp uintptr
	PDBR     uintptr // physical address of the thread's page directory
	Status   Status
}

// Swtch performs the machine-level half of a context switch: save the
// caller's esp/ebp into old (if non-nil), load cr3 from next.PDBR,
// switch the kernel-stack pointer to next.SavedEsp/SavedEbp, and
// return in the new thread's stack frame. Supplied by an assembly
// stub; not expressible in Go since it moves the stack out from under
// the calling goroutine's frame.
func Swtch(old, next *Ctx_t)

// IretToUser pops a trap frame (SS, ESP, EFLAGS, CS, EIP, plus the
// pusha-style general-purpose register block spec.md §3 describes)
// off the current kernel stack and returns to user mode via iret.
// Supplied by an assembly stub.
func IretToUser()

// scheduler holds the single runnable FIFO and the currently running
// thread, serialized by one mutex — grounded on scheduler.c's
// runq_mutex/runnable_threads/curr_thread.
type scheduler struct {
	sync.Mutex
	runq    []*Ctx_t
	current *Ctx_t
}

var sd = &scheduler{}

// OnSwitch, when non-nil, is invoked synchronously on every context
// switch with the tid switched away from and the tid switched to.
// proc installs this to drive per-task CPU-time accounting
// (spec.md's accounting is "updated by the scheduler's context-
// switch") without sched taking on a dependency on proc/accnt.
var OnSwitch func(fromTid, toTid int)

// Current returns the thread presently running.
func Current() *Ctx_t {
	sd.Lock()
	defer sd.Unlock()
	return sd.current
}

// SetCurrent installs t as the running thread without touching the
// runqueue; used once at boot to seed the first thread.
func SetCurrent(t *Ctx_t) {
	sd.Lock()
	t.Status = Running
	sd.current = t
	sd.Unlock()
}

// Runq_add appends t to the tail of the runnable queue and marks it
// Runnable, grounded on scheduler.c's runq_add_thread.
func Runq_add(t *Ctx_t) {
	sd.Lock()
	t.Status = Runnable
	sd.runq = append(sd.runq, t)
	sd.Unlock()
}

// runq_get_head pops the thread at the head of the runnable queue,
// skipping (and dropping) any entry already marked Dead — a task
// killed before a just-forked thread ever ran leaves such an entry
// behind, since Runq_add happens before the parent has any chance to
// vanish the child — and returns nil if nothing runnable remains.
func runq_get_head() *Ctx_t {
	sd.Lock()
	defer sd.Unlock()
	for len(sd.runq) > 0 {
		t := sd.runq[0]
		sd.runq = sd.runq[1:]
		if t.Status == Dead {
			continue
		}
		return t
	}
	return nil
}

// next_thread implements round robin: pop the head of the runqueue.
// A nil result means nothing is runnable (the idle thread stays
// current).
func next_thread() *Ctx_t {
	return runq_get_head()
}

// Yield switches away from the current thread, requeuing it at the
// tail (unless requeue is false — a thread about to block on a mutex
// or cond var has already been parked as Waiting by its caller and
// must not be added back to the runqueue). It blocks until the
// scheduler switches back to this thread.
func Yield(requeue bool) {
	self := Current()
	next := next_thread()
	if next == nil {
		// nothing else runnable; keep running self.
		return
	}
	if requeue {
		Runq_add(self)
	}
	switchTo(self, next)
}

// switchTo performs the bookkeeping half of a switch (status updates,
// current-thread pointer) around the machine-level Swtch.
func switchTo(self, next *Ctx_t) {
	sd.Lock()
	next.Status = Running
	sd.current = next
	sd.Unlock()
	kstats.Kern.ContextSwitches.Inc()
	if OnSwitch != nil {
		OnSwitch(self.Tid, next.Tid)
	}
	Swtch(self, next)
}

// Preempt is invoked from the timer-tick handler (spec.md §4.7): it
// forces a yield-with-requeue of the currently running thread,
// implementing round-robin time slicing. A no-op if nothing else is
// runnable.
func Preempt() {
	Yield(true)
}

// Sleep marks the current thread Waiting (it must already have been
// removed from any queue it should not be discoverable on — e.g. a
// mutex's wait list or a cond var's wait list) and switches away
// without requeuing it. The thread will run again only when some
// other thread calls Runq_add(t) — mutex_unlock and cond_signal do
// this for the specific thread that was waiting.
func Sleep(self *Ctx_t) {
	self.Status = Waiting
	next := next_thread()
	if next == nil {
		caller_panic_if_deadlock()
		return
	}
	switchTo(self, next)
}

// caller_panic_if_deadlock exists so Sleep has a single place to grow
// a "no runnable thread and the kernel is not idle" deadlock check
// without importing caller (sched intentionally has no dependency on
// higher layers); currently a no-op, so Sleep simply returns when
// nothing else is runnable.
func caller_panic_if_deadlock() {}

// Runqlen reports the number of threads on the runnable queue, used by
// tests to check what was queued or dequeued.
func Runqlen() int {
	sd.Lock()
	defer sd.Unlock()
	return len(sd.runq)
}

// descheduled holds threads parked by Deschedule, keyed by tid, so a
// later Make_runnable(tid) can find and requeue the exact thread.
var (
	descMu  sync.Mutex
	desched = map[int]*Ctx_t{}
)

// Deschedule removes self from scheduling entirely — not on the
// runqueue, not discoverable by Yield_to — until some other thread
// calls Make_runnable(self.Tid). check is polled with the
// descheduled-set lock (descMu) held so the caller's "reject" test and the transition to
// descheduled are atomic with respect to a concurrent Make_runnable:
// if check() reports true, Deschedule returns immediately without
// blocking (the classic deschedule/make_runnable race the syscall is
// built to avoid).
func Deschedule(self *Ctx_t, check func() bool) {
	descMu.Lock()
	if check() {
		descMu.Unlock()
		return
	}
	desched[self.Tid] = self
	descMu.Unlock()

	self.Status = Waiting
	next := next_thread()
	if next == nil {
		return
	}
	switchTo(self, next)
}

// Make_runnable requeues a thread previously parked by Deschedule. It
// reports false if tid is not currently descheduled (spec.md: unknown
// tid, or a tid not actually WAITING-via-deschedule, is an error to
// the caller).
func Make_runnable(tid int) bool {
	descMu.Lock()
	t, ok := desched[tid]
	if !ok {
		descMu.Unlock()
		return false
	}
	delete(desched, tid)
	descMu.Unlock()
	Runq_add(t)
	return true
}

// sleeper pairs a parked thread with the tick count at which it
// should wake, for the sleep syscall (spec.md §6).
type sleeper struct {
	wake int64
	t    *Ctx_t
}

var (
	sleepMu sync.Mutex
	sleepQ  []sleeper
)

// SleepTicks parks self until at least ticks timer interrupts have
// elapsed. The actual wakeup is driven by WakeSleepers, called from
// the timer handler on every tick.
func SleepTicks(self *Ctx_t, ticks int, nowTick int64) {
	if ticks <= 0 {
		return
	}
	sleepMu.Lock()
	sleepQ = append(sleepQ, sleeper{wake: nowTick + int64(ticks), t: self})
	sleepMu.Unlock()
	Sleep(self)
}

// WakeSleepers requeues every thread whose deadline has passed.
func WakeSleepers(nowTick int64) {
	sleepMu.Lock()
	var keep []sleeper
	var ready []*Ctx_t
	for _, s := range sleepQ {
		if s.wake <= nowTick {
			ready = append(ready, s.t)
		} else {
			keep = append(keep, s)
		}
	}
	sleepQ = keep
	sleepMu.Unlock()
	for _, t := range ready {
		Runq_add(t)
	}
}

// Yield_to implements the yield syscall's target-selection rule: with
// tid == -1, round robin to the head of the queue; with an explicit
// tid, that thread must exist in byTid and not be WAITING, else
// Yield_to reports false and does not switch.
func Yield_to(self *Ctx_t, tid int, byTid func(int) (*Ctx_t, bool)) bool {
	if tid == -1 {
		Yield(true)
		return true
	}
	target, ok := byTid(tid)
	if !ok || target.Status == Waiting {
		return false
	}
	sd.Lock()
	for i, t := range sd.runq {
		if t == target {
			sd.runq = append(sd.runq[:i], sd.runq[i+1:]...)
			break
		}
	}
	sd.Unlock()
	Runq_add(self)
	switchTo(self, target)
	return true
}
