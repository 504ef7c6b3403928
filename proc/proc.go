// Package proc implements task and thread creation (spec.md §4.3) and
// the task lifecycle — fork, exec, wait, vanish, and orphan
// re-parenting to the init task (spec.md §4.6). Grounded on
// original_source/kern/core/task.c, thread.c, fork.c, exec.c, and
// wait_vanish.c, translated into the teacher's struct-plus-mutex idiom
// (tid lookup via a lock-free index, ksync.Mutex_t/CondVar_t for
// anything a waiting thread might block on, a plain sync.Mutex for
// pure mutual exclusion that never blocks across a context switch).
package proc

import (
	"sync"

	"github.com/pyadapad/mtask/accnt"
	"github.com/pyadapad/mtask/caller"
	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/hashtable"
	"github.com/pyadapad/mtask/kconfig"
	"github.com/pyadapad/mtask/ksync"
	"github.com/pyadapad/mtask/sched"
	"github.com/pyadapad/mtask/ustr"
	"github.com/pyadapad/mtask/vm"
)

// Thread_t is one schedulable thread. It embeds sched.Ctx_t, the slice
// the scheduler actually manipulates, so a *Thread_t can be handed
// directly to sched/ksync calls that take a *sched.Ctx_t.
type Thread_t struct {
	sched.Ctx_t
	Task  *Task_t
	Accnt accnt.Accnt_t

	// Fault_handler is the one-shot user-mode page-fault handler
	// registered by the task, cleared on delivery (spec.md §4.7).
	Fault_handler int

	// UserFaultStack and UserFaultArg are the handler's exception
	// stack pointer and opaque argument, registered alongside
	// Fault_handler by swexn and consumed by intr.DeliverFault to
	// build the ureg snapshot on the user-provided stack (spec.md
	// §4.3's Task record, §4.7).
	UserFaultStack int
	UserFaultArg   int
}

// Task_t is a task: one or more threads sharing an address space, a
// parent, and child lists. The lock-ordering discipline spec.md §5
// requires is: parent.VanishMu -> self.VanishMu -> ChildrenMu ->
// ThreadsMu.
type Task_t struct {
	Pid defs.Pid_t

	VanishMu sync.Mutex

	ThreadsMu sync.Mutex
	Threads   map[int]*Thread_t

	// ChildrenMu guards AliveChildren/DeadChildren together with
	// ExitCv, matching wait_vanish.c's single child_list_mutex
	// protecting both lists and serving as exit_cond_var's mutex.
	ChildrenMu    ksync.Mutex_t
	AliveChildren map[defs.Pid_t]*Task_t
	DeadChildren  []*Task_t
	ExitCv        ksync.CondVar_t

	Parent *Task_t
	Vm     *vm.Vm_t

	ExitStatus int
	Accnt      accnt.Accnt_t
}

var (
	tidMu   sync.Mutex
	nextTid = 1

	// threadIdx maps tid -> *Thread_t for every live thread, the
	// in-process analogue of thread.c's thread index.
	threadIdx = hashtable.MkHash(64)

	initTask *Task_t

	// acctMu guards lastAccountNs, the timestamp of the most recent
	// context switch (or Set_status call) across the whole kernel.
	// Since only one thread ever runs at a time, the interval
	// [lastAccountNs, now) belongs entirely to whichever thread was
	// current at its start.
	acctMu        sync.Mutex
	lastAccountNs int64
)

// accountSwitch is installed as sched.OnSwitch at Boot. It closes out
// the quantum the outgoing thread (fromTid) just used as user time,
// charged against both the thread and its task's aggregate (spec.md
// §4.3: accounting "updated by the scheduler's context-switch").
func accountSwitch(fromTid, toTid int) {
	now := accnt.Now()
	acctMu.Lock()
	elapsed := now - lastAccountNs
	lastAccountNs = now
	acctMu.Unlock()

	if thr, ok := Lookup(fromTid); ok {
		thr.Accnt.Utadd(elapsed)
		thr.Task.Accnt.Utadd(elapsed)
	}
}

func allocTid() int {
	tidMu.Lock()
	defer tidMu.Unlock()
	id := nextTid
	nextTid++
	return id
}

// CurThread returns the thread object for the scheduler's current
// thread.
func CurThread() *Thread_t {
	c := sched.Current()
	if c == nil {
		caller.Assertviol("no current thread")
	}
	v, ok := threadIdx.Get(c.Tid)
	if !ok {
		caller.Assertviol("current thread not indexed")
	}
	return v.(*Thread_t)
}

// CurTask returns the task owning the current thread.
func CurTask() *Task_t { return CurThread().Task }

// Lookup resolves tid to its thread record, for callers (the syscall
// package's yield/make_runnable) that need a *Thread_t without
// themselves tracking the thread index.
func Lookup(tid int) (*Thread_t, bool) {
	v, ok := threadIdx.Get(tid)
	if !ok {
		return nil, false
	}
	return v.(*Thread_t), true
}

// Create_task allocates a task and its first thread (spec.md §4.3). A
// task's pid equals its first thread's tid. The new thread is
// initialized Runnable but is not placed on the runqueue; the caller
// places it once its kernel stack has been hand-crafted.
func Create_task(parent *Task_t) (*Task_t, defs.Err_t) {
	if !kconfig.Limits.Sysprocs.Take() {
		return nil, -defs.ENOMEM
	}
	as, err := vm.New_vm()
	if err != 0 {
		kconfig.Limits.Sysprocs.Give()
		return nil, err
	}
	t := &Task_t{
		Parent:        parent,
		Vm:            as,
		AliveChildren: make(map[defs.Pid_t]*Task_t),
		Threads:       make(map[int]*Thread_t),
	}
	thr := newThread(t)
	t.Pid = defs.Pid_t(thr.Tid)
	if parent != nil {
		parent.ChildrenMu.Lock(&CurThread().Ctx_t)
		parent.AliveChildren[t.Pid] = t
		parent.ChildrenMu.Unlock()
	}
	return t, 0
}

func newThread(t *Task_t) *Thread_t {
	thr := &Thread_t{Task: t}
	thr.Ctx_t.Tid = allocTid()
	thr.Ctx_t.Status = sched.Runnable
	thr.Fault_handler = -1
	t.ThreadsMu.Lock()
	t.Threads[thr.Tid] = thr
	t.ThreadsMu.Unlock()
	threadIdx.Set(thr.Tid, thr)
	return thr
}

// Boot creates the init task: the always-present universal adoptive
// parent for orphaned children (spec.md §4.6's Init task). It has no
// parent of its own and is installed as the scheduler's current
// thread so that subsequent Create_task calls have a CurThread to
// attribute child linkage to.
func Boot() *Task_t {
	t, err := Create_task(nil)
	if err != 0 {
		caller.Assertviol("failed to create init task")
	}
	initTask = t
	for _, thr := range t.Threads {
		sched.SetCurrent(&thr.Ctx_t)
	}
	sched.OnSwitch = accountSwitch
	lastAccountNs = accnt.Now()
	return t
}

// Fork creates a child task with the current task as parent, clones
// the address space via COW (spec.md §4.2 Clone), and requeues the
// child for scheduling. It returns the child's pid to the parent.
// Constructing the child's hand-crafted kernel stack so it resumes at
// the iret epilogue with a zero return value is a machine-level detail
// left to the trap-entry assembly stub this function's caller invokes
// after Fork returns 0 into the child's saved context; Fork itself
// only establishes the child's scheduling and address-space state.
func Fork() (defs.Pid_t, defs.Err_t) {
	parent := CurTask()
	child, err := Create_task(parent)
	if err != 0 {
		return 0, err
	}

	childVm, err := parent.Vm.Clone()
	if err != 0 {
		destroyUnlaunchedChild(child)
		return 0, err
	}
	child.Vm = childVm

	for _, thr := range child.Threads {
		sched.Runq_add(&thr.Ctx_t)
	}
	return child.Pid, 0
}

// destroyUnlaunchedChild undoes Create_task for a child that failed
// before it was ever scheduled (Fork's Clone-failure path): t is
// unlinked from the parent's alive-children list outright rather than
// moved to dead-children, since it never ran. Routing it through
// Vanish_task's ordinary teardown would append it to
// parent.DeadChildren, and a later Wait would reap a phantom child
// with the Clone failure's error as its exit status — a task that
// never existed from the parent's perspective, violating the
// property that every successful wait reaps exactly one previously
// vanished child (spec.md §8).
func destroyUnlaunchedChild(t *Task_t) {
	t.ThreadsMu.Lock()
	for tid := range t.Threads {
		threadIdx.Del(tid)
	}
	t.Threads = nil
	t.ThreadsMu.Unlock()

	parent := t.Parent
	parent.ChildrenMu.Lock(&CurThread().Ctx_t)
	delete(parent.AliveChildren, t.Pid)
	parent.ChildrenMu.Unlock()

	if t.Vm != nil {
		t.Vm.Uvmfree()
	}
	kconfig.Limits.Sysprocs.Give()
}

// Set_status records n as the task's exit status, later read by the
// parent's Wait. It also closes out the final quantum as system time
// against the task's aggregate accounting (spec.md §4.3: accounting
// "updated by ... proc.SetStatus/Wait bookkeeping"). It runs from the
// set_status syscall and again from Vanish_task; each call charges the
// interval since the last accounting point, so no time is counted
// twice.
func Set_status(t *Task_t, n int) {
	t.ExitStatus = n

	acctMu.Lock()
	inttime := lastAccountNs
	lastAccountNs = accnt.Now()
	acctMu.Unlock()
	t.Accnt.Finish(inttime)
}

// Rusage returns a getrusage-shaped snapshot of t's accumulated
// CPU-time accounting (spec.md §4.6: "exposed via a getrusage-shaped
// helper ... collected at vanish and handed to the parent"). It
// mirrors accnt.Accnt_t.Fetch's on-wire layout: two timeval pairs,
// user then system, each a (sec, usec) pair.
func (t *Task_t) Rusage() []uint8 {
	return t.Accnt.Fetch()
}

// Wait reaps one dead child of the current task, blocking if none are
// dead yet but some remain alive (spec.md §4.6 wait). statusOut
// receives the dead child's exit status when non-nil.
func Wait(statusOut *int) (defs.Pid_t, defs.Err_t) {
	self := CurThread()
	task := self.Task

	task.ChildrenMu.Lock(&self.Ctx_t)
	for len(task.DeadChildren) == 0 && len(task.AliveChildren) != 0 {
		task.ExitCv.Wait(&self.Ctx_t, &task.ChildrenMu)
	}
	if len(task.DeadChildren) == 0 {
		task.ChildrenMu.Unlock()
		return 0, -defs.EFAIL
	}
	dead := task.DeadChildren[0]
	task.DeadChildren = task.DeadChildren[1:]
	task.ChildrenMu.Unlock()
	kconfig.Limits.Sysprocs.Give()

	if statusOut != nil {
		*statusOut = dead.ExitStatus
	}
	return dead.Pid, 0
}

// reparentChildren moves every entry of t's children (alive or dead)
// onto init's corresponding list, used when a task's last thread
// vanishes (spec.md §4.6 step 1). init.ChildrenMu is spec.md §5's
// third lock in the vanish cross-section's order (parent.VanishMu ->
// self.VanishMu -> ChildrenMu -> ThreadsMu); the caller already holds
// the first two before calling this.
func reparentChildren(t *Task_t, self *sched.Ctx_t) {
	parent := initTask
	parent.ChildrenMu.Lock(self)
	for pid, c := range t.AliveChildren {
		c.Parent = parent
		parent.AliveChildren[pid] = c
		delete(t.AliveChildren, pid)
	}
	for _, c := range t.DeadChildren {
		c.Parent = parent
	}
	parent.DeadChildren = append(parent.DeadChildren, t.DeadChildren...)
	t.DeadChildren = nil
	parent.ChildrenMu.Unlock()
}

// Vanish removes the calling thread from its task (spec.md §4.6
// vanish). If other threads remain in the task, only this thread
// exits; if it was the task's last thread, the full task-teardown
// sequence runs: orphans are re-parented to init, self is moved from
// the parent's alive to dead children, the address space is torn
// down, and the parent's exit_cv is signaled or broadcast.
func Vanish(status int) {
	self := CurThread()
	Vanish_task(self.Task, status)
}

// Vanish_task runs the vanish sequence for task t, factored out of
// Vanish so a caller can tear down a task whose threads need not
// include the current thread (intr.Pgfault, or a task killed from
// outside its own context).
func Vanish_task(t *Task_t, status int) {
	self := sched.Current()

	t.ThreadsMu.Lock()
	owning := self != nil
	if owning {
		if _, ok := t.Threads[self.Tid]; ok {
			delete(t.Threads, self.Tid)
			threadIdx.Del(self.Tid)
		} else {
			// self is not one of t's threads: t is being torn down from
			// outside its own context (a task killed by something other
			// than itself, possibly before it ever ran). owning=false
			// routes to unconditional teardown
			// below instead of the "other threads remain" short circuit.
			owning = false
		}
	}
	if !owning {
		// Mark every thread Dead before dropping them, so one still
		// sitting on sched's runqueue (e.g. a just-forked child killed
		// before it ever ran) is skipped rather than handed to Swtch.
		for tid, thr := range t.Threads {
			thr.Status = sched.Dead
			threadIdx.Del(tid)
		}
		t.Threads = nil
	}
	remaining := len(t.Threads)
	t.ThreadsMu.Unlock()

	if owning && remaining > 0 {
		self.Status = sched.Dead
		return
	}

	Set_status(t, status)
	parent := t.Parent
	if parent == nil {
		// the init task itself vanishing is a kernel-fatal condition.
		caller.Assertviol("init task vanished")
	}

	parent.VanishMu.Lock()
	t.VanishMu.Lock()
	reparentChildren(t, self)
	t.VanishMu.Unlock()
	parent.VanishMu.Unlock()

	var broadcast bool
	parent.ChildrenMu.Lock(self)
	delete(parent.AliveChildren, t.Pid)
	parent.DeadChildren = append(parent.DeadChildren, t)
	broadcast = len(parent.AliveChildren) == 0
	parent.ChildrenMu.Unlock()

	// Collected at vanish and handed to the parent (spec.md §4.6):
	// the parent's aggregate accounting folds in every reaped child's
	// usage, the getrusage "ru_utime/ru_stime of terminated children"
	// contract.
	parent.Accnt.Add(&t.Accnt)

	if t.Vm != nil {
		t.Vm.Uvmfree()
	}

	if broadcast {
		parent.ExitCv.Broadcast()
	} else {
		parent.ExitCv.Signal()
	}

	if owning {
		self.Status = sched.Dead
	}
}

// Userstr copies a NUL-terminated name string, capped at max bytes,
// used by Exec to pull execname/argv out of user space under
// spec.md's EXECNAME_MAX/ARGNAME_MAX/NUM_ARGS_MAX caps.
func Userstr(as *vm.Vm_t, uva, max int) (ustr.Ustr, defs.Err_t) {
	return as.Userstr(uva, max)
}

// Exec validates and copies the (name, argv) argument packet into
// kernel memory under the caps spec.md §4.6 specifies. It does not
// touch the address space: syscall.Exec builds the new one with
// Vm_t.Setup_segments and swaps it in with ReplaceVm. Neither copies
// the program's bytes or places argv on the new user stack.
func Exec(as *vm.Vm_t, nameUva int, argvUva []int) (ustr.Ustr, []ustr.Ustr, defs.Err_t) {
	if len(argvUva) > kconfig.NumArgsMax {
		return nil, nil, -defs.E2BIG
	}
	name, err := as.Userstr(nameUva, kconfig.ExecnameMax)
	if err != 0 {
		return nil, nil, err
	}
	args := make([]ustr.Ustr, 0, len(argvUva))
	for _, uva := range argvUva {
		a, err := as.Userstr(uva, kconfig.ArgnameMax)
		if err != 0 {
			return nil, nil, err
		}
		args = append(args, a)
	}
	return name, args, 0
}

// ReplaceVm tears down the current task's address space and installs
// newas in its place, the irrevocable point after which an exec
// failure is fatal to the task (spec.md: "On any failure after
// teardown, exec is fatal").
func ReplaceVm(t *Task_t, newas *vm.Vm_t) {
	old := t.Vm
	t.Vm = newas
	if old != nil {
		old.Uvmfree()
	}
}
