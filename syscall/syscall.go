// Package syscall implements the trap-gate entry points of spec.md
// §6: thread control (gettid, yield, sleep, deschedule, make_runnable,
// get_ticks), task lifecycle (fork, exec, set_status, vanish, wait),
// memory (new_pages, remove_pages), console (print, readline), halt,
// and swexn. Every call that takes a user pointer validates it through
// vm.Vm_t before dereferencing, per spec.md §4.2's Address validation
// rule. Grounded on the teacher's syscall dispatch style (one function
// per call, each returning defs.Err_t or a value plus defs.Err_t, no
// error value ever crossing back to the user as anything but a
// negative int) applied to original_source's do_fork/do_exec/do_wait
// handler shapes.
package syscall

import (
	"fmt"

	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/intr"
	"github.com/pyadapad/mtask/proc"
	"github.com/pyadapad/mtask/sched"
	"github.com/pyadapad/mtask/ustr"
	"github.com/pyadapad/mtask/vm"
)

// Gettid returns the calling thread's tid.
func Gettid() int {
	return sched.Current().Tid
}

// lookupTid resolves tid to its *sched.Ctx_t by asking proc's thread
// index, the byTid hook sched.Yield_to needs without importing proc
// (which itself imports sched).
func lookupTid(tid int) (*sched.Ctx_t, bool) {
	thr, ok := proc.Lookup(tid)
	if !ok {
		return nil, false
	}
	return &thr.Ctx_t, true
}

// Yield yields the CPU. tid == -1 round-robins to the runqueue head;
// an explicit tid must exist (else -EINVAL) and not be WAITING (else
// -EFAIL).
func Yield(tid int) defs.Err_t {
	self := &proc.CurThread().Ctx_t
	if tid != -1 {
		if _, ok := lookupTid(tid); !ok {
			return -defs.EINVAL
		}
	}
	if !sched.Yield_to(self, tid, lookupTid) {
		return -defs.EFAIL
	}
	return 0
}

// Sleep blocks the calling thread for at least ticks timer interrupts.
func Sleep(ticks int) defs.Err_t {
	if ticks < 0 {
		return -defs.EINVAL
	}
	self := &proc.CurThread().Ctx_t
	sched.SleepTicks(self, ticks, intr.Ticks())
	return 0
}

// Deschedule parks the calling thread unless user memory at rejectUva
// already holds a nonzero value at the instant of the check (read and
// compared atomically with the park, closing the deschedule/
// make_runnable race).
func Deschedule(as *vm.Vm_t, rejectUva int) defs.Err_t {
	self := &proc.CurThread().Ctx_t
	sched.Deschedule(self, func() bool {
		v, err := as.Userreadn(rejectUva, 4)
		return err == 0 && v != 0
	})
	return 0
}

// Make_runnable wakes a thread previously descheduled via Deschedule.
// An unknown tid is -EINVAL; a known thread that is not descheduled is
// -EFAIL.
func Make_runnable(tid int) defs.Err_t {
	if _, ok := lookupTid(tid); !ok {
		return -defs.EINVAL
	}
	if !sched.Make_runnable(tid) {
		return -defs.EFAIL
	}
	return 0
}

// Get_ticks returns the number of timer interrupts since boot.
func Get_ticks() int {
	return int(intr.Ticks())
}

// Fork creates a child task, returning the child's pid to the caller
// (the parent observes this return value directly; the child observes
// a separate zero return value once its hand-crafted kernel stack
// first resumes, a detail the trap-entry assembly stub is responsible
// for, not this function).
func Fork() (defs.Pid_t, defs.Err_t) {
	return proc.Fork()
}

// Exec validates the (name, argv) packet, builds a new address space
// with the program's segments mapped via Setup_segments, then tears
// down the caller's address space and installs the new one. prog is a
// callback into the ram-disk program loader (spec.md §6's embedded
// program bundle) that returns the parsed ELF header. The program's
// bytes are not copied into the new address space, and the argv
// strings are validated but not placed on the new user stack.
func Exec(as *vm.Vm_t, nameUva int, argvUva []int, prog func(name ustr.Ustr) (*vm.Elf_t, bool)) defs.Err_t {
	name, _, err := proc.Exec(as, nameUva, argvUva)
	if err != 0 {
		return err
	}
	eh, ok := prog(name)
	if !ok {
		return -defs.EFAIL
	}
	newas, err := vm.New_vm()
	if err != 0 {
		return err
	}
	if err := newas.Setup_segments(eh); err != 0 {
		newas.Uvmfree()
		return err
	}
	// Teardown of the old address space and the point past which a
	// further failure is fatal (spec.md: "On any failure after
	// teardown, exec is fatal").
	proc.ReplaceVm(proc.CurTask(), newas)
	return 0
}

// Set_status records the calling task's exit status.
func Set_status(n int) {
	proc.Set_status(proc.CurTask(), n)
}

// Vanish tears down the calling thread/task per spec.md §4.6. It
// never returns.
func Vanish() {
	proc.Vanish(proc.CurTask().ExitStatus)
	for {
		sched.Yield(false)
	}
}

// Wait reaps a dead child, writing its exit status to user memory at
// statusUva if non-null.
func Wait(as *vm.Vm_t, statusUva int) (defs.Pid_t, defs.Err_t) {
	var status int
	pid, err := proc.Wait(&status)
	if err != 0 {
		return 0, err
	}
	if statusUva != 0 {
		if werr := as.Userwriten(statusUva, 4, status); werr != 0 {
			return 0, werr
		}
	}
	return pid, 0
}

// New_pages maps npg pages at base in the calling task's address
// space.
func New_pages(as *vm.Vm_t, base, npg int) defs.Err_t {
	return as.New_pages(base, npg)
}

// Remove_pages unmaps the region previously established by New_pages
// at base.
func Remove_pages(as *vm.Vm_t, base int) defs.Err_t {
	return as.Remove_pages(base)
}

// Print copies len bytes from the user buffer at bufUva and writes
// them to the console.
func Print(as *vm.Vm_t, length, bufUva int) defs.Err_t {
	if length < 0 {
		return -defs.EINVAL
	}
	buf := make([]uint8, length)
	if err := as.User2k(buf, bufUva); err != 0 {
		return err
	}
	fmt.Print(string(buf))
	return 0
}

// Readline blocks until a full line (or length bytes, whichever comes
// first) of keyboard input is available, then copies it into the user
// buffer at bufUva, returning the number of bytes read.
func Readline(as *vm.Vm_t, length, bufUva int) (int, defs.Err_t) {
	if length < 0 {
		return 0, -defs.EINVAL
	}
	self := &proc.CurThread().Ctx_t
	buf := make([]uint8, 0, length)
	for len(buf) < length {
		b := intr.WaitForInput(self)
		buf = append(buf, b)
		if b == '\n' {
			break
		}
	}
	if err := as.K2user(buf, bufUva); err != 0 {
		return 0, err
	}
	return len(buf), 0
}

// Halt stops the machine. It never returns.
func Halt() {
	for {
	}
}

// Swexn installs a one-shot user-mode exception handler for the
// calling thread (spec.md §4.7's registered fault handler). esp3 is
// the top of the stack the handler runs on and arg is the opaque
// value intr.DeliverFault passes through to it; both are stored
// alongside the handler's entry point for DeliverFault to consume when
// the fault fires.
func Swexn(esp3, eip, arg int) defs.Err_t {
	thr := proc.CurThread()
	if eip == 0 {
		thr.Fault_handler = -1
		return 0
	}
	thr.Fault_handler = eip
	thr.UserFaultStack = esp3
	thr.UserFaultArg = arg
	return 0
}
