// Package intr wires interrupt and trap handlers (spec.md §4.7): a
// timer tick that drives preemption, a keyboard handler that queues
// scan codes and signals a readline condition variable, and a
// page-fault handler that tries COW resolution, then a registered
// user handler, then falls back to killing the task. Grounded on
// original_source/kern/interrupts/interrupt_handlers.c,
// drivers/timer/timer.c, and drivers/keyboard/keyboard.c, translated
// from the original's PIC/IDT C plumbing (acknowledge_interrupt,
// add_idt_entry) into Go-callable handlers a trap-entry assembly stub
// invokes, the same division of labor the teacher draws between its
// trapstub assembly and its Go trap/fault handlers.
package intr

import (
	"fmt"
	"sync/atomic"

	"github.com/pyadapad/mtask/circbuf"
	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/ksync"
	"github.com/pyadapad/mtask/kstats"
	"github.com/pyadapad/mtask/proc"
	"github.com/pyadapad/mtask/sched"
)

// tickCount counts timer interrupts since boot.
var tickCount int64

// TimerHandler runs on every timer interrupt: increment the tick
// count, account the outgoing thread's time slice, and preempt.
// Acknowledging the PIC is the assembly trap epilogue's job, not this
// handler's (mirrors timer.c's callback_handler calling
// acknowledge_interrupt itself, but here that step is a single extern
// the trap stub issues after this Go handler returns so preempt's
// context switch can run first).
func TimerHandler() {
	n := atomic.AddInt64(&tickCount, 1)
	kstats.Kern.TimerTicks.Inc()
	sched.WakeSleepers(n)
	sched.Preempt()
}

// Ticks returns the number of timer interrupts observed since boot.
func Ticks() int64 { return atomic.LoadInt64(&tickCount) }

// scancodes is the keyboard's scan code queue. spec.md §4.7 calls it
// "unbounded (bounded in implementation)"; circbuf.Push enforces that
// bound by dropping on overflow.
var scancodes = circbuf.Cb_init(256)

// readlineMu and readlineCv implement the console's readline
// condition variable (spec.md §4.7): a reader blocked waiting for
// keyboard input waits on readlineCv under readlineMu; the keyboard
// handler signals it on every scan code.
var (
	readlineMu ksync.Mutex_t
	readlineCv ksync.CondVar_t
)

// KeyboardHandler runs on every keyboard interrupt: read the scan
// code (an external port-read primitive supplies the byte, since this
// package has no hardware I/O of its own), queue it, and signal
// readline.
func KeyboardHandler(code uint8) {
	scancodes.Push(code)
	readlineCv.Signal()
}

// ReadScancode pops the oldest queued scan code, or false if the
// queue is empty.
func ReadScancode() (uint8, bool) {
	return scancodes.Pop()
}

// WaitForInput blocks self until at least one scan code is queued,
// then pops and returns it.
func WaitForInput(self *sched.Ctx_t) uint8 {
	readlineMu.Lock(self)
	for scancodes.Empty() {
		readlineCv.Wait(self, &readlineMu)
	}
	b, _ := scancodes.Pop()
	readlineMu.Unlock()
	return b
}

// Pgfault resolves a page fault at virtual address va in task t with
// hardware error code ecode (spec.md §4.7 Page-fault policy): COW
// first, then the task's registered one-shot user handler, then
// segfault-and-vanish.
func Pgfault(t *proc.Task_t, va int, ecode uint) {
	resolved, err := t.Vm.Pgfault(va, ecode)
	if resolved {
		if err != 0 {
			// frame pool exhausted mid-COW: fatal for the faulting task.
			proc.Vanish_task(t, -int(defs.ENOMEM))
		}
		return
	}

	thr := proc.CurThread()
	if thr.Fault_handler >= 0 {
		handler := thr.Fault_handler
		esp3 := thr.UserFaultStack
		arg := thr.UserFaultArg
		thr.Fault_handler = -1
		thr.UserFaultStack = 0
		thr.UserFaultArg = 0
		DeliverFault(handler, esp3, arg, va, ecode)
		return
	}

	fmt.Println("Segmentation fault")
	proc.Vanish_task(t, -2)
}

// DeliverFault builds a ureg snapshot on the user-provided exception
// stack esp3, pushes arg so the handler can recover the value it
// registered with swexn, and redirects execution to handlerEip.
// Assembling the actual ureg frame and splicing the return address is
// a machine-level detail left to an assembly stub; this function
// exists so Pgfault has a single named call site for it.
func DeliverFault(handlerEip, esp3, arg, va int, ecode uint)
