// Package defs holds the identifiers and error codes shared by every
// other kernel package. It exists so that low-level packages (mem, vm)
// and high-level packages (proc, sched) can agree on these types
// without importing each other.
package defs

import "golang.org/x/sys/unix"

// Err_t is the signed error code returned across the syscall boundary.
// Zero or positive means success; negative is a failure kind.
type Err_t int

// Error kinds, per spec.md §7.
const (
	EINVAL Err_t = 1 // Invalid: bad user pointer, unknown tid, negative length, misaligned/overlapping new_pages
	E2BIG  Err_t = 2 // TooBig: argv count exceeds NUM_ARGS_MAX
	ENOMEM Err_t = 3 // NoMem: frame pool or kernel heap exhausted
	EFAIL  Err_t = 4 // Failure: target suspended for yield; no children for wait; exec program absent/not ELF
)

// posixName gives each Err_t the name of its closest POSIX errno
// analog, used only for diagnostic prints (panic/assert messages); the
// kernel's own wire values above are unrelated to unix's numbering.
var posixName = map[Err_t]unix.Errno{
	EINVAL: unix.EINVAL,
	E2BIG:  unix.E2BIG,
	ENOMEM: unix.ENOMEM,
	EFAIL:  unix.EAGAIN,
}

// String renders e as its kernel name plus the POSIX errno it most
// resembles, e.g. "NoMem (ENOMEM)". e may be the negated syscall
// return value or the bare kind constant; both render the same.
func (e Err_t) String() string {
	k := e
	if k < 0 {
		k = -k
	}
	names := map[Err_t]string{EINVAL: "Invalid", E2BIG: "TooBig", ENOMEM: "NoMem", EFAIL: "Failure"}
	n, ok := names[k]
	if !ok {
		return "Ok"
	}
	if posix, ok := posixName[k]; ok {
		return n + " (" + posix.Error() + ")"
	}
	return n
}

// Tid_t is a thread id, unique and monotonically allocated.
type Tid_t int

// Pid_t is a task id; it equals the tid of the task's first thread.
type Pid_t int

// NoTid is used where a thread id field is unset.
const NoTid Tid_t = -1

// NoPid is used where a task id field is unset.
const NoPid Pid_t = -1
