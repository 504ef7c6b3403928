// Package caller provides call-stack diagnostics used when a kernel
// invariant is violated. Grounded verbatim on the teacher's
// caller.Distinct_caller_t: the same panic triggered from the same
// call chain is reported only once, so a storm of identical
// assertion failures does not flood the console before halt.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Dump prints the call stack starting at the given frame depth.
func Dump(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}

// Distinct_caller_t tracks whether a call chain has been seen before.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
}

func (dc *Distinct_caller_t) pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Distinct reports whether the current call chain is new, returning a
// formatted stack trace the first time each chain is seen.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no callers")
		}
	}
	h := dc.pchash(pcs)
	if dc.did[h] {
		return false, ""
	}
	dc.did[h] = true
	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}

// assertDC remembers which call chains Assertviol has already dumped,
// so each distinct chain's stack is printed once.
var assertDC = &Distinct_caller_t{Enabled: true}

// Assertviol panics with msg after dumping the offending call chain
// (once per distinct chain). Used for invariant violations that spec.md
// §7 says must halt the machine (broken free list, broken refcount).
func Assertviol(msg string) {
	if novel, trace := assertDC.Distinct(); novel {
		fmt.Printf("kernel assertion violated: %s\n%s", msg, trace)
	}
	panic(msg)
}
