// Package accnt accumulates per-task CPU-time accounting, grounded
// verbatim on the teacher's accnt.Accnt_t: user/system nanosecond
// counters updated atomically during scheduling, and a
// getrusage-shaped byte encoding handed to a task's parent on vanish
// (spec.md's "exit_status" plumbing, supplemented with timing
// information the distilled spec does not mention but the original
// source and teacher both track).
package accnt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyadapad/mtask/util"
)

// Accnt_t tracks user and system time in nanoseconds for one task.
// The embedded mutex lets callers take a consistent snapshot across
// both fields when exporting usage data.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds.
func (a *Accnt_t) Now() int64 {
	return Now()
}

// Now returns the current time in nanoseconds, for callers (the
// scheduler's context-switch hook) that need a timestamp without an
// Accnt_t instance of their own.
func Now() int64 {
	return time.Now().UnixNano()
}

// Finish adds the elapsed time since inttime to system time, called
// by proc.Set_status to account for the quantum since the last
// accounting point.
func (a *Accnt_t) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another task's accounting into this one (used when a task
// vanishes, so its parent's aggregate reflects its children's usage).
func (a *Accnt_t) Add(n *Accnt_t) {
	a.Lock()
	a.Userns += n.Userns
	a.Sysns += n.Sysns
	a.Unlock()
}

// Fetch returns a consistent rusage-shaped snapshot.
func (a *Accnt_t) Fetch() []uint8 {
	a.Lock()
	ru := a.toRusage()
	a.Unlock()
	return ru
}

// toRusage encodes user and system time as two (sec, usec) timeval
// pairs, matching the teacher's To_rusage wire layout.
func (a *Accnt_t) toRusage() []uint8 {
	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		return int(nano / 1e9), int((nano % 1e9) / 1000)
	}
	off := 0
	s, us := totv(a.Userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(a.Sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
