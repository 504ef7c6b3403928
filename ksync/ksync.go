// Package ksync implements the blocking mutex and condition variable
// threads and the scheduler build on top of each other (spec.md
// §4.5). Grounded on original_source/kern/sync/mutex.c and
// cond_var.c: a mutex hands ownership directly to the first waiter it
// wakes rather than reopening the lock for anyone to grab, and
// cond_wait/cond_signal/cond_broadcast move threads between a
// condition variable's private wait list and sched's runqueue under a
// small meta-lock, never under the caller's own mutex.
package ksync

import (
	"sync"

	"github.com/pyadapad/mtask/caller"
	"github.com/pyadapad/mtask/sched"
)

// Mutex_t is a sleeping mutex: an uncontended lock/unlock never
// touches the scheduler, but a contended Lock parks the caller on a
// FIFO wait list and Unlock hands the lock straight to the thread at
// its head (no "wake and race" window, matching mutex_unlock's
// runq_add_thread_interruptible handoff).
type Mutex_t struct {
	sync.Mutex
	locked  bool
	waiters []*sched.Ctx_t
}

// Lock acquires the mutex, blocking self if another thread holds it.
func (m *Mutex_t) Lock(self *sched.Ctx_t) {
	m.Mutex.Lock()
	if !m.locked {
		m.locked = true
		m.Mutex.Unlock()
		return
	}
	m.waiters = append(m.waiters, self)
	m.Mutex.Unlock()
	sched.Sleep(self)
}

// Unlock releases the mutex. If a thread is waiting, ownership passes
// directly to it (the lock stays held); otherwise the mutex becomes
// free.
func (m *Mutex_t) Unlock() {
	m.Mutex.Lock()
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.Mutex.Unlock()
		sched.Runq_add(w)
		return
	}
	if !m.locked {
		caller.Assertviol("unlock of unlocked mutex")
	}
	m.locked = false
	m.Mutex.Unlock()
}

// Lockassert panics if the mutex is not currently held by anyone,
// mirroring the teacher's Lockassert_pmap-style discipline checks.
func (m *Mutex_t) Lockassert() {
	m.Mutex.Lock()
	defer m.Mutex.Unlock()
	if !m.locked {
		caller.Assertviol("mutex not held")
	}
}

// CondVar_t is a condition variable layered on the scheduler: Wait
// releases mu, parks the caller, and reacquires mu before returning
// (spec.md's "spurious-wake-safe"  — every Wait caller must still
// recheck its predicate in a loop, since a signal only guarantees at
// least one wait call observes it, not that the predicate still
// holds by the time the waiter actually runs).
type CondVar_t struct {
	sync.Mutex
	waiters []*sched.Ctx_t
}

// Wait atomically releases mu and blocks self, then reacquires mu
// before returning. The caller must hold mu.
func (cv *CondVar_t) Wait(self *sched.Ctx_t, mu *Mutex_t) {
	cv.Mutex.Lock()
	cv.waiters = append(cv.waiters, self)
	cv.Mutex.Unlock()

	mu.Unlock()
	sched.Sleep(self)
	mu.Lock(self)
}

// Signal wakes at most one waiting thread, if any.
func (cv *CondVar_t) Signal() {
	cv.Mutex.Lock()
	if len(cv.waiters) == 0 {
		cv.Mutex.Unlock()
		return
	}
	w := cv.waiters[0]
	cv.waiters = cv.waiters[1:]
	cv.Mutex.Unlock()
	sched.Runq_add(w)
}

// Broadcast wakes every thread currently waiting. Threads that call
// Wait after Broadcast has already run are not woken by this call.
func (cv *CondVar_t) Broadcast() {
	cv.Mutex.Lock()
	ws := cv.waiters
	cv.waiters = nil
	cv.Mutex.Unlock()
	for _, w := range ws {
		sched.Runq_add(w)
	}
}
