package ksync

import (
	"testing"

	"github.com/pyadapad/mtask/sched"
)

func TestMutexUncontended(t *testing.T) {
	var mu Mutex_t
	self := &sched.Ctx_t{Tid: 1}
	mu.Lock(self)
	if !mu.locked {
		t.Fatalf("locked = false after uncontended Lock")
	}
	mu.Unlock()
	if mu.locked {
		t.Fatalf("locked = true after Unlock with no waiters")
	}
	mu.Lock(self)
	mu.Lockassert() // must not panic: re-lock and check
	mu.Unlock()
}

func TestMutexLockassertPanicsWhenFree(t *testing.T) {
	var mu Mutex_t
	defer func() {
		if recover() == nil {
			t.Fatalf("Lockassert on a free mutex did not panic")
		}
	}()
	mu.Lockassert()
}

func TestMutexDoubleUnlockPanics(t *testing.T) {
	var mu Mutex_t
	self := &sched.Ctx_t{Tid: 1}
	mu.Lock(self)
	mu.Unlock()
	defer func() {
		if recover() == nil {
			t.Fatalf("double Unlock did not panic")
		}
	}()
	mu.Unlock()
}

func TestMutexHandoffQueuesWaiter(t *testing.T) {
	var mu Mutex_t
	owner := &sched.Ctx_t{Tid: 1}
	waiter := &sched.Ctx_t{Tid: 2}

	mu.Lock(owner)
	before := sched.Runqlen()

	// A contended Lock enqueues the caller and parks it; with nothing
	// else runnable the park is a synchronous no-op in this harness,
	// matching Sleep's documented behavior when next_thread() is nil.
	mu.Lock(waiter)
	if len(mu.waiters) != 1 || mu.waiters[0] != waiter {
		t.Fatalf("waiter not recorded on contended Lock")
	}
	if !mu.locked {
		t.Fatalf("locked flag cleared while owner still holds the mutex")
	}

	// Unlock hands ownership directly to the queued waiter: the lock
	// stays held, and the waiter is requeued rather than woken into a
	// race for the lock.
	mu.Unlock()
	if len(mu.waiters) != 0 {
		t.Fatalf("waiters not drained by Unlock handoff")
	}
	if !mu.locked {
		t.Fatalf("locked = false after handoff, want true (ownership passed)")
	}
	if got := sched.Runqlen(); got != before+1 {
		t.Fatalf("Runqlen after handoff = %d, want %d", got, before+1)
	}
}

func TestCondVarWaitReacquiresMutex(t *testing.T) {
	var mu Mutex_t
	var cv CondVar_t
	self := &sched.Ctx_t{Tid: 1}

	mu.Lock(self)
	cv.Wait(self, &mu)
	// Wait released mu, parked (a no-op park here), then reacquired mu
	// before returning — the caller must observe itself still holding
	// the lock afterward.
	if !mu.locked {
		t.Fatalf("mutex not held after CondVar Wait returned")
	}
	mu.Unlock()
}

func TestCondVarSignalWakesOne(t *testing.T) {
	var cv CondVar_t
	a := &sched.Ctx_t{Tid: 1}
	b := &sched.Ctx_t{Tid: 2}
	cv.waiters = []*sched.Ctx_t{a, b}

	before := sched.Runqlen()
	cv.Signal()
	if len(cv.waiters) != 1 || cv.waiters[0] != b {
		t.Fatalf("Signal did not pop exactly the head waiter")
	}
	if got := sched.Runqlen(); got != before+1 {
		t.Fatalf("Runqlen after Signal = %d, want %d", got, before+1)
	}

	cv.Signal()
	if len(cv.waiters) != 0 {
		t.Fatalf("waiters not empty after second Signal")
	}

	// Signal on an empty wait list must not panic or requeue anything.
	before = sched.Runqlen()
	cv.Signal()
	if got := sched.Runqlen(); got != before {
		t.Fatalf("Signal on empty cv changed Runqlen: %d -> %d", before, got)
	}
}

func TestCondVarBroadcastWakesAll(t *testing.T) {
	var cv CondVar_t
	a := &sched.Ctx_t{Tid: 1}
	b := &sched.Ctx_t{Tid: 2}
	c := &sched.Ctx_t{Tid: 3}
	cv.waiters = []*sched.Ctx_t{a, b, c}

	before := sched.Runqlen()
	cv.Broadcast()
	if len(cv.waiters) != 0 {
		t.Fatalf("Broadcast left waiters behind: %d", len(cv.waiters))
	}
	if got := sched.Runqlen(); got != before+3 {
		t.Fatalf("Runqlen after Broadcast = %d, want %d", got, before+3)
	}
}
