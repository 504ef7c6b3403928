package syscall

import (
	"testing"

	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/intr"
	"github.com/pyadapad/mtask/mem"
	"github.com/pyadapad/mtask/proc"
	"github.com/pyadapad/mtask/sched"
)

func firstThread(t *proc.Task_t) *proc.Thread_t {
	for _, thr := range t.Threads {
		return thr
	}
	return nil
}

// bootTask brings up a fresh init task plus one child task, makes the
// child's thread current, and returns both.
func bootTask(t *testing.T, nframes int) (*proc.Task_t, *proc.Task_t) {
	t.Helper()
	mem.Phys_init(nframes)
	init := proc.Boot()
	child, err := proc.Create_task(init)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}
	sched.SetCurrent(&firstThread(child).Ctx_t)
	return init, child
}

func TestGettid(t *testing.T) {
	_, child := bootTask(t, 32)
	if Gettid() != firstThread(child).Tid {
		t.Fatalf("Gettid() = %d, want %d", Gettid(), firstThread(child).Tid)
	}
}

func TestSleepRejectsNegativeTicks(t *testing.T) {
	bootTask(t, 32)
	if err := Sleep(-1); err != -defs.EINVAL {
		t.Fatalf("Sleep(-1) = %d, want -EINVAL", err)
	}
}

func TestGetTicksTracksIntr(t *testing.T) {
	bootTask(t, 32)
	intr.TimerHandler()
	if Get_ticks() != int(intr.Ticks()) {
		t.Fatalf("Get_ticks() = %d, want %d", Get_ticks(), intr.Ticks())
	}
}

func TestYieldRoundRobinNoOtherRunnable(t *testing.T) {
	bootTask(t, 32)
	if err := Yield(-1); err != 0 {
		t.Fatalf("Yield(-1) = %d, want 0", err)
	}
}

func TestYieldUnknownTidFails(t *testing.T) {
	bootTask(t, 32)
	if err := Yield(99999); err != -defs.EINVAL {
		t.Fatalf("Yield(unknown) = %d, want -EINVAL", err)
	}
}

func TestDescheduleImmediateRejectOnNonzeroFlag(t *testing.T) {
	_, child := bootTask(t, 32)
	const va = 0x01000000
	if err := child.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if resolved, err := child.Vm.Pgfault(va, 0); !resolved || err != 0 {
		t.Fatalf("demand fault: resolved=%v err=%d", resolved, err)
	}
	if err := child.Vm.Userwriten(va, 4, 1); err != 0 {
		t.Fatalf("Userwriten: %d", err)
	}

	self := firstThread(child)
	if err := Deschedule(child.Vm, va); err != 0 {
		t.Fatalf("Deschedule: %d", err)
	}
	if self.Status == sched.Waiting {
		t.Fatalf("Deschedule parked the caller despite a nonzero reject flag")
	}
}

func TestDescheduleThenMakeRunnable(t *testing.T) {
	_, child := bootTask(t, 32)
	const va = 0x01000000
	if err := child.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if resolved, err := child.Vm.Pgfault(va, 0); !resolved || err != 0 {
		t.Fatalf("demand fault: resolved=%v err=%d", resolved, err)
	}
	if err := child.Vm.Userwriten(va, 4, 0); err != 0 {
		t.Fatalf("Userwriten: %d", err)
	}

	self := firstThread(child)
	if err := Deschedule(child.Vm, va); err != 0 {
		t.Fatalf("Deschedule: %d", err)
	}
	if self.Status != sched.Waiting {
		t.Fatalf("status after Deschedule = %v, want Waiting", self.Status)
	}
	if err := Make_runnable(self.Tid); err != 0 {
		t.Fatalf("Make_runnable: %d", err)
	}
	if self.Status != sched.Runnable {
		t.Fatalf("status after Make_runnable = %v, want Runnable", self.Status)
	}
	if err := Make_runnable(self.Tid); err == 0 {
		t.Fatalf("Make_runnable succeeded twice for the same park")
	}
}

func TestForkAndWait(t *testing.T) {
	init, _ := bootTask(t, 32)
	sched.SetCurrent(&firstThread(init).Ctx_t)

	pid, err := Fork()
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	childTask := init.AliveChildren[pid]
	Set_status(7) // sets the *caller's* (init's) status, not the child's
	proc.Set_status(childTask, 7)
	proc.Vanish_task(childTask, 7)

	got, err := Wait(init.Vm, 0)
	if err != 0 {
		t.Fatalf("Wait: %d", err)
	}
	if got != pid {
		t.Fatalf("Wait returned pid %d, want %d", got, pid)
	}
}

func TestNewPagesAndRemovePages(t *testing.T) {
	_, child := bootTask(t, 32)
	const base = 0x03000000
	if err := New_pages(child.Vm, base, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if err := Remove_pages(child.Vm, base); err != 0 {
		t.Fatalf("Remove_pages: %d", err)
	}
}

func TestPrintRejectsNegativeLength(t *testing.T) {
	_, child := bootTask(t, 32)
	if err := Print(child.Vm, -1, 0); err != -defs.EINVAL {
		t.Fatalf("Print(-1) = %d, want -EINVAL", err)
	}
}

func TestReadlineReturnsQueuedLine(t *testing.T) {
	_, child := bootTask(t, 32)
	const va = 0x04000000
	if err := child.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if resolved, err := child.Vm.Pgfault(va, 0); !resolved || err != 0 {
		t.Fatalf("demand fault: resolved=%v err=%d", resolved, err)
	}

	for _, b := range []uint8{'h', 'i', '\n'} {
		intr.KeyboardHandler(b)
	}

	n, err := Readline(child.Vm, 8, va)
	if err != 0 {
		t.Fatalf("Readline: %d", err)
	}
	if n != 3 {
		t.Fatalf("Readline returned %d bytes, want 3", n)
	}
	got := make([]uint8, 3)
	if err := child.Vm.User2k(got, va); err != 0 {
		t.Fatalf("User2k: %d", err)
	}
	if string(got) != "hi\n" {
		t.Fatalf("Readline buffer = %q, want %q", got, "hi\n")
	}
}

func TestSwexnRegistersAndClearsHandler(t *testing.T) {
	_, child := bootTask(t, 32)
	self := firstThread(child)

	if err := Swexn(0, 0x8048000, 0); err != 0 {
		t.Fatalf("Swexn install: %d", err)
	}
	if self.Fault_handler != 0x8048000 {
		t.Fatalf("Fault_handler = %#x, want 0x8048000", self.Fault_handler)
	}
	if err := Swexn(0, 0, 0); err != 0 {
		t.Fatalf("Swexn clear: %d", err)
	}
	if self.Fault_handler != -1 {
		t.Fatalf("Fault_handler after clear = %d, want -1", self.Fault_handler)
	}
}
