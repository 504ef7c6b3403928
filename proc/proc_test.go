package proc

import (
	"testing"

	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/mem"
)

// resetProc clears every package-level identity counter so each test
// gets its own tid space and init task, mirroring a fresh boot.
func resetProc() {
	tidMu.Lock()
	nextTid = 1
	tidMu.Unlock()
	initTask = nil
}

func bootFresh(t *testing.T, nframes int) *Task_t {
	t.Helper()
	mem.Phys_init(nframes)
	resetProc()
	return Boot()
}

func TestBootCreatesInitTask(t *testing.T) {
	init := bootFresh(t, 64)
	if init.Parent != nil {
		t.Fatalf("init task has a parent")
	}
	if len(init.Threads) != 1 {
		t.Fatalf("init task has %d threads, want 1", len(init.Threads))
	}
	if CurTask() != init {
		t.Fatalf("CurTask() after Boot is not the init task")
	}
}

func TestForkCreatesChildAndCOWIsolates(t *testing.T) {
	init := bootFresh(t, 64)

	const va = 0x01000000
	if err := init.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if resolved, err := init.Vm.Pgfault(va, 0); !resolved || err != 0 {
		t.Fatalf("demand-zero fault on parent: resolved=%v err=%d", resolved, err)
	}
	if err := init.Vm.Userwriten(va, 1, 0xAA); err != 0 {
		t.Fatalf("Userwriten parent: %d", err)
	}

	childPid, err := Fork()
	if err != 0 {
		t.Fatalf("Fork failed: %d", err)
	}
	if len(init.AliveChildren) != 1 {
		t.Fatalf("parent has %d alive children, want 1", len(init.AliveChildren))
	}
	child, ok := init.AliveChildren[childPid]
	if !ok {
		t.Fatalf("child pid %d not found in parent's alive children", childPid)
	}
	if child.Parent != init {
		t.Fatalf("child's parent not set to forking task")
	}

	cv, err := child.Vm.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("Userreadn child: %d", err)
	}
	if cv != 0xAA {
		t.Fatalf("child did not inherit parent's byte: got %#x", cv)
	}

	// Child writes independently; triggers the COW copy path since the
	// frame is now shared two ways.
	if resolved, ferr := child.Vm.Pgfault(va, 1<<1); !resolved || ferr != 0 {
		t.Fatalf("child COW fault: resolved=%v err=%d", resolved, ferr)
	}
	if err := child.Vm.Userwriten(va, 1, 0x55); err != 0 {
		t.Fatalf("Userwriten child: %d", err)
	}

	pv, err := init.Vm.Userreadn(va, 1)
	if err != 0 {
		t.Fatalf("Userreadn parent: %d", err)
	}
	if pv != 0xAA {
		t.Fatalf("parent byte disturbed by child's write: got %#x, want 0xAA", pv)
	}
}

func TestWaitReapsDeadChild(t *testing.T) {
	init := bootFresh(t, 64)

	childPid, err := Fork()
	if err != 0 {
		t.Fatalf("Fork failed: %d", err)
	}
	child := init.AliveChildren[childPid]
	Set_status(child, 7)
	Vanish_task(child, 7)

	if len(init.AliveChildren) != 0 {
		t.Fatalf("child still alive after Vanish_task")
	}
	if len(init.DeadChildren) != 1 {
		t.Fatalf("child not recorded as dead")
	}

	var status int
	pid, werr := Wait(&status)
	if werr != 0 {
		t.Fatalf("Wait failed: %d", werr)
	}
	if pid != childPid {
		t.Fatalf("Wait returned pid %d, want %d", pid, childPid)
	}
	if status != 7 {
		t.Fatalf("Wait returned status %d, want 7", status)
	}
	if len(init.DeadChildren) != 0 {
		t.Fatalf("DeadChildren not drained by Wait")
	}
}

func TestWaitWithNoChildrenFails(t *testing.T) {
	bootFresh(t, 64)
	var status int
	if _, err := Wait(&status); err != -defs.EFAIL {
		t.Fatalf("Wait with no children = %d, want -EFAIL", err)
	}
}

func TestOrphanReparentedToInit(t *testing.T) {
	init := bootFresh(t, 64)

	parentTask, err := Create_task(init)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}
	grandchild, err := Create_task(parentTask)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}

	// parentTask vanishes while grandchild is still alive: grandchild
	// must be re-parented to init rather than orphaned outright.
	Vanish_task(parentTask, 0)

	if grandchild.Parent != init {
		t.Fatalf("grandchild's parent after reparenting = %v, want init", grandchild.Parent)
	}
	if _, ok := init.AliveChildren[grandchild.Pid]; !ok {
		t.Fatalf("grandchild not linked under init's alive children")
	}
}

func TestVanishRecordsDeadChildSynchronously(t *testing.T) {
	init := bootFresh(t, 64)
	childPid, err := Fork()
	if err != 0 {
		t.Fatalf("Fork: %d", err)
	}
	child := init.AliveChildren[childPid]

	Vanish_task(child, 3)

	var status int
	pid, werr := Wait(&status)
	if werr != 0 || pid != childPid || status != 3 {
		t.Fatalf("Wait after Vanish_task: pid=%d err=%d status=%d", pid, werr, status)
	}
}

func TestExecValidatesArgCount(t *testing.T) {
	init := bootFresh(t, 64)
	argv := make([]int, 17) // kconfig.NumArgsMax is 16
	if _, _, err := Exec(init.Vm, 0, argv); err != -defs.E2BIG {
		t.Fatalf("Exec with too many args = %d, want -E2BIG", err)
	}
}
