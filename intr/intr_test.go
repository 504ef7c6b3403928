package intr

import (
	"testing"

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

func TestTimerHandlerAdvancesTicks(t *testing.T) {
	before := Ticks()
	TimerHandler()
	if Ticks() != before+1 {
		t.Fatalf("Ticks() = %d, want %d", Ticks(), before+1)
	}
}

func TestKeyboardHandlerQueuesAndReadScancodePops(t *testing.T) {
	for scancodes.Used() > 0 {
		scancodes.Pop()
	}
	KeyboardHandler(0x1e) // 'a' make code
	b, ok := ReadScancode()
	if !ok || b != 0x1e {
		t.Fatalf("ReadScancode() = (%#x, %v), want (0x1e, true)", b, ok)
	}
	if _, ok := ReadScancode(); ok {
		t.Fatalf("queue not empty after draining the single pushed code")
	}
}

func TestWaitForInputReturnsAlreadyQueuedByte(t *testing.T) {
	for scancodes.Used() > 0 {
		scancodes.Pop()
	}
	KeyboardHandler(0x1c) // enter make code
	self := &sched.Ctx_t{Tid: 1}
	b := WaitForInput(self)
	if b != 0x1c {
		t.Fatalf("WaitForInput() = %#x, want 0x1c", b)
	}
}

func TestPgfaultResolvesDemandZeroWithoutVanishing(t *testing.T) {
	mem.Phys_init(64)
	init := proc.Boot()
	child, err := proc.Create_task(init)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}
	sched.SetCurrent(&firstThread(child).Ctx_t)

	const va = 0x01000000
	if err := child.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}

	Pgfault(child, va, 0)

	if len(child.Threads) != 1 {
		t.Fatalf("child task vanished on a resolvable fault")
	}
	if !child.Vm.Is_pointer_valid(va, 1) {
		t.Fatalf("page not mapped after demand-zero fault resolution")
	}
}

func TestPgfaultSegfaultsAndVanishesWithNoHandler(t *testing.T) {
	mem.Phys_init(64)
	init := proc.Boot()
	child, err := proc.Create_task(init)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}
	sched.SetCurrent(&firstThread(child).Ctx_t)
	firstThread(child).Fault_handler = -1

	const va = 0x09000000 // no region covers this address
	Pgfault(child, va, 0)

	if _, alive := init.AliveChildren[child.Pid]; alive {
		t.Fatalf("child still alive after unresolved fault with no handler")
	}
	found := false
	for _, d := range init.DeadChildren {
		if d.Pid == child.Pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("child not recorded dead after segfault")
	}
}

func TestPgfaultVanishesOnFrameExhaustion(t *testing.T) {
	mem.Phys_init(2) // exactly enough for init's and child's page directories
	init := proc.Boot()
	child, err := proc.Create_task(init)
	if err != 0 {
		t.Fatalf("Create_task: %d", err)
	}
	sched.SetCurrent(&firstThread(child).Ctx_t)

	const va = 0x02000000
	if err := child.Vm.New_pages(va, 1); err != 0 {
		t.Fatalf("New_pages: %d", err)
	}
	if mem.Physmem.Nfree() != 0 {
		t.Fatalf("test setup assumption broken: Nfree() = %d, want 0", mem.Physmem.Nfree())
	}

	Pgfault(child, va, 0)

	if _, alive := init.AliveChildren[child.Pid]; alive {
		t.Fatalf("child still alive after a fault it could not resolve for lack of frames")
	}
}
