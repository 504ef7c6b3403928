package mem

import "testing"

func freshPool(t *testing.T, n int) *Physmem_t {
	t.Helper()
	return Phys_init(n)
}

func TestAllocateDeallocateRoundtrip(t *testing.T) {
	phys := freshPool(t, 8)
	if phys.Nfree() != 8 {
		t.Fatalf("Nfree = %d, want 8", phys.Nfree())
	}
	p, err := phys.Allocate_frame()
	if err != 0 {
		t.Fatalf("Allocate_frame failed: %d", err)
	}
	if phys.Nfree() != 7 {
		t.Fatalf("Nfree after alloc = %d, want 7", phys.Nfree())
	}
	phys.Refup(p)
	if got := phys.Refcnt(p); got != 1 {
		t.Fatalf("Refcnt = %d, want 1", got)
	}
	if done := phys.Refdown(p); !done {
		t.Fatalf("Refdown did not report frame freed")
	}
	if phys.Nfree() != 8 {
		t.Fatalf("Nfree after refdown = %d, want 8", phys.Nfree())
	}
}

func TestAllocateFrameIsZeroed(t *testing.T) {
	phys := freshPool(t, 4)
	p, _ := phys.Allocate_frame()
	phys.Refup(p)
	fr := phys.Frame(p)
	for i := range fr {
		fr[i] = 0xff
	}
	phys.Refdown(p)

	p2, _ := phys.Allocate_frame()
	fr2 := phys.Frame(p2)
	for i, b := range fr2 {
		if b != 0 {
			t.Fatalf("frame byte %d = %#x, want 0 after zeroing alloc", i, b)
		}
	}
}

func TestAllocateExhaustion(t *testing.T) {
	phys := freshPool(t, 2)
	var got []Pa_t
	for i := 0; i < 2; i++ {
		p, err := phys.Allocate_frame()
		if err != 0 {
			t.Fatalf("unexpected failure on frame %d", i)
		}
		got = append(got, p)
	}
	if _, err := phys.Allocate_frame(); err != -3 {
		t.Fatalf("expected -ENOMEM (-3), got %d", err)
	}
	// frames allocated but never Refup'd have refcount 0 and are not
	// owned by anything; Deallocate_frame returns them.
	for _, p := range got {
		phys.Deallocate_frame(p)
	}
	if phys.Nfree() != 2 {
		t.Fatalf("Nfree after returning all frames = %d, want 2", phys.Nfree())
	}
}

func TestFrameConservation(t *testing.T) {
	phys := freshPool(t, 16)
	total := phys.Ntotal()
	var held []Pa_t
	for i := 0; i < 5; i++ {
		p, err := phys.Allocate_frame()
		if err != 0 {
			t.Fatalf("alloc %d failed", i)
		}
		phys.Refup(p)
		held = append(held, p)
	}
	if phys.Nfree()+phys.RefcntSum() != total {
		t.Fatalf("frame conservation violated: free=%d refsum=%d total=%d",
			phys.Nfree(), phys.RefcntSum(), total)
	}
	for _, p := range held {
		phys.Refup(p) // simulate a second mapping (COW share)
	}
	if phys.Nfree()+phys.RefcntSum() != total {
		t.Fatalf("frame conservation violated after refup: free=%d refsum=%d total=%d",
			phys.Nfree(), phys.RefcntSum(), total)
	}
	for _, p := range held {
		phys.Refdown(p)
		phys.Refdown(p)
	}
	if phys.Nfree() != total {
		t.Fatalf("Nfree = %d, want %d after full release", phys.Nfree(), total)
	}
}
