// Package mem owns the pool of user physical frames (spec.md §4.1)
// and the page-directory/page-table flag constants (spec.md §3).
// Grounded on the teacher's mem.Physmem_t/Phys_init, generalized from
// the teacher's per-CPU free-list sharding (this kernel is
// single-CPU, so that sharding has no purpose; see DESIGN.md) down to
// the spec's plain single free list.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/pyadapad/mtask/caller"
	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/kconfig"
	"github.com/pyadapad/mtask/kstats"
)

// Pa_t is a physical address.
type Pa_t uintptr

const (
	PGSHIFT uint  = 12
	PGSIZE  int   = 1 << PGSHIFT
	PGOFFSET Pa_t = 0xfff
	PGMASK   Pa_t = ^PGOFFSET
)

// Page-table entry flag bits, per spec.md §3.
const (
	PTE_P   Pa_t = 1 << 0 // present
	PTE_W   Pa_t = 1 << 1 // writable
	PTE_U   Pa_t = 1 << 2 // user accessible
	PTE_COW Pa_t = 1 << 9 // software-defined: copy-on-write
	PTE_ADDR Pa_t = PGMASK
)

// Ptable_t is a page-aligned array of 1024 32-bit-style entries; a
// page directory's entry either is absent or points at one of these,
// and the table's own entries map final user frames (spec.md §3).
type Ptable_t [1024]Pa_t

// Pmap_t is a page directory: 1024 slots, each nil (absent) or
// pointing at a Ptable_t. The low KernDirSlots slots are always the
// shared kernel direct map installed by NewPmap; everything at or
// above that index is this address space's own user-range page
// tables, created lazily and torn down per task.
type Pmap_t struct {
	Dir [1024]*Ptable_t
}

// PDX and PTX split a virtual address into its page-directory and
// page-table indices, the 10/10/12 split spec.md §3 describes for a
// page directory of 1024 entries each pointing at a page table of
// 1024 entries.
func PDX(va int) int { return (va >> 22) & 0x3ff }
func PTX(va int) int { return (va >> int(PGSHIFT)) & 0x3ff }

// KernDirSlots is the number of page-directory entries the shared
// kernel direct map occupies: it covers USERMemStart bytes of kernel
// physical memory, and each directory entry spans 1024*PGSIZE bytes.
const KernDirSlots = kconfig.USERMemStart / (1024 * PGSIZE)

var (
	directMapOnce sync.Once
	directMap     [KernDirSlots]*Ptable_t
)

// directMapTables lazily builds the page tables backing the shared
// kernel direct map: physical addresses [0, USERMemStart) identity
// mapped, present and writable, kernel-only (no PTE_U — user code
// never gets a region over this range, so Is_pointer_valid always
// rejects it regardless). Built once; every Pmap_t installs these
// same *Ptable_t pointers rather than a copy.
func directMapTables() *[KernDirSlots]*Ptable_t {
	directMapOnce.Do(func() {
		for d := 0; d < KernDirSlots; d++ {
			t := &Ptable_t{}
			for i := range t {
				t[i] = Pa_t(d*1024+i)<<PGSHIFT | PTE_P | PTE_W
			}
			directMap[d] = t
		}
	})
	return &directMap
}

// NewPmap allocates an empty page directory with the shared kernel
// direct-map entries already installed (spec.md §4.2's "install the
// shared kernel direct-map entries"). Every call reuses the same
// *Ptable_t pointers for the low KernDirSlots slots, so the "direct-
// mapped kernel region is identical across all live page directories"
// invariant (spec.md §3) holds by construction.
func NewPmap() *Pmap_t {
	pm := &Pmap_t{}
	copy(pm.Dir[:KernDirSlots], directMapTables()[:])
	return pm
}

// Physpg_t describes bookkeeping for one user physical frame: a
// "next free" link while on the free list, and (once mapped) a
// reference count, per spec.md §4.1. The allocator never interprets
// Refcnt; VM owns that discipline. Data is the frame's backing
// storage — the in-process stand-in for the direct map the out-of-
// scope boot code would otherwise establish (spec.md §1).
type Physpg_t struct {
	Refcnt int32
	nexti  int32
	Data   [PGSIZE]byte
}

// noFrame marks the end of the free list / an unmapped page's nexti.
const noFrame int32 = -1

// Physmem_t is the global frame allocator: a free list over every
// frame from USERMemStart to the top of memory, serialized by a
// single mutex (spec.md §4.1).
type Physmem_t struct {
	sync.Mutex
	pgs     []Physpg_t
	startn  int32 // frame index of the first frame this pool manages
	freei   int32
	freelen int32
}

// Physmem is the global frame allocator instance.
var Physmem = &Physmem_t{}

// Phys_init reserves nframes user frames starting at USERMemStart.
func Phys_init(nframes int) *Physmem_t {
	phys := Physmem
	phys.pgs = make([]Physpg_t, nframes)
	phys.startn = int32(kconfig.USERMemStart / kconfig.PageSize)
	for i := range phys.pgs {
		if i == nframes-1 {
			phys.pgs[i].nexti = noFrame
		} else {
			phys.pgs[i].nexti = int32(i + 1)
		}
	}
	phys.freei = 0
	phys.freelen = int32(nframes)
	return phys
}

// frameIdx returns the index used for this frame in pgs, per
// frame_index = (phys_addr - USER_MEM_START) / PAGE_SIZE.
func (phys *Physmem_t) frameIdx(p Pa_t) int32 {
	pgn := int32(p >> PGSHIFT)
	idx := pgn - phys.startn
	if idx < 0 || int(idx) >= len(phys.pgs) {
		caller.Assertviol("frame outside managed pool")
	}
	return idx
}

func (phys *Physmem_t) frameAddr(idx int32) Pa_t {
	return Pa_t(idx+phys.startn) << PGSHIFT
}

// Allocate_frame pops a frame off the free list and zero-fills it
// (spec.md §4.2: "Each newly demanded frame is allocated from §4.1
// and zero-filled"). It returns -ENOMEM when the pool is empty; it
// never hands out the same frame twice.
func (phys *Physmem_t) Allocate_frame() (Pa_t, defs.Err_t) {
	p, err := phys.allocate_frame_nozero()
	if err != 0 {
		return 0, err
	}
	idx := phys.frameIdx(p)
	phys.pgs[idx].Data = [PGSIZE]byte{}
	return p, 0
}

// Allocate_frame_nozero pops a frame without clearing its contents,
// for callers (COW fault copy) that are about to overwrite every byte
// anyway — grounded on the teacher's Refpg_new vs Refpg_new_nozero
// split.
func (phys *Physmem_t) Allocate_frame_nozero() (Pa_t, defs.Err_t) {
	return phys.allocate_frame_nozero()
}

func (phys *Physmem_t) allocate_frame_nozero() (Pa_t, defs.Err_t) {
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == noFrame {
		kstats.Kern.FramesExhausted.Inc()
		return 0, -defs.ENOMEM
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	phys.freelen--
	if phys.pgs[idx].Refcnt != 0 {
		caller.Assertviol("allocating frame with nonzero refcount")
	}
	return phys.frameAddr(idx), 0
}

// Frame returns a pointer to the frame's backing storage for direct
// byte access, the stand-in for the teacher's Dmap direct-map
// accessor.
func (phys *Physmem_t) Frame(p Pa_t) *[PGSIZE]byte {
	idx := phys.frameIdx(p)
	return &phys.pgs[idx].Data
}

// Deallocate_frame pushes a frame back onto the free list. The frame
// must have refcount 0 (the caller, VM, must have already dropped all
// mappings).
func (phys *Physmem_t) Deallocate_frame(p Pa_t) {
	phys.Lock()
	defer phys.Unlock()
	idx := phys.frameIdx(p)
	if phys.pgs[idx].Refcnt != 0 {
		caller.Assertviol("freeing frame with live references")
	}
	phys.pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
}

// Refcnt returns the current reference count of a mapped frame.
func (phys *Physmem_t) Refcnt(p Pa_t) int {
	idx := phys.frameIdx(p)
	return int(atomic.LoadInt32(&phys.pgs[idx].Refcnt))
}

// Refup increments the reference count of a frame. Called by VM, never
// by the allocator itself.
func (phys *Physmem_t) Refup(p Pa_t) {
	idx := phys.frameIdx(p)
	if atomic.AddInt32(&phys.pgs[idx].Refcnt, 1) <= 0 {
		caller.Assertviol("refup produced non-positive refcount")
	}
}

// Refdown decrements a frame's reference count, returning the frame to
// the free list and reporting true when the count reaches zero.
func (phys *Physmem_t) Refdown(p Pa_t) bool {
	idx := phys.frameIdx(p)
	c := atomic.AddInt32(&phys.pgs[idx].Refcnt, -1)
	if c < 0 {
		caller.Assertviol("refdown produced negative refcount")
	}
	if c == 0 {
		phys.Deallocate_frame(p)
		return true
	}
	return false
}

// Nfree reports the number of currently free frames, used by tests to
// verify frame conservation (spec.md §8 property 1).
func (phys *Physmem_t) Nfree() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}

// Ntotal reports the total pool size.
func (phys *Physmem_t) Ntotal() int {
	return len(phys.pgs)
}

// RefcntSum sums every mapped frame's refcount, used alongside Nfree
// to check the frame-conservation invariant.
func (phys *Physmem_t) RefcntSum() int {
	phys.Lock()
	defer phys.Unlock()
	s := 0
	for i := range phys.pgs {
		s += int(phys.pgs[i].Refcnt)
	}
	return s
}

