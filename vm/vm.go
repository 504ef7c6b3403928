// Package vm implements per-task virtual memory: page directory
// creation from a loaded ELF image, COW cloning on fork, COW and
// demand-zero fault resolution, new_pages/remove_pages, and user
// pointer validation (spec.md §4.2). Grounded on the teacher's
// vm.Vm_t/vm.as.go (Lock_pmap/Unlock_pmap/Lockassert_pmap discipline,
// Sys_pgfault's COW-claim-vs-copy branch, Page_insert/Page_remove,
// Userdmap8_inner/Userstr/Userreadn/Userwriten) generalized from the
// teacher's mmap-region-list model (anon/file/shared) down to the
// spec's fixed ELF segments plus new_pages regions, since this kernel
// has no filesystem to back a VFILE mapping.
package vm

import (
	"sync"

	"github.com/pyadapad/mtask/caller"
	"github.com/pyadapad/mtask/defs"
	"github.com/pyadapad/mtask/kconfig"
	"github.com/pyadapad/mtask/kstats"
	"github.com/pyadapad/mtask/mem"
	"github.com/pyadapad/mtask/ustr"
)

// Elf_t describes the parsed ELF header fields VM needs to set up a
// loaded program's segments (spec.md §4.2's "Setup for a loaded
// program"). Parsing itself lives outside this package's scope (the
// ELF-in-RAM-disk reader is an external collaborator per spec.md §1).
type Elf_t struct {
	TextStart, TextLen     int
	RodataStart, RodataLen int
	DataStart, DataLen     int
	BssStart, BssLen       int
	Entry                  int
}

// region_t describes one mapped, page-aligned virtual region: its
// first page number, length in pages, and the permission bits granted
// (PTE_U, optionally PTE_W) before any COW rewriting.
type region_t struct {
	pgn   int
	pglen int
	perms mem.Pa_t
	// demandZero marks a bss/stack/new_pages region: first touch maps
	// a freshly zeroed frame rather than copying from an ELF image.
	demandZero bool
}

func (r *region_t) contains(pgn int) bool {
	return pgn >= r.pgn && pgn < r.pgn+r.pglen
}

func (r *region_t) end() int { return r.pgn + r.pglen }

// Vm_t represents one task's address space. The embedded mutex
// protects Regions and Pmap together, matching the teacher's "lock for
// vmregion, pmpages, pmap" comment on vm.Vm_t.
type Vm_t struct {
	sync.Mutex

	Regions []*region_t
	Pmap    *mem.Pmap_t
	P_pmap  mem.Pa_t

	pgfltaken bool
}

// Lock_pmap acquires the address space mutex and marks that page-table
// manipulation is underway.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

// Unlock_pmap releases the address space mutex.
func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

// Lockassert_pmap panics if the address space mutex is not held.
func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		caller.Assertviol("pgfl lock must be held")
	}
}

func pgn(va int) int { return va >> mem.PGSHIFT }

// pteFor walks the two-level page table to find va's PTE, creating
// the user-range leaf page table on demand when create is true (the
// kernel direct-map slots are always present already, installed by
// mem.NewPmap, so create only ever matters for user-range directory
// entries).
func pteFor(pm *mem.Pmap_t, va int, create bool) (*mem.Pa_t, bool) {
	d := mem.PDX(va)
	t := pm.Dir[d]
	if t == nil {
		if !create {
			return nil, false
		}
		t = &mem.Ptable_t{}
		pm.Dir[d] = t
	}
	return &t[mem.PTX(va)], true
}

// lookup finds the region covering virtual page pgn, if any.
func (as *Vm_t) lookup(va int) (*region_t, bool) {
	p := pgn(va)
	for _, r := range as.Regions {
		if r.contains(p) {
			return r, true
		}
	}
	return nil, false
}

// New_vm creates a fresh, otherwise-empty address space with a newly
// allocated page directory. The directory's physical frame is
// accounted through the ordinary allocator (refcount 1, released by
// Uvmfree) even though — unlike the teacher's Dmap-backed pmaps — its
// Pa_t-typed entries are stored in a plain Go array rather than
// literally overlaid on the frame's byte storage, since Pa_t is
// host-word sized here and a 32-bit, 4-byte-entry page table cannot be
// soundly reinterpreted out of a [PGSIZE]byte buffer on a 64-bit build
// host. P_pmap still identifies the real frame for refcounting and for
// any caller (e.g. a future loader) that needs the physical address to
// hand to hardware.
func New_vm() (*Vm_t, defs.Err_t) {
	p_pd, ok := mem.Physmem.Allocate_frame()
	if ok != 0 {
		return nil, ok
	}
	mem.Physmem.Refup(p_pd)
	as := &Vm_t{}
	as.Pmap = mem.NewPmap()
	as.P_pmap = p_pd
	return as, 0
}

// Setup_segments maps the text/rodata/data/bss/stack regions of a
// parsed ELF image. Text, rodata and data get zero-filled frames
// allocated up front; bss and the stack are demand-zero regions whose
// frames are allocated by Pgfault on first touch. No bytes of the
// program image are copied in. Text and rodata are {present, user,
// read-only}; data, bss, and the stack are {present, user, RW}.
// Overlapping segments at page granularity OR their flags together,
// producing the weakest protection (spec.md's explicit rule). On
// NoMem, every frame already acquired for this load is released.
func (as *Vm_t) Setup_segments(eh *Elf_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	type seg struct {
		start, length int
		perms         mem.Pa_t
		demand        bool
	}
	segs := []seg{
		{eh.TextStart, eh.TextLen, mem.PTE_U, false},
		{eh.RodataStart, eh.RodataLen, mem.PTE_U, false},
		{eh.DataStart, eh.DataLen, mem.PTE_U | mem.PTE_W, false},
		{eh.BssStart, eh.BssLen, mem.PTE_U | mem.PTE_W, true},
		{kconfig.StackStart - kconfig.DefaultStackSize, kconfig.DefaultStackSize, mem.PTE_U | mem.PTE_W, true},
	}

	var acquired []int // vas of the pages this load has mapped
	fail := func(e defs.Err_t) defs.Err_t {
		for _, va := range acquired {
			pte, _ := pteFor(as.Pmap, va, false)
			mem.Physmem.Refdown(*pte & mem.PTE_ADDR)
			*pte = 0
		}
		return e
	}

	for _, s := range segs {
		if s.length <= 0 {
			continue
		}
		r := as.addRegion(s.start, s.length, s.perms, s.demand)
		if !s.demand {
			// ELF-backed segments get zeroed frames here; only
			// bss/stack are demand-zero at fault time.
			start := mem.Pa_t(s.start) & ^mem.PGOFFSET
			npg := (int(mem.Pa_t(s.start+s.length)-start) + mem.PGSIZE - 1) / mem.PGSIZE
			for i := 0; i < npg; i++ {
				va := int(start) + i*mem.PGSIZE
				if pte, ok := pteFor(as.Pmap, va, false); ok && *pte&mem.PTE_P != 0 {
					// page shared with an earlier segment: OR the flags.
					*pte |= r.perms
					continue
				}
				p, ok := mem.Physmem.Allocate_frame()
				if ok != 0 {
					return fail(-defs.ENOMEM)
				}
				mem.Physmem.Refup(p)
				if !as.insertLocked(va, p, r.perms|mem.PTE_P) {
					mem.Physmem.Refdown(p)
					return fail(-defs.ENOMEM)
				}
				acquired = append(acquired, va)
			}
		}
	}
	return 0
}

func (as *Vm_t) addRegion(start, length int, perms mem.Pa_t, demand bool) *region_t {
	p := pgn(start)
	pl := (length + mem.PGSIZE - 1) / mem.PGSIZE
	r := &region_t{pgn: p, pglen: pl, perms: perms, demandZero: demand}
	as.Regions = append(as.Regions, r)
	return r
}

// insertLocked installs a PTE for va -> p_pg with perms, replacing any
// existing (empty) mapping. The caller must already hold the refcount
// it wants to transfer; insertLocked does not call Refup itself.
func (as *Vm_t) insertLocked(va int, p_pg mem.Pa_t, perms mem.Pa_t) bool {
	pte, ok := pteFor(as.Pmap, va, true)
	if !ok {
		return false
	}
	if *pte&mem.PTE_P != 0 {
		caller.Assertviol("pte not empty")
	}
	*pte = p_pg | perms
	return true
}

// Is_pointer_valid walks the current page directory to confirm every
// page intersecting [p, p+n) is present.
func (as *Vm_t) Is_pointer_valid(p, n int) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.walkOk(p, n, false)
}

// Is_memory_writable is like Is_pointer_valid but additionally
// requires every page to be RW or COW in user mode.
func (as *Vm_t) Is_memory_writable(p, n int) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.walkOk(p, n, true)
}

func (as *Vm_t) walkOk(p, n int, wantWrite bool) bool {
	if n < 0 {
		return false
	}
	start := p &^ (mem.PGSIZE - 1)
	end := p + n
	for va := start; va < end; va += mem.PGSIZE {
		r, ok := as.lookup(va)
		if !ok || r.perms == 0 {
			return false
		}
		pte, ok := pteFor(as.Pmap, va, false)
		if !ok {
			return false
		}
		present := *pte&mem.PTE_P != 0
		if !present {
			// not yet faulted in; still a valid region for a future
			// fault but not yet resident — caller must fault it in
			// before dereferencing, so treat as invalid for now.
			return false
		}
		if wantWrite {
			writable := *pte&mem.PTE_W != 0 || *pte&mem.PTE_COW != 0
			if !writable {
				return false
			}
		}
	}
	return true
}

// Uvmfree tears down every user mapping: decrements each mapped
// frame's refcount, returning frames whose count drops to zero, then
// drops VM's own reference to the page directory (spec.md §4.2
// Teardown). The shared kernel direct-map slots (below
// mem.KernDirSlots) are never touched — they are not this address
// space's to free.
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	for d := mem.KernDirSlots; d < len(as.Pmap.Dir); d++ {
		t := as.Pmap.Dir[d]
		if t == nil {
			continue
		}
		for i := range t {
			pte := &t[i]
			if *pte&mem.PTE_P != 0 {
				mem.Physmem.Refdown(*pte & mem.PTE_ADDR)
				*pte = 0
			}
		}
		as.Pmap.Dir[d] = nil
	}
	as.Regions = nil
	mem.Physmem.Refdown(as.P_pmap)
}

// Userstr copies a NUL-terminated string from user space, up to
// lenmax bytes, returning -defs.EINVAL if the name exceeds lenmax.
func (as *Vm_t) Userstr(uva, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	s := ustr.MkUstr()
	i := 0
	for {
		if !as.walkOk(uva+i, 1, false) {
			return nil, -defs.EINVAL
		}
		b := as.byteAt(uva + i)
		if b == 0 {
			return s, 0
		}
		s = append(s, b)
		i++
		if len(s) > lenmax {
			return nil, -defs.EINVAL
		}
	}
}

// byteAt returns the byte currently backing virtual address va; the
// caller must hold Lock_pmap and have already confirmed the page is
// present via walkOk.
func (as *Vm_t) byteAt(va int) uint8 {
	pte, _ := pteFor(as.Pmap, va, false)
	p := *pte & mem.PTE_ADDR
	fr := mem.Physmem.Frame(p)
	off := va & int(mem.PGOFFSET)
	return fr[off]
}

// setByteAt writes a byte into the frame currently backing va; the
// caller must hold Lock_pmap and have confirmed the page is both
// present and writable.
func (as *Vm_t) setByteAt(va int, b uint8) {
	pte, _ := pteFor(as.Pmap, va, false)
	p := *pte & mem.PTE_ADDR
	fr := mem.Physmem.Frame(p)
	off := va & int(mem.PGOFFSET)
	fr[off] = b
}

// Userreadn copies n bytes (n <= 8) from user address uva into an
// integer, the teacher's Userreadn generalized to this kernel's single
// address space per call (no Dmap fast path: every byte is copied one
// at a time through byteAt). Fails with -EINVAL if any touched page is
// not present.
func (as *Vm_t) Userreadn(uva, n int) (int, defs.Err_t) {
	if n < 0 || n > 8 {
		caller.Assertviol("bad userreadn size")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if !as.walkOk(uva, n, false) {
		return 0, -defs.EINVAL
	}
	var buf [8]uint8
	for i := 0; i < n; i++ {
		buf[i] = as.byteAt(uva + i)
	}
	var v int
	for i := n - 1; i >= 0; i-- {
		v = (v << 8) | int(buf[i])
	}
	return v, 0
}

// Userwriten writes the low n bytes of val to user address uva,
// requiring every touched page to be present and writable (COW pages
// count as writable here; the caller is expected to have already
// resolved any COW fault via Pgfault before calling this for a
// syscall's output buffer).
func (as *Vm_t) Userwriten(uva, n, val int) defs.Err_t {
	if n < 0 || n > 8 {
		caller.Assertviol("bad userwriten size")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if !as.walkOk(uva, n, true) {
		return -defs.EINVAL
	}
	for i := 0; i < n; i++ {
		as.setByteAt(uva+i, uint8(val&0xff))
		val >>= 8
	}
	return 0
}

// K2user copies src into the user buffer [uva, uva+len(src)).
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if !as.walkOk(uva, len(src), true) {
		return -defs.EINVAL
	}
	for i, b := range src {
		as.setByteAt(uva+i, b)
	}
	return 0
}

// User2k copies len(dst) bytes from the user buffer at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	if !as.walkOk(uva, len(dst), false) {
		return -defs.EINVAL
	}
	for i := range dst {
		dst[i] = as.byteAt(uva + i)
	}
	return 0
}

// Clone produces a new address space for fork: every page table the
// source actually populated is freshly copied rather than shared, and
// every writable user mapping in both the source and the clone is
// rewritten to read-only+COW, per spec.md §4.2's Clone description.
// Frames transitioning from one mapping to two have their refcount
// incremented accordingly; mappings that are already COW or read-only
// are copied into the clone unchanged, and their frame's refcount is
// incremented once for the clone's new mapping. The
// shared kernel direct-map slots are left exactly as New_vm installed
// them in the child — not walked, not Refup'd, not copied — since
// they point at no user frame and must stay identical by reference
// across every address space (spec.md §3).
func (as *Vm_t) Clone() (*Vm_t, defs.Err_t) {
	child, err := New_vm()
	if err != 0 {
		return nil, err
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	child.Lock_pmap()
	defer child.Unlock_pmap()

	for d := mem.KernDirSlots; d < len(as.Pmap.Dir); d++ {
		srcT := as.Pmap.Dir[d]
		if srcT == nil {
			continue
		}
		dstT := &mem.Ptable_t{}
		child.Pmap.Dir[d] = dstT
		for i := range srcT {
			pte := &srcT[i]
			if *pte&mem.PTE_P == 0 {
				continue
			}
			p := *pte & mem.PTE_ADDR
			perms := *pte &^ mem.PTE_ADDR
			ro := *pte&mem.PTE_W != 0 && *pte&mem.PTE_COW == 0
			if ro {
				// Newly shared: rewrite both this mapping and the child's to
				// read-only+COW, and account for the 1->2 transition.
				newperms := (perms &^ mem.PTE_W) | mem.PTE_COW
				*pte = p | newperms
				dstT[i] = p | newperms
				mem.Physmem.Refup(p)
			} else {
				// Already COW (or read-only, e.g. text/rodata): the mapping
				// count already matches refcount; add one more mapping.
				dstT[i] = *pte
				mem.Physmem.Refup(p)
			}
		}
	}
	for _, r := range as.Regions {
		cp := *r
		child.Regions = append(child.Regions, &cp)
	}
	return child, 0
}

// Pgfault resolves a fault at virtual address va with error code ecode
// (spec.md §4.2 COW fault, and the demand-zero first-touch case for
// bss/stack/new_pages regions, dispatched here rather than in intr
// since the resolution logic is entirely a VM concern). It reports
// whether the fault was resolved; a false result with err == 0 means
// the fault is neither COW nor demand-zero (e.g. a write to a
// read-only segment, or an address outside any region) and the
// caller — intr's page-fault handler — must fall through to the
// registered user handler or the segfault-and-vanish path.
func (as *Vm_t) Pgfault(va int, ecode uint) (bool, defs.Err_t) {
	const writeFault = 1 << 1
	as.Lock_pmap()
	defer as.Unlock_pmap()

	pte, ok := pteFor(as.Pmap, va, false)
	if !ok || *pte&mem.PTE_P == 0 {
		r, ok := as.lookup(va)
		if !ok || !r.demandZero {
			return false, 0
		}
		p, err := mem.Physmem.Allocate_frame()
		if err != 0 {
			return true, err
		}
		mem.Physmem.Refup(p)
		if !as.insertLocked(va&^int(mem.PGOFFSET), p, r.perms|mem.PTE_P) {
			caller.Assertviol("demand page already present")
		}
		kstats.Kern.DemandFaults.Inc()
		return true, 0
	}

	if ecode&writeFault == 0 || *pte&mem.PTE_COW == 0 {
		return false, 0
	}

	old := *pte & mem.PTE_ADDR
	perms := (*pte &^ mem.PTE_ADDR) &^ mem.PTE_COW
	if mem.Physmem.Refcnt(old) == 1 {
		*pte = old | perms | mem.PTE_W
		kstats.Kern.CowFaults.Inc()
		return true, 0
	}

	newp, err := mem.Physmem.Allocate_frame_nozero()
	if err != 0 {
		return true, err
	}
	*mem.Physmem.Frame(newp) = *mem.Physmem.Frame(old)
	mem.Physmem.Refup(newp)
	kstats.Kern.CowFaults.Inc()
	*pte = newp | perms | mem.PTE_W
	mem.Physmem.Refdown(old)
	return true, 0
}

// New_pages maps a page-aligned, non-overlapping region of npg pages
// starting at base as {present, user, RW, demand-zeroed on first
// touch}, per spec.md §4.2. Overlap with any existing region, or a
// misaligned base, is -EINVAL.
func (as *Vm_t) New_pages(base, npg int) defs.Err_t {
	if npg <= 0 || base%mem.PGSIZE != 0 {
		return -defs.EINVAL
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()

	p := pgn(base)
	for _, r := range as.Regions {
		if p < r.end() && p+npg > r.pgn {
			return -defs.EINVAL
		}
	}
	as.addRegion(base, npg*mem.PGSIZE, mem.PTE_U|mem.PTE_W, true)
	return 0
}

// Remove_pages unmaps the exact region previously established by
// New_pages at base, decrementing every mapped frame's refcount and
// returning -EINVAL if no such region exists.
func (as *Vm_t) Remove_pages(base int) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	p := pgn(base)
	idx := -1
	for i, r := range as.Regions {
		if r.pgn == p && r.demandZero {
			idx = i
			break
		}
	}
	if idx == -1 {
		return -defs.EINVAL
	}
	r := as.Regions[idx]
	for va := r.pgn << mem.PGSHIFT; va < r.end()<<mem.PGSHIFT; va += mem.PGSIZE {
		pte, ok := pteFor(as.Pmap, va, false)
		if ok && *pte&mem.PTE_P != 0 {
			mem.Physmem.Refdown(*pte & mem.PTE_ADDR)
			*pte = 0
		}
	}
	as.Regions = append(as.Regions[:idx], as.Regions[idx+1:]...)
	return 0
}
