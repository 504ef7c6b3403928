// Command mtaskdump disassembles the instructions around a faulting
// EIP in a task's ELF binary, for reading alongside a segfault report
// (spec.md §4.7's "unhandled fault vanishes the task" path records
// pid/eip; this tool turns that eip back into assembly). Grounded on
// debug/elf (the teacher's own chentry.go and several pack repos parse
// ELF this way) for the binary, and golang.org/x/arch/x86/x86asm for
// the decode, per SPEC_FULL.md's domain-stack commitment to wire that
// library into fault diagnostics.
package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"

	"golang.org/x/arch/x86/x86asm"
)

func main() {
	path := flag.String("bin", "", "path to the task's ELF binary")
	eip := flag.Uint64("eip", 0, "faulting instruction pointer")
	before := flag.Int("before", 4, "number of instructions to print before eip")
	after := flag.Int("after", 4, "number of instructions to print after eip")
	flag.Parse()

	if *path == "" || *eip == 0 {
		fmt.Fprintln(os.Stderr, "usage: mtaskdump -bin <elf> -eip <addr> [-before N] [-after N]")
		os.Exit(2)
	}

	if err := run(*path, *eip, *before, *after); err != nil {
		fmt.Fprintln(os.Stderr, "mtaskdump:", err)
		os.Exit(1)
	}
}

func run(path string, eip uint64, before, after int) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return fmt.Errorf("%s is not a 32-bit x86 ELF (class=%s machine=%s)", path, f.Class, f.Machine)
	}

	text := f.Section(".text")
	if text == nil {
		return fmt.Errorf("%s has no .text section", path)
	}
	if eip < text.Addr || eip >= text.Addr+text.Size {
		return fmt.Errorf("eip %#x is outside .text [%#x, %#x)", eip, text.Addr, text.Addr+text.Size)
	}
	code, err := text.Data()
	if err != nil {
		return fmt.Errorf("read .text: %w", err)
	}

	insts, err := decodeRun(code, text.Addr)
	if err != nil {
		return err
	}

	center := indexContaining(insts, eip)
	if center < 0 {
		return fmt.Errorf("eip %#x does not land on an instruction boundary .text decoded", eip)
	}

	lo := center - before
	if lo < 0 {
		lo = 0
	}
	hi := center + after
	if hi >= len(insts) {
		hi = len(insts) - 1
	}
	for i := lo; i <= hi; i++ {
		marker := "  "
		if i == center {
			marker = "->"
		}
		in := insts[i]
		fmt.Printf("%s %#08x:\t%s\n", marker, in.pc, x86asm.GNUSyntax(in.inst, in.pc, nil))
	}
	return nil
}

type decoded struct {
	pc   uint64
	inst x86asm.Inst
}

// decodeRun walks code from front to back decoding one instruction at
// a time; x86 has no reliable way to resync mid-stream, so a linear
// sweep from a known-good start (the section base) is the only way to
// recover instruction boundaries.
func decodeRun(code []byte, base uint64) ([]decoded, error) {
	var out []decoded
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 32)
		if err != nil || inst.Len == 0 {
			// undecodable byte (often padding or data mixed into .text);
			// skip one byte and keep scanning rather than aborting.
			off++
			continue
		}
		out = append(out, decoded{pc: base + uint64(off), inst: inst})
		off += inst.Len
	}
	return out, nil
}

func indexContaining(insts []decoded, eip uint64) int {
	for i, in := range insts {
		if in.pc == eip {
			return i
		}
	}
	return -1
}
