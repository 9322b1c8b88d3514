package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// FaultReport describes a simulated page fault for diagnostic output: the
// faulting virtual address, the bytes at the faulting instruction (if
// available), and its decoded mnemonic. This module never takes a real
// fault (no ring-0 execution happens here); it exists so bootstrap/pmap
// callers that catch a panic from a bad Map/walk can attach a
// human-readable instruction trace to the report instead of a bare
// address, the same annotation the source kernel's fault handler prints.
type FaultReport struct {
	FaultAddr uintptr
	Code      []byte
	Insn      string
}

// DecodeFault disassembles the single instruction at the start of code
// (assumed to be the faulting instruction's bytes, fetched by the
// caller), defaulting to 64-bit mode since this module only models
// x86-64 long-mode address translation.
func DecodeFault(faultAddr uintptr, code []byte) FaultReport {
	r := FaultReport{FaultAddr: faultAddr, Code: code}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		r.Insn = fmt.Sprintf("<undecodable: %v>", err)
		return r
	}
	r.Insn = x86asm.GNUSyntax(inst, uint64(faultAddr), nil)
	return r
}

// String renders a one-line summary suitable for a panic message.
func (r FaultReport) String() string {
	return fmt.Sprintf("fault at %#x: %s", r.FaultAddr, r.Insn)
}
