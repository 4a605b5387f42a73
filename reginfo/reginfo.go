/*
Copyright (c) 2021 Andreas T Jonsson

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

// Package reginfo captures the architectural register state of a process at
// a trap point. Every supported architecture provides a trap Context, as
// handed over by the trap handler, and an Info snapshot built from it.
//
// Snapshots are compared byte for byte. Registers that an architecture leaves
// unspecified after a trap are forced to a poison value while capturing so
// two equivalent executions always produce identical snapshots.
package reginfo

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	Poison32 uint32 = 0xdeadbeef
	Poison64 uint64 = 0xdeadbeefdeadbeef
)

var (
	ErrUnknownArch = errors.New("unknown architecture")
	ErrContextArch = errors.New("trap context does not match snapshot architecture")
	ErrShortBuffer = errors.New("buffer too short for register snapshot")
)

type Arch int

const (
	AArch64 Arch = iota
	ARM
	RISCV64
	PPC64LE
	numArch
)

var archNames = [numArch]string{"aarch64", "arm", "riscv64", "ppc64le"}

func (a Arch) String() string {
	if a < 0 || a >= numArch {
		return fmt.Sprintf("Arch(%d)", int(a))
	}
	return archNames[a]
}

func ParseArch(s string) (Arch, error) {
	for i, n := range archNames {
		if strings.EqualFold(n, s) {
			return Arch(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownArch, s)
}

func Archs() []Arch {
	archs := make([]Arch, numArch)
	for i := range archs {
		archs[i] = Arch(i)
	}
	return archs
}

// PointerSize is the width in bytes of a program counter on the wire.
func (a Arch) PointerSize() int {
	if a == ARM {
		return 4
	}
	return 8
}

func (a Arch) NewInfo() Info {
	switch a {
	case AArch64:
		return &aarch64Info{}
	case ARM:
		return &armInfo{}
	case RISCV64:
		return &riscv64Info{}
	case PPC64LE:
		return &ppc64leInfo{}
	default:
		panic(fmt.Sprintf("invalid architecture: %d", int(a)))
	}
}

// NewContext returns an empty trap context whose instruction and scratch
// memory accesses go to mem.
func (a Arch) NewContext(mem io.ReaderAt) Context {
	switch a {
	case AArch64:
		return &AArch64Context{mem: mem}
	case ARM:
		return &ARMContext{mem: mem}
	case RISCV64:
		return &RISCV64Context{mem: mem}
	case PPC64LE:
		return &PPC64LEContext{mem: mem}
	default:
		panic(fmt.Sprintf("invalid architecture: %d", int(a)))
	}
}

type Option struct {
	Name, Usage string
	Value       *bool
}

// Options lists the architecture specific command line options. They are
// registered by the command line layer and only read by the architecture.
func (a Arch) Options() []Option {
	switch a {
	case ARM:
		return []Option{{"arm-test-fp-exc", "Compare FPSCR cumulative exception bits", &armTestFPExc}}
	default:
		return nil
	}
}

type Op int32

const (
	OpNone Op = iota - 1
	OpCompare
	OpTestEnd
	OpSetMemBlock
	OpGetMemBlock
	OpCompareMem
)

func (op Op) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpCompare:
		return "compare"
	case OpTestEnd:
		return "testend"
	case OpSetMemBlock:
		return "setmemblock"
	case OpGetMemBlock:
		return "getmemblock"
	case OpCompareMem:
		return "comparemem"
	default:
		return fmt.Sprintf("op%d", int32(op))
	}
}

func decodeOp(insn, mask, key uint32, shift uint) Op {
	if insn&^mask != key {
		return OpNone
	}
	return Op((insn & mask) >> shift)
}

// Context is the trap-time execution context of the process. Implementations
// are the per-architecture *Context types of this package.
type Context interface {
	Arch() Arch
	Memory() io.ReaderAt

	// SetParam writes the parameter register.
	SetParam(v uint64)

	// AdvancePC moves the program counter past the trap instruction.
	AdvancePC() error
}

// Info is a register snapshot. Use Arch.NewInfo to get one.
type Info interface {
	Arch() Arch
	Init(uc Context, imageBase uint64) error

	PC() uint64
	Op() Op
	Param() uint64

	Equal(ri Info) bool
	Size() int
	Encode(b []byte) error
	Decode(b []byte) error
	Fields() []Field

	snapshot()
}

type Field struct {
	Name  string
	Width int
	Hi    uint64
	Lo    uint64
}

func (f Field) String() string {
	switch f.Width {
	case 128:
		return fmt.Sprintf("%016x%016x", f.Hi, f.Lo)
	case 64:
		return fmt.Sprintf("%016x", f.Lo)
	case 16:
		return fmt.Sprintf("%04x", f.Lo)
	default:
		return fmt.Sprintf("%08x", f.Lo)
	}
}

func (f Field) equal(o Field) bool {
	return f.Hi == o.Hi && f.Lo == o.Lo
}

func Dump(w io.Writer, ri Info) error {
	for _, f := range ri.Fields() {
		if _, err := fmt.Fprintf(w, "  %-8s: %s\n", f.Name, f); err != nil {
			return err
		}
	}
	return nil
}

// DumpMismatch prints every field that differs between the two snapshots.
func DumpMismatch(w io.Writer, master, apprentice Info) error {
	if master.Arch() != apprentice.Arch() {
		return ErrContextArch
	}
	if _, err := fmt.Fprintln(w, "mismatch detail (master : apprentice):"); err != nil {
		return err
	}

	mf, af := master.Fields(), apprentice.Fields()
	for i, f := range mf {
		if f.equal(af[i]) {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %-8s: %s vs %s\n", f.Name, f, af[i]); err != nil {
			return err
		}
	}
	return nil
}

func field32(name string, v uint32) Field {
	return Field{Name: name, Width: 32, Lo: uint64(v)}
}

func field64(name string, v uint64) Field {
	return Field{Name: name, Width: 64, Lo: v}
}

func field128(name string, v [2]uint64) Field {
	return Field{Name: name, Width: 128, Lo: v[0], Hi: v[1]}
}
