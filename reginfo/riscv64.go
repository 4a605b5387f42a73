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

package reginfo

import (
	"fmt"
	"io"

	"github.com/andreas-jonsson/risu/memory"
)

const (
	riscv64Key   = 0x0000006b
	riscv64Param = 10
)

// RISCV64Context follows the kernel sigcontext layout where Regs[0] holds the
// program counter instead of the hardwired zero register.
type RISCV64Context struct {
	Regs  [32]uint64 `json:"regs"`
	FRegs [32]uint64 `json:"fregs"`
	FCSR  uint32     `json:"fcsr"`

	mem io.ReaderAt
}

func (uc *RISCV64Context) Arch() Arch          { return RISCV64 }
func (uc *RISCV64Context) Memory() io.ReaderAt { return uc.mem }
func (uc *RISCV64Context) SetParam(v uint64)   { uc.Regs[riscv64Param] = v }

func (uc *RISCV64Context) AdvancePC() error {
	uc.Regs[0] += 4
	return nil
}

type riscv64Info struct {
	faultAddress uint64
	regs         [32]uint64
	fregs        [32]uint64
	pc           uint64
	flags        uint32
	faultingInsn uint32
	fcsr         uint32
}

var riscv64Size = measure((&riscv64Info{}).visit)

func (ri *riscv64Info) visit(c *codec) {
	c.u64(&ri.faultAddress)
	c.u64s(ri.regs[:])
	c.u64s(ri.fregs[:])
	c.u64(&ri.pc)
	c.u32(&ri.flags)
	c.u32(&ri.faultingInsn)
	c.u32(&ri.fcsr)
	c.pad(4)
}

func (ri *riscv64Info) snapshot()  {}
func (ri *riscv64Info) Arch() Arch { return RISCV64 }

func (ri *riscv64Info) Init(ctx Context, imageBase uint64) error {
	uc, ok := ctx.(*RISCV64Context)
	if !ok {
		return ErrContextArch
	}

	insn, err := memory.ReadUint32(uc.mem, memory.Pointer(uc.Regs[0]))
	if err != nil {
		return fmt.Errorf("could not fetch faulting instruction: %w", err)
	}

	*ri = riscv64Info{
		regs:         uc.Regs,
		fregs:        uc.FRegs,
		pc:           uc.Regs[0] - imageBase,
		faultingInsn: insn,
		fcsr:         uc.FCSR,
	}

	// sp, gp and tp
	ri.regs[2] = Poison64
	ri.regs[3] = Poison64
	ri.regs[4] = Poison64
	ri.regs[0] = ri.pc
	return nil
}

func (ri *riscv64Info) PC() uint64    { return ri.pc }
func (ri *riscv64Info) Op() Op        { return decodeOp(ri.faultingInsn, 0xf00, riscv64Key, 8) }
func (ri *riscv64Info) Param() uint64 { return ri.regs[riscv64Param] }

func (ri *riscv64Info) Equal(o Info) bool {
	other, ok := o.(*riscv64Info)
	return ok && *ri == *other
}

func (ri *riscv64Info) Size() int             { return riscv64Size }
func (ri *riscv64Info) Encode(b []byte) error { return encode(b, riscv64Size, ri.visit) }
func (ri *riscv64Info) Decode(b []byte) error { return decode(b, riscv64Size, ri.visit) }

func (ri *riscv64Info) Fields() []Field {
	fields := make([]Field, 0, 35+len(ri.fregs))
	fields = append(fields, field32("insn", ri.faultingInsn))
	for i := 1; i < len(ri.regs); i++ {
		fields = append(fields, field64(fmt.Sprintf("x%d", i), ri.regs[i]))
	}
	fields = append(fields,
		field64("pc", ri.pc),
		field32("fcsr", ri.fcsr),
	)
	for i, f := range ri.fregs {
		fields = append(fields, field64(fmt.Sprintf("f%d", i), f))
	}
	return fields
}
