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
	aarch64Key       = 0x00005af0
	aarch64FlagsMask = 0xf0000000
)

type AArch64Context struct {
	Regs   [31]uint64    `json:"regs"`
	SP     uint64        `json:"sp"`
	PC     uint64        `json:"pc"`
	PState uint64        `json:"pstate"`
	FPSR   uint32        `json:"fpsr"`
	FPCR   uint32        `json:"fpcr"`
	V      [32][2]uint64 `json:"v"`

	mem io.ReaderAt
}

func (uc *AArch64Context) Arch() Arch          { return AArch64 }
func (uc *AArch64Context) Memory() io.ReaderAt { return uc.mem }
func (uc *AArch64Context) SetParam(v uint64)   { uc.Regs[0] = v }

func (uc *AArch64Context) AdvancePC() error {
	uc.PC += 4
	return nil
}

type aarch64Info struct {
	faultAddress uint64
	regs         [31]uint64
	sp, pc       uint64
	flags        uint32
	faultingInsn uint32
	fpsr, fpcr   uint32
	vregs        [32][2]uint64
}

var aarch64Size = measure((&aarch64Info{}).visit)

func (ri *aarch64Info) visit(c *codec) {
	c.u64(&ri.faultAddress)
	c.u64s(ri.regs[:])
	c.u64(&ri.sp)
	c.u64(&ri.pc)
	c.u32(&ri.flags)
	c.u32(&ri.faultingInsn)
	c.u32(&ri.fpsr)
	c.u32(&ri.fpcr)
	c.u128s(ri.vregs[:])
}

func (ri *aarch64Info) snapshot()  {}
func (ri *aarch64Info) Arch() Arch { return AArch64 }

func (ri *aarch64Info) Init(ctx Context, imageBase uint64) error {
	uc, ok := ctx.(*AArch64Context)
	if !ok {
		return ErrContextArch
	}

	insn, err := memory.ReadUint32(uc.mem, memory.Pointer(uc.PC))
	if err != nil {
		return fmt.Errorf("could not fetch faulting instruction: %w", err)
	}

	*ri = aarch64Info{
		regs:         uc.Regs,
		sp:           Poison64,
		pc:           uc.PC - imageBase,
		flags:        uint32(uc.PState & aarch64FlagsMask),
		faultingInsn: insn,
		fpsr:         uc.FPSR,
		fpcr:         uc.FPCR,
		vregs:        uc.V,
	}
	return nil
}

func (ri *aarch64Info) PC() uint64    { return ri.pc }
func (ri *aarch64Info) Op() Op        { return decodeOp(ri.faultingInsn, 0xf, aarch64Key, 0) }
func (ri *aarch64Info) Param() uint64 { return ri.regs[0] }

func (ri *aarch64Info) Equal(o Info) bool {
	other, ok := o.(*aarch64Info)
	return ok && *ri == *other
}

func (ri *aarch64Info) Size() int             { return aarch64Size }
func (ri *aarch64Info) Encode(b []byte) error { return encode(b, aarch64Size, ri.visit) }
func (ri *aarch64Info) Decode(b []byte) error { return decode(b, aarch64Size, ri.visit) }

func (ri *aarch64Info) Fields() []Field {
	fields := make([]Field, 0, 40+len(ri.vregs))
	fields = append(fields, field32("insn", ri.faultingInsn))
	for i, r := range ri.regs {
		fields = append(fields, field64(fmt.Sprintf("x%d", i), r))
	}
	fields = append(fields,
		field64("sp", ri.sp),
		field64("pc", ri.pc),
		field32("flags", ri.flags),
		field32("fpsr", ri.fpsr),
		field32("fpcr", ri.fpcr),
	)
	for i, v := range ri.vregs {
		fields = append(fields, field128(fmt.Sprintf("v%d", i), v))
	}
	return fields
}
