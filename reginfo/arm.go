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
	armKey       = 0xe7fe5af0
	armThumbKey  = 0xdee0
	armCPSRMask  = 0xf80f0000
	armThumbBit  = 0x20
	armFPExcBits = 0x9f
)

var armTestFPExc bool

// ARMContext holds r0-r15 where r15 is the program counter.
type ARMContext struct {
	Regs  [16]uint32 `json:"regs"`
	CPSR  uint32     `json:"cpsr"`
	FPSCR uint32     `json:"fpscr"`
	D     [32]uint64 `json:"d"`

	mem io.ReaderAt
}

func (uc *ARMContext) Arch() Arch          { return ARM }
func (uc *ARMContext) Memory() io.ReaderAt { return uc.mem }
func (uc *ARMContext) SetParam(v uint64)   { uc.Regs[0] = uint32(v) }

func (uc *ARMContext) AdvancePC() error {
	_, size, err := uc.fetch()
	if err != nil {
		return err
	}
	uc.Regs[15] += size
	return nil
}

// fetch reads the instruction at the program counter, returning its encoding
// and size in bytes.
func (uc *ARMContext) fetch() (uint32, uint32, error) {
	pc := memory.Pointer(uc.Regs[15])
	if uc.CPSR&armThumbBit == 0 {
		insn, err := memory.ReadUint32(uc.mem, pc)
		return insn, 4, err
	}

	hw, err := memory.ReadUint16(uc.mem, pc)
	if err != nil {
		return 0, 0, err
	}

	switch hw & 0xf800 {
	case 0xe800, 0xf000, 0xf800:
		lo, err := memory.ReadUint16(uc.mem, pc.Add(2))
		if err != nil {
			return 0, 0, err
		}
		return uint32(hw)<<16 | uint32(lo), 4, nil
	default:
		return uint32(hw), 2, nil
	}
}

type armInfo struct {
	gpreg            [16]uint32
	cpsr             uint32
	faultingInsn     uint32
	faultingInsnSize uint32
	fpscr            uint32
	fpregs           [32]uint64
}

var armSize = measure((&armInfo{}).visit)

func (ri *armInfo) visit(c *codec) {
	c.u32s(ri.gpreg[:])
	c.u32(&ri.cpsr)
	c.u32(&ri.faultingInsn)
	c.u32(&ri.faultingInsnSize)
	c.u32(&ri.fpscr)
	c.u64s(ri.fpregs[:])
}

func (ri *armInfo) snapshot()  {}
func (ri *armInfo) Arch() Arch { return ARM }

func (ri *armInfo) Init(ctx Context, imageBase uint64) error {
	uc, ok := ctx.(*ARMContext)
	if !ok {
		return ErrContextArch
	}

	insn, size, err := uc.fetch()
	if err != nil {
		return fmt.Errorf("could not fetch faulting instruction: %w", err)
	}

	*ri = armInfo{
		gpreg:            uc.Regs,
		cpsr:             uc.CPSR & armCPSRMask,
		faultingInsn:     insn,
		faultingInsnSize: size,
		fpscr:            uc.FPSCR,
		fpregs:           uc.D,
	}
	ri.gpreg[13] = Poison32
	ri.gpreg[15] = uc.Regs[15] - uint32(imageBase)
	if !armTestFPExc {
		ri.fpscr &^= armFPExcBits
	}
	return nil
}

func (ri *armInfo) PC() uint64    { return uint64(ri.gpreg[15]) }
func (ri *armInfo) Param() uint64 { return uint64(ri.gpreg[0]) }

func (ri *armInfo) Op() Op {
	if ri.faultingInsnSize == 2 {
		return decodeOp(ri.faultingInsn, 0xf, armThumbKey, 0)
	}
	return decodeOp(ri.faultingInsn, 0xf, armKey, 0)
}

func (ri *armInfo) Equal(o Info) bool {
	other, ok := o.(*armInfo)
	return ok && *ri == *other
}

func (ri *armInfo) Size() int             { return armSize }
func (ri *armInfo) Encode(b []byte) error { return encode(b, armSize, ri.visit) }
func (ri *armInfo) Decode(b []byte) error { return decode(b, armSize, ri.visit) }

func (ri *armInfo) Fields() []Field {
	fields := make([]Field, 0, 23+len(ri.fpregs))
	insn := field32("insn", ri.faultingInsn)
	if ri.faultingInsnSize == 2 {
		insn.Width = 16
	}
	fields = append(fields, insn, field32("insnsize", ri.faultingInsnSize))
	for i, r := range ri.gpreg {
		fields = append(fields, field32(fmt.Sprintf("r%d", i), r))
	}
	fields = append(fields,
		field32("cpsr", ri.cpsr),
		field32("fpscr", ri.fpscr),
	)
	for i, d := range ri.fpregs {
		fields = append(fields, field64(fmt.Sprintf("d%d", i), d))
	}
	return fields
}
