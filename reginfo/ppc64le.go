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

const ppc64leKey = 0x00005af0

type PPC64LEContext struct {
	GPR    [32]uint64    `json:"gpr"`
	NIP    uint64        `json:"nip"`
	CTR    uint64        `json:"ctr"`
	LNK    uint64        `json:"lnk"`
	XER    uint64        `json:"xer"`
	CCR    uint64        `json:"ccr"`
	FPR    [32]uint64    `json:"fpr"`
	FPSCR  uint64        `json:"fpscr"`
	VR     [32][2]uint64 `json:"vr"`
	VSCR   uint32        `json:"vscr"`
	VRSave uint32        `json:"vrsave"`

	mem io.ReaderAt
}

func (uc *PPC64LEContext) Arch() Arch          { return PPC64LE }
func (uc *PPC64LEContext) Memory() io.ReaderAt { return uc.mem }
func (uc *PPC64LEContext) SetParam(v uint64)   { uc.GPR[0] = v }

func (uc *PPC64LEContext) AdvancePC() error {
	uc.NIP += 4
	return nil
}

type ppc64leInfo struct {
	faultingInsn uint32
	nip          uint64
	gregs        [32]uint64
	ctr, lnk     uint64
	xer, ccr     uint64
	fpregs       [32]uint64
	fpscr        uint64
	vrregs       [32][2]uint64
	vscr, vrsave uint32
}

var ppc64leSize = measure((&ppc64leInfo{}).visit)

func (ri *ppc64leInfo) visit(c *codec) {
	c.u32(&ri.faultingInsn)
	c.pad(4)
	c.u64(&ri.nip)
	c.u64s(ri.gregs[:])
	c.u64(&ri.ctr)
	c.u64(&ri.lnk)
	c.u64(&ri.xer)
	c.u64(&ri.ccr)
	c.u64s(ri.fpregs[:])
	c.u64(&ri.fpscr)
	c.u128s(ri.vrregs[:])
	c.u32(&ri.vscr)
	c.u32(&ri.vrsave)
}

func (ri *ppc64leInfo) snapshot()  {}
func (ri *ppc64leInfo) Arch() Arch { return PPC64LE }

func (ri *ppc64leInfo) Init(ctx Context, imageBase uint64) error {
	uc, ok := ctx.(*PPC64LEContext)
	if !ok {
		return ErrContextArch
	}

	insn, err := memory.ReadUint32(uc.mem, memory.Pointer(uc.NIP))
	if err != nil {
		return fmt.Errorf("could not fetch faulting instruction: %w", err)
	}

	*ri = ppc64leInfo{
		faultingInsn: insn,
		nip:          uc.NIP - imageBase,
		gregs:        uc.GPR,
		ctr:          uc.CTR,
		lnk:          uc.LNK,
		xer:          uc.XER,
		ccr:          uc.CCR,
		fpregs:       uc.FPR,
		fpscr:        uc.FPSCR,
		vrregs:       uc.VR,
		vscr:         uc.VSCR,
		vrsave:       uc.VRSave,
	}

	// stack pointer and thread pointer
	ri.gregs[1] = Poison64
	ri.gregs[13] = Poison64
	return nil
}

func (ri *ppc64leInfo) PC() uint64    { return ri.nip }
func (ri *ppc64leInfo) Op() Op        { return decodeOp(ri.faultingInsn, 0xf, ppc64leKey, 0) }
func (ri *ppc64leInfo) Param() uint64 { return ri.gregs[0] }

func (ri *ppc64leInfo) Equal(o Info) bool {
	other, ok := o.(*ppc64leInfo)
	return ok && *ri == *other
}

func (ri *ppc64leInfo) Size() int             { return ppc64leSize }
func (ri *ppc64leInfo) Encode(b []byte) error { return encode(b, ppc64leSize, ri.visit) }
func (ri *ppc64leInfo) Decode(b []byte) error { return decode(b, ppc64leSize, ri.visit) }

func (ri *ppc64leInfo) Fields() []Field {
	fields := make([]Field, 0, 42+len(ri.fpregs)+len(ri.vrregs))
	fields = append(fields,
		field32("insn", ri.faultingInsn),
		field64("nip", ri.nip),
	)
	for i, r := range ri.gregs {
		fields = append(fields, field64(fmt.Sprintf("r%d", i), r))
	}
	fields = append(fields,
		field64("ctr", ri.ctr),
		field64("lnk", ri.lnk),
		field64("xer", ri.xer),
		field64("ccr", ri.ccr),
	)
	for i, f := range ri.fpregs {
		fields = append(fields, field64(fmt.Sprintf("f%d", i), f))
	}
	fields = append(fields, field64("fpscr", ri.fpscr))
	for i, v := range ri.vrregs {
		fields = append(fields, field128(fmt.Sprintf("v%d", i), v))
	}
	fields = append(fields,
		field32("vscr", ri.vscr),
		field32("vrsave", ri.vrsave),
	)
	return fields
}
