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

// Package compare implements the trap driven comparison protocol.
//
// For every trap event the sender captures its registers and sends a trace
// header followed, depending on the requested operation, by its register
// snapshot or its scratch memory block. The responder captures its own state,
// checks the header and answers with a single verdict byte. The methods are
// meant to be called from the trap handler, one event at a time.
package compare

import (
	"errors"
	"fmt"
	"log"

	"github.com/andreas-jonsson/risu/comm"
	"github.com/andreas-jonsson/risu/memory"
	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/google/gopacket"
)

var ErrNoMemBlock = errors.New("scratch memory block not set")

type Role int

const (
	Master Role = iota
	Apprentice
)

func (r Role) String() string {
	if r == Master {
		return "master"
	}
	return "apprentice"
}

// Session is the state of one run. It owns the two long lived snapshots, the
// local one captured from the trap context and the remote one received from
// the peer.
type Session struct {
	Role      Role
	Arch      reginfo.Arch
	ImageBase uint64

	Checkpoints int

	local, remote reginfo.Info
	remoteValid   bool

	memBlock            memory.Pointer
	memSet, memUsed     bool
	localMem, remoteMem memory.Block

	packetMismatch bool

	header wire.TraceHeader
	hdrOut gopacket.SerializeBuffer
	hdrIn  []byte
	regBuf []byte
}

func NewSession(role Role, arch reginfo.Arch, imageBase uint64) *Session {
	s := &Session{
		Role:      role,
		Arch:      arch,
		ImageBase: imageBase,
		local:     arch.NewInfo(),
		remote:    arch.NewInfo(),
		hdrOut:    gopacket.NewSerializeBuffer(),
		hdrIn:     make([]byte, wire.HeaderSize(arch.PointerSize())),
	}
	s.header.Wide = arch.PointerSize() == 8
	s.regBuf = make([]byte, s.local.Size())
	return s
}

func (s *Session) PacketMismatch() bool     { return s.packetMismatch }
func (s *Session) MemUsed() bool            { return s.memUsed }
func (s *Session) MemBlock() memory.Pointer { return s.memBlock }

// Local returns the snapshot captured at the last trap event.
func (s *Session) Local() reginfo.Info { return s.local }

func (s *Session) Master() reginfo.Info {
	if s.Role == Master {
		return s.local
	}
	return s.remote
}

func (s *Session) Apprentice() reginfo.Info {
	if s.Role == Apprentice {
		return s.local
	}
	return s.remote
}

func (s *Session) capture(uc reginfo.Context) (reginfo.Op, error) {
	if uc.Arch() != s.Arch {
		return reginfo.OpNone, reginfo.ErrContextArch
	}
	if err := s.local.Init(uc, s.ImageBase); err != nil {
		return reginfo.OpNone, err
	}
	s.Checkpoints++
	s.remoteValid = false
	return s.local.Op(), nil
}

func (s *Session) setMemBlock() {
	s.memBlock = memory.Pointer(s.local.Param())
	s.memSet = true
}

// getMemBlock hands the scratch block back to the test code. The parameter
// register holds an offset that is rebased onto the local block address.
func (s *Session) getMemBlock(uc reginfo.Context) {
	uc.SetParam(uint64(s.memBlock.Add(s.local.Param())))
}

func (s *Session) readMemBlock(uc reginfo.Context) error {
	if !s.memSet {
		return ErrNoMemBlock
	}
	if err := memory.ReadBlock(uc.Memory(), s.memBlock, &s.localMem); err != nil {
		return fmt.Errorf("could not read scratch memory: %w", err)
	}
	return nil
}

// Send runs the sender side of one trap event and returns the verdict of the
// responder.
func (s *Session) Send(w comm.PacketWriter, uc reginfo.Context) (wire.Verdict, error) {
	op, err := s.capture(uc)
	if err != nil {
		return wire.Mismatch, err
	}

	s.header.PC = s.local.PC()
	s.header.Op = int32(op)
	if err := gopacket.SerializeLayers(s.hdrOut, gopacket.SerializeOptions{}, &s.header); err != nil {
		return wire.Mismatch, err
	}

	resp, err := w.WritePacket(s.hdrOut.Bytes())
	if err != nil {
		return wire.Mismatch, fmt.Errorf("failed header write: %w", err)
	}
	if v := wire.Verdict(resp); v != wire.Match {
		return v, nil
	}

	switch op {
	case reginfo.OpTestEnd:
		s.local.Encode(s.regBuf)
		if _, err := w.WritePacket(s.regBuf); err != nil {
			return wire.Mismatch, fmt.Errorf("failed last write: %w", err)
		}
		return wire.EndOfTest, nil
	case reginfo.OpSetMemBlock:
		s.setMemBlock()
		return wire.Match, nil
	case reginfo.OpGetMemBlock:
		s.getMemBlock(uc)
		return wire.Match, nil
	case reginfo.OpCompareMem:
		if err := s.readMemBlock(uc); err != nil {
			return wire.Mismatch, err
		}
		resp, err := w.WritePacket(s.localMem[:])
		return wire.Verdict(resp), err
	default:
		s.local.Encode(s.regBuf)
		resp, err := w.WritePacket(s.regBuf)
		return wire.Verdict(resp), err
	}
}

// RecvAndCompare runs the responder side of one trap event. A header that
// does not match the local state means the two sides have diverged, nothing
// more is read for the event.
func (s *Session) RecvAndCompare(r comm.PacketReader, resp comm.Responder, uc reginfo.Context) (wire.Verdict, error) {
	op, err := s.capture(uc)
	if err != nil {
		return wire.Mismatch, err
	}

	if err := r.ReadPacket(s.hdrIn); err != nil {
		return wire.Mismatch, fmt.Errorf("failed header read: %w", err)
	}
	if err := s.header.DecodeFromBytes(s.hdrIn, gopacket.NilDecodeFeedback); err != nil {
		return wire.Mismatch, err
	}

	if s.header.PC != s.local.PC() || reginfo.Op(s.header.Op) != op {
		log.Printf("out of sync %x/%x %d/%d", s.local.PC(), s.header.PC, op, s.header.Op)
		s.packetMismatch = true
		return wire.Mismatch, resp.Respond(byte(wire.Mismatch))
	}

	if err := resp.Respond(byte(wire.Match)); err != nil {
		return wire.Mismatch, err
	}

	v := wire.Match
	switch op {
	case reginfo.OpSetMemBlock:
		s.setMemBlock()
		return v, nil
	case reginfo.OpGetMemBlock:
		s.getMemBlock(uc)
		return v, nil
	case reginfo.OpCompareMem:
		s.memUsed = true
		if err := s.readMemBlock(uc); err != nil {
			return wire.Mismatch, err
		}
		if err := r.ReadPacket(s.remoteMem[:]); err != nil {
			s.packetMismatch = true
			v = wire.Mismatch
		} else if s.localMem != s.remoteMem {
			v = wire.Mismatch
		}
	default:
		if err := r.ReadPacket(s.regBuf); err != nil || s.remote.Decode(s.regBuf) != nil {
			s.packetMismatch = true
			v = wire.Mismatch
			break
		}

		s.remoteValid = true
		if !s.local.Equal(s.remote) {
			v = wire.Mismatch
		} else if op == reginfo.OpTestEnd {
			v = wire.EndOfTest
		}
	}
	return v, resp.Respond(byte(v))
}
