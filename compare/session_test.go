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

package compare

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/andreas-jonsson/risu/comm"
	"github.com/andreas-jonsson/risu/memory"
	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
)

const (
	masterBase     = 0x400000
	apprenticeBase = 0x800000
)

func risuop(op reginfo.Op) uint32 {
	return 0x00005af0 | uint32(op)
}

type peer struct {
	base uint64
	mem  *memory.Sparse
	uc   *reginfo.AArch64Context
}

func newPeer(base uint64) *peer {
	mem := memory.NewSparse()
	mem.Quiet = true

	uc := reginfo.AArch64.NewContext(mem).(*reginfo.AArch64Context)
	for i := range uc.Regs {
		uc.Regs[i] = uint64(i) * 0x0101
	}
	return &peer{base: base, mem: mem, uc: uc}
}

// trap places insn at the given image offset and points the pc at it.
func (p *peer) trap(offset uint64, insn uint32) reginfo.Context {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	p.mem.WriteAt(buf[:], int64(p.base+offset))
	p.uc.PC = p.base + offset
	return p.uc
}

type pair struct {
	t          *testing.T
	mc, ac     *comm.Channel
	master     *Session
	apprentice *Session
	mp, ap     *peer
}

func newPair(t *testing.T) *pair {
	a, b := net.Pipe()
	p := &pair{
		t:          t,
		mc:         comm.NewChannel(a),
		ac:         comm.NewChannel(b),
		master:     NewSession(Master, reginfo.AArch64, masterBase),
		apprentice: NewSession(Apprentice, reginfo.AArch64, apprenticeBase),
		mp:         newPeer(masterBase),
		ap:         newPeer(apprenticeBase),
	}
	p.mc.Fatal = func(v ...interface{}) { t.Error(v...) }
	p.ac.Fatal = func(v ...interface{}) { t.Error(v...) }
	return p
}

func (p *pair) close() {
	p.mc.Close()
	p.ac.Close()
}

// step runs one trap event on both sides and returns both verdicts.
func (p *pair) step(muc, auc reginfo.Context) (wire.Verdict, wire.Verdict) {
	p.t.Helper()

	var (
		mv   wire.Verdict
		merr error
		done = make(chan struct{})
	)
	go func() {
		mv, merr = p.master.RecvAndCompare(p.mc, p.mc, muc)
		close(done)
	}()

	av, aerr := p.apprentice.Send(p.ac, auc)
	<-done

	if merr != nil {
		p.t.Fatal(merr)
	}
	if aerr != nil {
		p.t.Fatal(aerr)
	}
	return mv, av
}

func (p *pair) report() (string, bool) {
	var buf bytes.Buffer
	failed := p.master.Report(&buf)
	return buf.String(), failed
}

func TestMatch(t *testing.T) {
	p := newPair(t)
	defer p.close()

	mv, av := p.step(p.mp.trap(0x1000, risuop(reginfo.OpCompare)), p.ap.trap(0x1000, risuop(reginfo.OpCompare)))
	if mv != wire.Match || av != wire.Match {
		t.Errorf("expected match, got %v/%v", mv, av)
	}

	// An undefined instruction that is not a risu op is an implicit compare.
	mv, av = p.step(p.mp.trap(0x1004, 0xffffffff), p.ap.trap(0x1004, 0xffffffff))
	if mv != wire.Match || av != wire.Match {
		t.Errorf("expected match, got %v/%v", mv, av)
	}
	if p.master.Checkpoints != 2 || p.apprentice.Checkpoints != 2 {
		t.Errorf("unexpected checkpoint count: %d/%d", p.master.Checkpoints, p.apprentice.Checkpoints)
	}
}

func TestProgramCounterMismatch(t *testing.T) {
	p := newPair(t)
	defer p.close()

	mv, av := p.step(p.mp.trap(0x1004, risuop(reginfo.OpCompare)), p.ap.trap(0x1000, risuop(reginfo.OpCompare)))
	if mv != wire.Mismatch || av != wire.Mismatch {
		t.Fatalf("expected mismatch, got %v/%v", mv, av)
	}
	if !p.master.PacketMismatch() {
		t.Error("expected a packet level mismatch")
	}
	if k := p.master.MismatchKind(); k != "packet" {
		t.Errorf("unexpected mismatch kind: %q", k)
	}

	out, failed := p.report()
	if !failed {
		t.Error("report should fail")
	}
	if !strings.Contains(out, "packet mismatch") || !strings.Contains(out, "master reginfo:") {
		t.Errorf("unexpected report:\n%s", out)
	}
	if strings.Contains(out, "apprentice") || strings.Contains(out, "mismatch detail") {
		t.Errorf("report should only show the master state:\n%s", out)
	}
}

func TestOpMismatch(t *testing.T) {
	p := newPair(t)
	defer p.close()

	mv, av := p.step(p.mp.trap(0x1000, risuop(reginfo.OpTestEnd)), p.ap.trap(0x1000, risuop(reginfo.OpCompare)))
	if mv != wire.Mismatch || av != wire.Mismatch {
		t.Fatalf("expected mismatch, got %v/%v", mv, av)
	}
	if !p.master.PacketMismatch() {
		t.Error("expected a packet level mismatch")
	}
}

func TestEndOfTest(t *testing.T) {
	p := newPair(t)
	defer p.close()

	mv, av := p.step(p.mp.trap(0x2000, risuop(reginfo.OpTestEnd)), p.ap.trap(0x2000, risuop(reginfo.OpTestEnd)))
	if mv != wire.EndOfTest || av != wire.EndOfTest {
		t.Fatalf("expected end of test, got %v/%v", mv, av)
	}

	out, failed := p.report()
	if failed {
		t.Errorf("report should not fail:\n%s", out)
	}
	if !strings.Contains(out, "match!") {
		t.Errorf("unexpected report:\n%s", out)
	}
	if k := p.master.MismatchKind(); k != "" {
		t.Errorf("unexpected mismatch kind: %q", k)
	}
}

func TestEndOfTestMismatch(t *testing.T) {
	p := newPair(t)
	defer p.close()

	p.ap.uc.FPSR = 0x8
	mv, av := p.step(p.mp.trap(0x2000, risuop(reginfo.OpTestEnd)), p.ap.trap(0x2000, risuop(reginfo.OpTestEnd)))
	if mv != wire.Mismatch {
		t.Errorf("expected master to see a mismatch, got %v", mv)
	}
	if av != wire.EndOfTest {
		t.Errorf("apprentice always ends on testend, got %v", av)
	}
}

func TestRegisterMismatch(t *testing.T) {
	p := newPair(t)
	defer p.close()

	p.ap.uc.Regs[7] = 0xbad
	mv, av := p.step(p.mp.trap(0x1000, 0), p.ap.trap(0x1000, 0))
	if mv != wire.Mismatch || av != wire.Mismatch {
		t.Fatalf("expected mismatch, got %v/%v", mv, av)
	}
	if p.master.PacketMismatch() {
		t.Error("unexpected packet level mismatch")
	}
	if k := p.master.MismatchKind(); k != "regs" {
		t.Errorf("unexpected mismatch kind: %q", k)
	}

	out, failed := p.report()
	if !failed {
		t.Error("report should fail")
	}

	i := strings.Index(out, "mismatch detail")
	if i < 0 {
		t.Fatalf("missing mismatch detail:\n%s", out)
	}
	detail := strings.Split(strings.TrimSpace(out[i:]), "\n")[1:]
	if len(detail) != 1 {
		t.Fatalf("expected exactly one mismatching field:\n%s", out[i:])
	}
	if !strings.Contains(detail[0], "x7") || !strings.Contains(detail[0], "0000000000000707 vs 0000000000000bad") {
		t.Errorf("unexpected detail: %s", detail[0])
	}
}

func TestMemBlock(t *testing.T) {
	p := newPair(t)
	defer p.close()

	const (
		masterBlock     = 0x10000
		apprenticeBlock = 0x20000
	)

	data := make([]byte, memory.BlockLen)
	for i := range data {
		data[i] = byte(i * 7)
	}
	p.mp.mem.WriteAt(data, masterBlock)
	p.ap.mem.WriteAt(data, apprenticeBlock)

	p.mp.uc.Regs[0], p.ap.uc.Regs[0] = masterBlock, apprenticeBlock
	mv, av := p.step(p.mp.trap(0x100, risuop(reginfo.OpSetMemBlock)), p.ap.trap(0x100, risuop(reginfo.OpSetMemBlock)))
	if mv != wire.Match || av != wire.Match {
		t.Fatalf("expected match, got %v/%v", mv, av)
	}
	if p.master.MemBlock() != masterBlock || p.apprentice.MemBlock() != apprenticeBlock {
		t.Fatalf("unexpected memory blocks: %v/%v", p.master.MemBlock(), p.apprentice.MemBlock())
	}

	// Each side gets its own block back, offset by the requested amount.
	p.mp.uc.Regs[0], p.ap.uc.Regs[0] = 0x40, 0x40
	mv, av = p.step(p.mp.trap(0x104, risuop(reginfo.OpGetMemBlock)), p.ap.trap(0x104, risuop(reginfo.OpGetMemBlock)))
	if mv != wire.Match || av != wire.Match {
		t.Fatalf("expected match, got %v/%v", mv, av)
	}
	if p.mp.uc.Regs[0] != masterBlock+0x40 || p.ap.uc.Regs[0] != apprenticeBlock+0x40 {
		t.Fatalf("unexpected rebased pointers: 0x%x/0x%x", p.mp.uc.Regs[0], p.ap.uc.Regs[0])
	}

	p.mp.uc.Regs[0], p.ap.uc.Regs[0] = 0, 0
	mv, av = p.step(p.mp.trap(0x108, risuop(reginfo.OpCompareMem)), p.ap.trap(0x108, risuop(reginfo.OpCompareMem)))
	if mv != wire.Match || av != wire.Match {
		t.Fatalf("expected match, got %v/%v", mv, av)
	}

	p.ap.mem.WriteAt([]byte{0xEE}, apprenticeBlock+0x123)
	mv, av = p.step(p.mp.trap(0x10c, risuop(reginfo.OpCompareMem)), p.ap.trap(0x10c, risuop(reginfo.OpCompareMem)))
	if mv != wire.Mismatch || av != wire.Mismatch {
		t.Fatalf("expected mismatch, got %v/%v", mv, av)
	}

	out, failed := p.report()
	if !failed {
		t.Error("report should fail")
	}
	if k := p.master.MismatchKind(); k != "memory" {
		t.Errorf("unexpected mismatch kind: %q", k)
	}
	if !strings.Contains(out, "mismatch on memory!") || strings.Contains(out, "mismatch on regs!") {
		t.Errorf("unexpected report:\n%s", out)
	}
	if !strings.Contains(out, fmt.Sprintf("[0x0123-0x0123]: %02x vs ee", data[0x123])) {
		t.Errorf("missing memory detail:\n%s", out)
	}
}

func TestCompareMemWithoutBlock(t *testing.T) {
	s := NewSession(Apprentice, reginfo.AArch64, apprenticeBase)
	ap := newPeer(apprenticeBase)

	_, err := s.Send(&fakeTransport{}, ap.trap(0, risuop(reginfo.OpCompareMem)))
	if !errors.Is(err, ErrNoMemBlock) {
		t.Errorf("expected missing memory block, got %v", err)
	}
}

type fakeTransport struct {
	packets   [][]byte
	reads     int
	responses []byte
	writes    int
}

func (f *fakeTransport) WritePacket(p []byte) (byte, error) {
	f.writes++
	return 0, nil
}

func (f *fakeTransport) ReadPacket(p []byte) error {
	if f.reads >= len(f.packets) {
		return io.ErrUnexpectedEOF
	}
	copy(p, f.packets[f.reads])
	f.reads++
	return nil
}

func (f *fakeTransport) Respond(code byte) error {
	f.responses = append(f.responses, code)
	return nil
}

func TestHeaderMismatchStopsReading(t *testing.T) {
	ap := newPeer(apprenticeBase)
	sender := NewSession(Apprentice, reginfo.AArch64, apprenticeBase)

	// Record what an apprentice at a different pc would send.
	rec := &recorder{}
	sender.Send(rec, ap.trap(0x1000, 0))
	if len(rec.packets) != 2 {
		t.Fatalf("expected header and payload, got %d packets", len(rec.packets))
	}

	mp := newPeer(masterBase)
	s := NewSession(Master, reginfo.AArch64, masterBase)
	ft := &fakeTransport{packets: rec.packets}

	v, err := s.RecvAndCompare(ft, ft, mp.trap(0x1004, 0))
	if err != nil {
		t.Fatal(err)
	}
	if v != wire.Mismatch {
		t.Errorf("expected mismatch, got %v", v)
	}
	if ft.reads != 1 {
		t.Errorf("payload must not be read after a header mismatch, %d reads", ft.reads)
	}
	if !bytes.Equal(ft.responses, []byte{byte(wire.Mismatch)}) {
		t.Errorf("unexpected responses: %v", ft.responses)
	}
}

func TestTruncatedPayload(t *testing.T) {
	ap, mp := newPeer(apprenticeBase), newPeer(masterBase)
	rec := &recorder{}
	NewSession(Apprentice, reginfo.AArch64, apprenticeBase).Send(rec, ap.trap(0x1000, 0))

	s := NewSession(Master, reginfo.AArch64, masterBase)
	ft := &fakeTransport{packets: rec.packets[:1]}
	v, err := s.RecvAndCompare(ft, ft, mp.trap(0x1000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if v != wire.Mismatch || !s.PacketMismatch() {
		t.Errorf("expected packet level mismatch, got %v", v)
	}
	if !bytes.Equal(ft.responses, []byte{byte(wire.Match), byte(wire.Mismatch)}) {
		t.Errorf("unexpected responses: %v", ft.responses)
	}

	ft = &fakeTransport{}
	if _, err := s.RecvAndCompare(ft, ft, mp.trap(0x1000, 0)); err == nil {
		t.Error("expected a header read error")
	}
}

func TestNoVerdictForMemBlockOps(t *testing.T) {
	for _, op := range []reginfo.Op{reginfo.OpSetMemBlock, reginfo.OpGetMemBlock} {
		ap, mp := newPeer(apprenticeBase), newPeer(masterBase)

		rec := &recorder{}
		if _, err := NewSession(Apprentice, reginfo.AArch64, apprenticeBase).Send(rec, ap.trap(0, risuop(op))); err != nil {
			t.Fatal(err)
		}
		if len(rec.packets) != 1 {
			t.Errorf("%v: sender should only send the header, sent %d packets", op, len(rec.packets))
		}

		ft := &fakeTransport{packets: rec.packets}
		if _, err := NewSession(Master, reginfo.AArch64, masterBase).RecvAndCompare(ft, ft, mp.trap(0, risuop(op))); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(ft.responses, []byte{byte(wire.Match)}) {
			t.Errorf("%v: only the header should be acknowledged, got %v", op, ft.responses)
		}
	}
}

type recorder struct {
	packets [][]byte
}

func (r *recorder) WritePacket(p []byte) (byte, error) {
	r.packets = append(r.packets, append([]byte(nil), p...))
	return 0, nil
}

type shortConn struct {
	io.Reader
}

func (shortConn) Write(p []byte) (int, error) {
	return len(p) / 2, io.ErrShortWrite
}

func (shortConn) Close() error { return nil }

func TestShortWriteTerminates(t *testing.T) {
	type fatal struct{}

	resp := bytes.NewReader([]byte{0, 0})
	ch := comm.NewChannel(shortConn{resp})
	ch.Fatal = func(v ...interface{}) { panic(fatal{}) }

	ap := newPeer(apprenticeBase)
	s := NewSession(Apprentice, reginfo.AArch64, apprenticeBase)

	defer func() {
		if _, ok := recover().(fatal); !ok {
			t.Fatal("expected fatal termination")
		}
		if resp.Len() != 2 {
			t.Error("no verdict should have been read")
		}
	}()
	s.Send(ch, ap.trap(0x1000, 0))
}
