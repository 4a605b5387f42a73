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

package wire

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/andreas-jonsson/risu/comm"
	"github.com/andreas-jonsson/risu/memory"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/afero"
)

// LinkTypeUser0 is the private pcap link type used for session captures.
const LinkTypeUser0 layers.LinkType = 147

const frameLen = 4

type Direction uint8

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	if d == Sent {
		return "->"
	}
	return "<-"
}

type Kind uint8

const (
	KindHeader Kind = iota
	KindRegInfo
	KindMemBlock
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindRegInfo:
		return "reginfo"
	case KindMemBlock:
		return "memblock"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Frame prefixes every packet in a capture file. It never goes on the wire.
type Frame struct {
	layers.BaseLayer

	Direction   Direction
	Kind        Kind
	PointerSize uint8
	Arch        uint8
}

func (f *Frame) LayerType() gopacket.LayerType  { return LayerTypeFrame }
func (f *Frame) CanDecode() gopacket.LayerClass { return LayerTypeFrame }

func (f *Frame) NextLayerType() gopacket.LayerType {
	switch f.Kind {
	case KindHeader:
		if f.PointerSize == 4 {
			return LayerTypeTraceHeader32
		}
		return LayerTypeTraceHeader64
	case KindResponse:
		return LayerTypeResponse
	default:
		return gopacket.LayerTypePayload
	}
}

func (f *Frame) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(frameLen)
	if err != nil {
		return err
	}
	buf[0], buf[1], buf[2], buf[3] = byte(f.Direction), byte(f.Kind), f.PointerSize, f.Arch
	return nil
}

func (f *Frame) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < frameLen {
		df.SetTruncated()
		return fmt.Errorf("%w: frame of %d bytes", ErrTruncated, len(data))
	}
	f.Direction, f.Kind, f.PointerSize, f.Arch = Direction(data[0]), Kind(data[1]), data[2], data[3]
	f.BaseLayer = layers.BaseLayer{Contents: data[:frameLen], Payload: data[frameLen:]}
	return nil
}

func decodeFrame(data []byte, p gopacket.PacketBuilder) error {
	f := &Frame{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

// Capture records every packet of a session into a pcap file.
type Capture struct {
	file        afero.File
	w           *pcapgo.Writer
	buf         gopacket.SerializeBuffer
	pointerSize uint8
	arch        uint8
	headerSize  int
	now         func() time.Time
}

func NewCapture(fs afero.Fs, name string, arch uint8, pointerSize int) (*Capture, error) {
	fp, err := fs.Create(name)
	if err != nil {
		return nil, err
	}

	w := pcapgo.NewWriter(fp)
	if err := w.WriteFileHeader(memory.BlockLen+64, LinkTypeUser0); err != nil {
		fp.Close()
		return nil, err
	}

	return &Capture{
		file:        fp,
		w:           w,
		buf:         gopacket.NewSerializeBuffer(),
		pointerSize: uint8(pointerSize),
		arch:        arch,
		headerSize:  HeaderSize(pointerSize),
		now:         time.Now,
	}, nil
}

// kind classifies a protocol packet by its length. Register snapshots never
// have the size of a header or of the scratch region.
func (c *Capture) kind(n int) Kind {
	switch n {
	case 1:
		return KindResponse
	case c.headerSize:
		return KindHeader
	case memory.BlockLen:
		return KindMemBlock
	default:
		return KindRegInfo
	}
}

func (c *Capture) Record(dir Direction, p []byte) error {
	f := &Frame{Direction: dir, Kind: c.kind(len(p)), PointerSize: c.pointerSize, Arch: c.arch}
	if err := gopacket.SerializeLayers(c.buf, gopacket.SerializeOptions{}, f, gopacket.Payload(p)); err != nil {
		return err
	}

	data := c.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: c.now(), CaptureLength: len(data), Length: len(data)}
	return c.w.WritePacket(ci, data)
}

func (c *Capture) Close() error {
	return c.file.Close()
}

// Tap forwards packets to the wrapped transport and records them.
type Tap struct {
	Capture *Capture
	W       comm.PacketWriter
	R       comm.PacketReader
	Resp    comm.Responder
}

func (t *Tap) record(dir Direction, p []byte) {
	if err := t.Capture.Record(dir, p); err != nil {
		log.Print("capture failed: ", err)
	}
}

func (t *Tap) WritePacket(p []byte) (byte, error) {
	t.record(Sent, p)
	resp, err := t.W.WritePacket(p)
	if err == nil {
		t.record(Received, []byte{resp})
	}
	return resp, err
}

func (t *Tap) ReadPacket(p []byte) error {
	err := t.R.ReadPacket(p)
	if err == nil {
		t.record(Received, p)
	}
	return err
}

func (t *Tap) Respond(code byte) error {
	t.record(Sent, []byte{code})
	return t.Resp.Respond(code)
}

// ReadCapture decodes every packet of a capture file.
func ReadCapture(r io.Reader, fn func(ci gopacket.CaptureInfo, pkt gopacket.Packet) error) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return err
	}
	if lt := pr.LinkType(); lt != LinkTypeUser0 {
		return fmt.Errorf("unexpected link type: %v", lt)
	}

	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := fn(ci, gopacket.NewPacket(data, LayerTypeFrame, gopacket.Default)); err != nil {
			return err
		}
	}
}
