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

// Package wire defines the packets exchanged by the comparison protocol as
// gopacket layers, together with a pcap recorder for whole sessions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	LayerTypeTraceHeader32 = gopacket.RegisterLayerType(2400, gopacket.LayerTypeMetadata{Name: "TraceHeader32", Decoder: gopacket.DecodeFunc(decodeTraceHeader32)})
	LayerTypeTraceHeader64 = gopacket.RegisterLayerType(2401, gopacket.LayerTypeMetadata{Name: "TraceHeader64", Decoder: gopacket.DecodeFunc(decodeTraceHeader64)})
	LayerTypeResponse      = gopacket.RegisterLayerType(2402, gopacket.LayerTypeMetadata{Name: "Response", Decoder: gopacket.DecodeFunc(decodeResponse)})
	LayerTypeFrame         = gopacket.RegisterLayerType(2403, gopacket.LayerTypeMetadata{Name: "Frame", Decoder: gopacket.DecodeFunc(decodeFrame)})
)

var ErrTruncated = errors.New("truncated packet")

type Verdict byte

const (
	Match Verdict = iota
	EndOfTest
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case EndOfTest:
		return "end of test"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("Verdict(%d)", byte(v))
	}
}

// HeaderSize returns the size of a trace header on the wire. The op code
// follows the program counter and the header is padded to pointer alignment.
func HeaderSize(pointerSize int) int {
	if pointerSize == 4 {
		return 8
	}
	return 16
}

// TraceHeader is sent ahead of every payload so both sides can detect
// divergence before trusting any register data.
type TraceHeader struct {
	layers.BaseLayer

	PC   uint64
	Op   int32
	Wide bool
}

func (h *TraceHeader) size() int {
	if h.Wide {
		return HeaderSize(8)
	}
	return HeaderSize(4)
}

func (h *TraceHeader) LayerType() gopacket.LayerType {
	if h.Wide {
		return LayerTypeTraceHeader64
	}
	return LayerTypeTraceHeader32
}

func (h *TraceHeader) CanDecode() gopacket.LayerClass {
	return h.LayerType()
}

func (h *TraceHeader) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func (h *TraceHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	n := h.size()
	buf, err := b.PrependBytes(n)
	if err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}
	if h.Wide {
		binary.LittleEndian.PutUint64(buf, h.PC)
		binary.LittleEndian.PutUint32(buf[8:], uint32(h.Op))
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(h.PC))
		binary.LittleEndian.PutUint32(buf[4:], uint32(h.Op))
	}
	return nil
}

func (h *TraceHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	n := h.size()
	if len(data) < n {
		df.SetTruncated()
		return fmt.Errorf("%w: trace header of %d bytes", ErrTruncated, len(data))
	}

	if h.Wide {
		h.PC = binary.LittleEndian.Uint64(data)
		h.Op = int32(binary.LittleEndian.Uint32(data[8:]))
	} else {
		h.PC = uint64(binary.LittleEndian.Uint32(data))
		h.Op = int32(binary.LittleEndian.Uint32(data[4:]))
	}
	h.BaseLayer = layers.BaseLayer{Contents: data[:n], Payload: data[n:]}
	return nil
}

func decodeTraceHeader(wide bool, data []byte, p gopacket.PacketBuilder) error {
	h := &TraceHeader{Wide: wide}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(h.NextLayerType())
}

func decodeTraceHeader32(data []byte, p gopacket.PacketBuilder) error {
	return decodeTraceHeader(false, data, p)
}

func decodeTraceHeader64(data []byte, p gopacket.PacketBuilder) error {
	return decodeTraceHeader(true, data, p)
}

// Response is the single byte a responder sends back to the sender.
type Response struct {
	layers.BaseLayer
	Verdict Verdict
}

func (r *Response) LayerType() gopacket.LayerType     { return LayerTypeResponse }
func (r *Response) CanDecode() gopacket.LayerClass    { return LayerTypeResponse }
func (r *Response) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

func (r *Response) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(1)
	if err != nil {
		return err
	}
	buf[0] = byte(r.Verdict)
	return nil
}

func (r *Response) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 1 {
		df.SetTruncated()
		return fmt.Errorf("%w: empty response", ErrTruncated)
	}
	r.Verdict = Verdict(data[0])
	r.BaseLayer = layers.BaseLayer{Contents: data[:1], Payload: data[1:]}
	return nil
}

func decodeResponse(data []byte, p gopacket.PacketBuilder) error {
	r := &Response{}
	if err := r.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(r)
	return nil
}
