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

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/google/gopacket"
	"github.com/spf13/afero"
)

var (
	captureInput = "risu.pcap"
	showRegs     = false
)

func init() {
	flag.StringVar(&captureInput, "capture", captureInput, "Session capture file")
	flag.BoolVar(&showRegs, "regs", showRegs, "Dump register snapshots")
}

func describe(w io.Writer, pkt gopacket.Packet) error {
	frame, ok := pkt.Layer(wire.LayerTypeFrame).(*wire.Frame)
	if !ok {
		return fmt.Errorf("not a session frame: %v", pkt.ErrorLayer())
	}

	fmt.Fprintf(w, "%v %-8v ", frame.Direction, frame.Kind)
	switch frame.Kind {
	case wire.KindHeader:
		hl := pkt.Layer(wire.LayerTypeTraceHeader64)
		if frame.PointerSize == 4 {
			hl = pkt.Layer(wire.LayerTypeTraceHeader32)
		}
		h, ok := hl.(*wire.TraceHeader)
		if !ok {
			return fmt.Errorf("invalid header: %v", pkt.ErrorLayer())
		}
		fmt.Fprintf(w, "pc=0x%x op=%v\n", h.PC, reginfo.Op(h.Op))
	case wire.KindResponse:
		r, ok := pkt.Layer(wire.LayerTypeResponse).(*wire.Response)
		if !ok {
			return fmt.Errorf("invalid response: %v", pkt.ErrorLayer())
		}
		fmt.Fprintln(w, r.Verdict)
	case wire.KindRegInfo:
		data := frame.LayerPayload()
		fmt.Fprintf(w, "%d bytes\n", len(data))
		if !showRegs {
			return nil
		}

		arch := reginfo.Arch(frame.Arch)
		if int(arch) >= len(reginfo.Archs()) {
			return fmt.Errorf("unknown architecture: %d", frame.Arch)
		}
		ri := arch.NewInfo()
		if err := ri.Decode(data); err != nil {
			return err
		}
		return reginfo.Dump(w, ri)
	default:
		fmt.Fprintf(w, "%d bytes\n", len(frame.LayerPayload()))
	}
	return nil
}

func dump(w io.Writer, r io.Reader) error {
	var n int
	return wire.ReadCapture(r, func(ci gopacket.CaptureInfo, pkt gopacket.Packet) error {
		fmt.Fprintf(w, "%6d %s ", n, ci.Timestamp.Format("15:04:05.000000"))
		n++
		return describe(w, pkt)
	})
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	fp, err := afero.NewOsFs().Open(captureInput)
	if err != nil {
		log.Fatal(err)
	}
	defer fp.Close()

	if err := dump(os.Stdout, fp); err != nil {
		log.Fatal(err)
	}
}
