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
	"fmt"
	"io"

	"github.com/andreas-jonsson/risu/memory"
	"github.com/andreas-jonsson/risu/reginfo"
)

const memDumpWidth = 16

// Report prints the status of the last comparison and returns true if the
// run failed. It is called once the run is over, outside the trap handler.
func (s *Session) Report(w io.Writer) bool {
	fmt.Fprintln(w, "match status...")

	if s.packetMismatch {
		fmt.Fprintln(w, "packet mismatch (probably disagreement about UNDEF on load/store)")

		// Nothing received from the peer can be trusted.
		fmt.Fprintf(w, "%v reginfo:\n", s.Role)
		reginfo.Dump(w, s.local)
		return true
	}

	regsMismatch, memMismatch := s.mismatches()

	if regsMismatch {
		fmt.Fprintln(w, "mismatch on regs!")
	}
	if memMismatch {
		fmt.Fprintln(w, "mismatch on memory!")
	}
	if !regsMismatch && !memMismatch {
		fmt.Fprintln(w, "match!")
		return false
	}

	if regsMismatch {
		fmt.Fprintln(w, "master reginfo:")
		reginfo.Dump(w, s.Master())
		fmt.Fprintln(w, "apprentice reginfo:")
		reginfo.Dump(w, s.Apprentice())
		reginfo.DumpMismatch(w, s.Master(), s.Apprentice())
	} else {
		fmt.Fprintf(w, "%v reginfo:\n", s.Role)
		reginfo.Dump(w, s.local)
	}

	if memMismatch {
		master, apprentice := &s.localMem, &s.remoteMem
		if s.Role == Apprentice {
			master, apprentice = apprentice, master
		}
		dumpMemMismatch(w, s.memBlock, master, apprentice)
	}
	return true
}

func (s *Session) mismatches() (regs, mem bool) {
	return s.remoteValid && !s.local.Equal(s.remote), s.memUsed && s.localMem != s.remoteMem
}

// MismatchKind names what diverged in the run, or returns an empty string
// if nothing did.
func (s *Session) MismatchKind() string {
	if s.packetMismatch {
		return "packet"
	}
	switch regs, mem := s.mismatches(); {
	case regs && mem:
		return "regs+memory"
	case regs:
		return "regs"
	case mem:
		return "memory"
	}
	return ""
}

func dumpMemMismatch(w io.Writer, base memory.Pointer, master, apprentice *memory.Block) {
	fmt.Fprintf(w, "memory mismatch detail at %v (master : apprentice):\n", base)
	for _, r := range master.Diff(apprentice) {
		for off := r.Offset; off < r.Offset+r.Len; off += memDumpWidth {
			end := off + memDumpWidth
			if stop := r.Offset + r.Len; end > stop {
				end = stop
			}
			fmt.Fprintf(w, "  [0x%04x-0x%04x]: % x vs % x\n", off, end-1, master[off:end], apprentice[off:end])
		}
	}
}
