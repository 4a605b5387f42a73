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

package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
)

// BlockLen is the size of the scratch region shared by both sides of a run.
const BlockLen = 8192

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

var ErrUnmapped = errors.New("unmapped memory")

type Pointer uint64

func (p Pointer) String() string {
	return fmt.Sprintf("0x%X", uint64(p))
}

func (p Pointer) Add(offset uint64) Pointer {
	return p + Pointer(offset)
}

func (p Pointer) Page() Pointer {
	return p &^ pageMask
}

type Block [BlockLen]byte

type Range struct {
	Offset, Len int
}

// Diff returns the runs of bytes that differ between the two blocks.
func (b *Block) Diff(o *Block) []Range {
	var (
		ranges []Range
		start  = -1
	)
	for i := range b {
		if b[i] != o[i] {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			ranges = append(ranges, Range{start, i - start})
			start = -1
		}
	}
	if start >= 0 {
		ranges = append(ranges, Range{start, BlockLen - start})
	}
	return ranges
}

func ReadBlock(r io.ReaderAt, addr Pointer, b *Block) error {
	_, err := r.ReadAt(b[:], int64(addr))
	return err
}

func ReadUint16(r io.ReaderAt, addr Pointer) (uint16, error) {
	var buf [2]byte
	if _, err := r.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func ReadUint32(r io.ReaderAt, addr Pointer) (uint32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Sparse is a paged model of a process address space. Only pages that have
// been written are mapped.
type Sparse struct {
	pages map[Pointer]*[pageSize]byte
	Quiet bool
}

func NewSparse() *Sparse {
	return &Sparse{pages: make(map[Pointer]*[pageSize]byte)}
}

func (m *Sparse) ReadAt(p []byte, off int64) (int, error) {
	addr := Pointer(off)
	for n := 0; n < len(p); {
		page, ok := m.pages[addr.Page()]
		if !ok {
			if !m.Quiet {
				log.Printf("reading unmapped memory: %v", addr)
			}
			return n, fmt.Errorf("%w: %v", ErrUnmapped, addr)
		}
		c := copy(p[n:], page[addr&pageMask:])
		n += c
		addr += Pointer(c)
	}
	return len(p), nil
}

func (m *Sparse) WriteAt(p []byte, off int64) (int, error) {
	addr := Pointer(off)
	for n := 0; n < len(p); {
		page, ok := m.pages[addr.Page()]
		if !ok {
			page = new([pageSize]byte)
			m.pages[addr.Page()] = page
		}
		c := copy(page[addr&pageMask:], p[n:])
		n += c
		addr += Pointer(c)
	}
	return len(p), nil
}

func (m *Sparse) Mapped(addr Pointer) bool {
	_, ok := m.pages[addr.Page()]
	return ok
}
