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

// Package feed delivers recorded trap events to a comparison session.
//
// A feed is a stream of JSON values, optionally gzip compressed. The first
// value is a header naming the architecture, the image base and the initial
// memory contents. Every following value is one trap event: the register
// context at the faulting instruction and any memory written since the last
// event. Fields missing from an event keep their previous value.
//
//	{"arch":"aarch64","image_base":4194304,"memory":[{"addr":4194304,"data":"8FoAAA=="}]}
//	{"context":{"pc":4194304,"regs":[1,2,3]}}
package feed

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/andreas-jonsson/risu/memory"
	"github.com/andreas-jonsson/risu/reginfo"
	"github.com/andreas-jonsson/risu/wire"
	"github.com/spf13/afero"
)

var (
	ErrNoHeader  = errors.New("missing feed header")
	ErrNoTestEnd = errors.New("feed ended before the end of the test")
)

type Segment struct {
	Addr uint64 `json:"addr"`
	Data []byte `json:"data"`
}

type Header struct {
	Arch      string    `json:"arch"`
	ImageBase uint64    `json:"image_base"`
	Memory    []Segment `json:"memory,omitempty"`
}

type Event struct {
	Context json.RawMessage `json:"context"`
	Memory  []Segment       `json:"memory,omitempty"`
}

type Feed struct {
	Arch      reginfo.Arch
	ImageBase uint64
	Memory    *memory.Sparse
	Context   reginfo.Context

	// Events is the number of events delivered so far.
	Events int

	dec    *json.Decoder
	closer io.Closer
}

// Handler processes one trap event and returns the verdict for it.
type Handler func(uc reginfo.Context) (wire.Verdict, error)

func Open(fs afero.Fs, name string) (*Feed, error) {
	fp, err := fs.Open(name)
	if err != nil {
		return nil, err
	}

	f, err := NewFeed(fp)
	if err != nil {
		fp.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.closer = fp
	return f, nil
}

// NewFeed reads the header from r. Compressed input is detected from the
// gzip magic.
func NewFeed(r io.Reader) (*Feed, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		r = zr
	} else {
		r = br
	}

	f := &Feed{dec: json.NewDecoder(r), Memory: memory.NewSparse()}

	var hdr Header
	if err := f.dec.Decode(&hdr); err != nil {
		if err == io.EOF {
			return nil, ErrNoHeader
		}
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if hdr.Arch == "" {
		return nil, ErrNoHeader
	}

	arch, err := reginfo.ParseArch(hdr.Arch)
	if err != nil {
		return nil, err
	}

	f.Arch = arch
	f.ImageBase = hdr.ImageBase
	f.Context = arch.NewContext(f.Memory)
	if err := f.load(hdr.Memory); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Feed) load(segs []Segment) error {
	for _, s := range segs {
		if _, err := f.Memory.WriteAt(s.Data, int64(s.Addr)); err != nil {
			return fmt.Errorf("could not load memory at 0x%x: %w", s.Addr, err)
		}
	}
	return nil
}

// Next applies the next event to the context and returns it. It returns
// io.EOF when the feed is exhausted.
func (f *Feed) Next() (reginfo.Context, error) {
	var ev Event
	if err := f.dec.Decode(&ev); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("invalid event %d: %w", f.Events, err)
	}

	if len(ev.Context) > 0 {
		if err := json.Unmarshal(ev.Context, f.Context); err != nil {
			return nil, fmt.Errorf("invalid context in event %d: %w", f.Events, err)
		}
	}
	if err := f.load(ev.Memory); err != nil {
		return nil, err
	}

	f.Events++
	return f.Context, nil
}

// Run hands every event to handle, the way a trap handler would, until the
// test ends or the two sides diverge. Execution continues past the trapping
// instruction after every match.
func (f *Feed) Run(handle Handler) (wire.Verdict, error) {
	for {
		uc, err := f.Next()
		if err == io.EOF {
			return wire.Mismatch, ErrNoTestEnd
		} else if err != nil {
			return wire.Mismatch, err
		}

		v, err := handle(uc)
		if err != nil {
			return v, err
		}
		if v != wire.Match {
			return v, nil
		}
		if err := uc.AdvancePC(); err != nil {
			return wire.Mismatch, err
		}
	}
}

func (f *Feed) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
