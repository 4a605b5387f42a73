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

// Package trace records the sender side of a run to a compressed file and
// replays it to a responder later, without a live peer.
package trace

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ErrReplay is returned when the trace ends before the responder does.
var ErrReplay = errors.New("trace exhausted")

// Writer stores every packet written to it. There is no peer, so every
// packet is acknowledged with a zero response.
type Writer struct {
	Packets int

	file   afero.File
	writer *gzip.Writer
}

func Create(fs afero.Fs, name string) (*Writer, error) {
	fp, err := fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &Writer{file: fp, writer: gzip.NewWriter(fp)}, nil
}

func (w *Writer) WritePacket(p []byte) (byte, error) {
	if _, err := w.writer.Write(p); err != nil {
		return 0, fmt.Errorf("trace write failed: %w", err)
	}
	w.Packets++
	return 0, nil
}

func (w *Writer) Close() error {
	err := w.writer.Close()
	if e := w.file.Close(); err == nil {
		err = e
	}
	return err
}

// Reader hands out the recorded packets in order. Responses are dropped.
type Reader struct {
	Packets int

	file   afero.File
	reader *gzip.Reader
}

func Open(fs afero.Fs, name string) (*Reader, error) {
	fp, err := fs.Open(name)
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(fp)
	if err != nil {
		fp.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Reader{file: fp, reader: zr}, nil
}

func (r *Reader) ReadPacket(p []byte) error {
	if _, err := io.ReadFull(r.reader, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w after %d packets", ErrReplay, r.Packets)
		}
		return fmt.Errorf("trace read failed: %w", err)
	}
	r.Packets++
	return nil
}

func (r *Reader) Respond(code byte) error { return nil }

func (r *Reader) Close() error {
	err := r.reader.Close()
	if e := r.file.Close(); err == nil {
		err = e
	}
	return err
}
