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

import "encoding/binary"

// codec walks the fields of a snapshot in wire order. With a nil buffer it
// only measures.
type codec struct {
	b      []byte
	off    int
	decode bool
}

func (c *codec) u32(v *uint32) {
	if c.b != nil {
		if c.decode {
			*v = binary.LittleEndian.Uint32(c.b[c.off:])
		} else {
			binary.LittleEndian.PutUint32(c.b[c.off:], *v)
		}
	}
	c.off += 4
}

func (c *codec) u64(v *uint64) {
	if c.b != nil {
		if c.decode {
			*v = binary.LittleEndian.Uint64(c.b[c.off:])
		} else {
			binary.LittleEndian.PutUint64(c.b[c.off:], *v)
		}
	}
	c.off += 8
}

func (c *codec) u32s(v []uint32) {
	for i := range v {
		c.u32(&v[i])
	}
}

func (c *codec) u64s(v []uint64) {
	for i := range v {
		c.u64(&v[i])
	}
}

func (c *codec) u128s(v [][2]uint64) {
	for i := range v {
		c.u64(&v[i][0])
		c.u64(&v[i][1])
	}
}

func (c *codec) pad(n int) {
	if c.b != nil && !c.decode {
		for i := 0; i < n; i++ {
			c.b[c.off+i] = 0
		}
	}
	c.off += n
}

func measure(visit func(*codec)) int {
	var c codec
	visit(&c)
	return c.off
}

func encode(b []byte, size int, visit func(*codec)) error {
	if len(b) < size {
		return ErrShortBuffer
	}
	visit(&codec{b: b})
	return nil
}

func decode(b []byte, size int, visit func(*codec)) error {
	if len(b) < size {
		return ErrShortBuffer
	}
	visit(&codec{b: b, decode: true})
	return nil
}
