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

// Package comm implements the point-to-point channel between the master and
// the apprentice. Packets have a fixed length known to both sides and are
// exchanged in strict lockstep, so there is no framing. Any transport failure
// is fatal.
package comm

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
)

const DefaultPort = 9191

var (
	ErrZeroWrite = errors.New("zero length write")
	ErrZeroRead  = errors.New("zero length read")
)

// Fatal is called on setup and transport errors. It is expected not to return.
var Fatal = log.Fatal

// PacketWriter sends a packet and returns the response byte of the peer.
type PacketWriter interface {
	WritePacket(p []byte) (byte, error)
}

// PacketReader fills p with exactly one packet.
type PacketReader interface {
	ReadPacket(p []byte) error
}

type Responder interface {
	Respond(code byte) error
}

type Channel struct {
	conn  io.ReadWriteCloser
	Fatal func(v ...interface{})
}

func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{conn: conn, Fatal: Fatal}
}

// ConnectMaster listens on all addresses and blocks until one apprentice
// has connected. The Go runtime enables SO_REUSEADDR on listening sockets.
func ConnectMaster(port int) *Channel {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		Fatal("listen: ", err)
		return nil
	}
	log.Printf("master: waiting for connection on port %d...", port)
	return Accept(l)
}

// Accept takes exactly one connection from l and closes it.
func Accept(l net.Listener) *Channel {
	conn, err := l.Accept()
	l.Close()
	if err != nil {
		Fatal("accept: ", err)
		return nil
	}
	return NewChannel(conn)
}

func ConnectApprentice(host string, port int) *Channel {
	addrs, err := net.LookupHost(host)
	if err != nil {
		Fatal("unknown host ", host, ": ", err)
		return nil
	}
	if len(addrs) == 0 {
		Fatal("unknown host ", host)
		return nil
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(addrs[0], strconv.Itoa(port)))
	if err != nil {
		Fatal("connect: ", err)
		return nil
	}
	return NewChannel(conn)
}

func (c *Channel) fail(op string, err error) error {
	err = fmt.Errorf("%s failed: %w", op, err)
	c.Fatal(err)
	return err
}

// WritePacket writes all of p and then blocks for the single response byte.
func (c *Channel) WritePacket(p []byte) (byte, error) {
	for len(p) > 0 {
		n, err := c.conn.Write(p)
		if err != nil {
			return 0, c.fail("write", err)
		}
		if n <= 0 {
			return 0, c.fail("write", ErrZeroWrite)
		}
		p = p[n:]
	}

	var resp [1]byte
	if err := c.ReadPacket(resp[:]); err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (c *Channel) ReadPacket(p []byte) error {
	for len(p) > 0 {
		n, err := c.conn.Read(p)
		if n > 0 {
			p = p[n:]
			continue
		}
		if err == nil {
			err = ErrZeroRead
		}
		return c.fail("read", err)
	}
	return nil
}

func (c *Channel) Respond(code byte) error {
	n, err := c.conn.Write([]byte{code})
	if err == nil && n != 1 {
		err = ErrZeroWrite
	}
	if err != nil {
		return c.fail("write", err)
	}
	return nil
}

func (c *Channel) Close() error {
	return c.conn.Close()
}
