// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package conn implements a framed, duplex byte stream over TCP: the
// Connection contract of spec.md section 4.2. Connections handle only
// framing and transport; routing policy lives above them in the router
// and peer tracker.
package conn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muddlenet/muddle/internal/logger"
	"github.com/muddlenet/muddle/packet"
)

// MaxFrameSize bounds a single length-prefixed frame on the wire.
const MaxFrameSize = packet.HeaderSize + packet.MaxPayloadSize + packet.SignatureSize

// Errors returned by Conn operations.
var (
	ErrOverloaded = errors.New("conn: write queue full")
	ErrClosed     = errors.New("conn: connection closed")
)

// PacketHandler is invoked once per frame, in arrival order.
type PacketHandler func(p *packet.Packet)

// CloseHandler is invoked exactly once when a connection closes, with the
// reason (nil when the connection was closed locally, by Close or after
// a failed write).
type CloseHandler func(reason error)

// DefaultHighWaterMark is the default number of queued outbound frames
// before Send starts failing with ErrOverloaded.
const DefaultHighWaterMark = 256

// Conn is a single duplex, length-prefixed frame channel backed by TCP.
type Conn struct {
	netConn   net.Conn
	direction Direction
	log       *logger.StructuredLogger

	stateMu sync.RWMutex
	state   State

	remoteAddr atomic.Value // string, set once known

	writeCh   chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	highWaterMark int
}

// Option configures a Conn at construction time.
type Option func(*Conn)

// WithHighWaterMark overrides the default outbound queue depth.
func WithHighWaterMark(n int) Option {
	return func(c *Conn) { c.highWaterMark = n }
}

// WithLogger attaches a logger used for transport-level diagnostics.
func WithLogger(l *logger.StructuredLogger) Option {
	return func(c *Conn) { c.log = l }
}

// New wraps an already-established net.Conn (the result of a successful
// dial or accept). The caller drives the state machine: state starts at
// Connecting and must be advanced to Connected once the direct-message
// handshake of spec.md section 4.7 completes.
func New(netConn net.Conn, direction Direction, opts ...Option) *Conn {
	c := &Conn{
		netConn:       netConn,
		direction:     direction,
		state:         Connecting,
		writeCh:       make(chan []byte, DefaultHighWaterMark),
		closed:        make(chan struct{}),
		highWaterMark: DefaultHighWaterMark,
		log:           logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.highWaterMark != DefaultHighWaterMark {
		c.writeCh = make(chan []byte, c.highWaterMark)
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// SetState transitions the connection to a new state. It is the caller's
// (directmsg/register) responsibility to only request valid transitions.
func (c *Conn) SetState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
}

// Direction reports which side initiated the connection.
func (c *Conn) Direction() Direction { return c.direction }

// RemoteAddr returns the network-level peer address string (not the
// Muddle node Address, which is only known once the handshake completes).
func (c *Conn) RemoteAddr() string {
	if c.netConn == nil {
		return ""
	}
	return c.netConn.RemoteAddr().String()
}

// Run starts the read and write loops. It blocks until the connection
// closes, then invokes onClose exactly once with the closing reason.
func (c *Conn) Run(onPacket PacketHandler, onClose CloseHandler) {
	var readErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		readErr = c.readLoop(onPacket)
		c.Close()
	}()

	c.writeLoop()
	c.Close()
	<-done

	if onClose != nil {
		if errors.Is(readErr, net.ErrClosed) {
			readErr = nil
		}
		onClose(readErr)
	}
}

// Send enqueues a packet for write. It is non-blocking: if the write
// queue is at its high-water-mark, it fails immediately with
// ErrOverloaded rather than blocking the caller.
func (c *Conn) Send(p *packet.Packet) error {
	if c.State() == Closed {
		return ErrClosed
	}
	encoded, err := p.Encode()
	if err != nil {
		return fmt.Errorf("conn: encode packet: %w", err)
	}
	frame := make([]byte, 4+len(encoded))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(encoded)))
	copy(frame[4:], encoded)

	select {
	case c.writeCh <- frame:
		return nil
	default:
		return ErrOverloaded
	}
}

// Close idempotently shuts the connection down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.netConn.Close()
		c.SetState(Closed)
	})
	return nil
}

func (c *Conn) readLoop(onPacket PacketHandler) error {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.netConn, lenBuf); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > MaxFrameSize {
			return fmt.Errorf("conn: frame of %d bytes exceeds maximum", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.netConn, frame); err != nil {
			return err
		}
		p, err := packet.Decode(frame)
		if err != nil {
			c.log.Warn("dropping malformed frame", logger.String("remote", c.RemoteAddr()), logger.Error(err))
			continue
		}
		if onPacket != nil {
			onPacket(p)
		}
	}
}

// writeLoop drains the outbound queue, coalescing any frames already
// buffered behind the one it is about to send into a single Write.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			batch := frame
			draining := true
			for draining {
				select {
				case more, ok := <-c.writeCh:
					if !ok {
						draining = false
						break
					}
					batch = append(batch, more...)
				default:
					draining = false
				}
			}
			if _, err := c.netConn.Write(batch); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// DialTimeout opens a new outgoing TCP connection with a bounded dial
// time, returning a Conn in the Connecting state.
func DialTimeout(addr string, timeout time.Duration, opts ...Option) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return New(nc, Outgoing, opts...), nil
}
