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

package directmsg

import (
	"sync/atomic"
	"time"

	"github.com/muddlenet/muddle/conn"
	"github.com/muddlenet/muddle/identity"
)

// MaxMissedPings is the number of consecutive missed pings that closes
// the link, per spec.md section 4.7.
const MaxMissedPings = 3

// Keepalive periodically pings a connected peer and closes the link if
// it misses MaxMissedPings in a row.
type Keepalive struct {
	c      *conn.Conn
	demux  *Demux
	kp     *identity.KeyPair
	peer   identity.Address
	onFail func(identity.Address)

	missed int32
	stop   chan struct{}
}

// NewKeepalive starts a keepalive loop over c at the given interval.
// onFail is invoked once, from the keepalive goroutine, after the link
// is closed for missing too many pings.
func NewKeepalive(c *conn.Conn, demux *Demux, kp *identity.KeyPair, peer identity.Address, interval time.Duration, onFail func(identity.Address)) *Keepalive {
	k := &Keepalive{c: c, demux: demux, kp: kp, peer: peer, onFail: onFail, stop: make(chan struct{})}
	go k.drainPings()
	go k.run(interval)
	return k
}

func (k *Keepalive) drainPings() {
	for {
		select {
		case <-k.demux.pingCh:
			atomic.StoreInt32(&k.missed, 0)
		case <-k.stop:
			return
		}
	}
}

func (k *Keepalive) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if atomic.AddInt32(&k.missed, 1) > MaxMissedPings {
				k.c.Close()
				if k.onFail != nil {
					k.onFail(k.peer)
				}
				return
			}
			p, err := encodeControl(ServiceHandshake, ChannelPing, k.kp.Address(), struct{}{}, k.kp)
			if err == nil {
				k.c.Send(p)
			}
		case <-k.stop:
			return
		}
	}
}

// Stop halts the keepalive goroutines without closing the connection.
func (k *Keepalive) Stop() {
	close(k.stop)
}
