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

package router

import (
	"errors"
	"sync"
	"time"

	"github.com/muddlenet/muddle/identity"
	"github.com/muddlenet/muddle/internal/metrics"
	"github.com/muddlenet/muddle/packet"
)

// ErrTimeout is returned by Promise.Await when no reply arrives before
// the configured deadline.
var ErrTimeout = errors.New("router: exchange timed out")

type promiseKey struct {
	peer    identity.Address
	service uint16
	channel uint16
	counter uint32
}

// Promise is the caller-visible handle to an outstanding Exchange
// request. Exactly one of fulfill or fail ever runs for a given Promise.
type Promise struct {
	done      chan struct{}
	once      sync.Once
	result    []byte
	err       error
	timer     *time.Timer
	startedAt time.Time
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{}), startedAt: time.Now()}
}

func (p *Promise) fulfill(payload []byte) {
	p.once.Do(func() {
		p.result = payload
		close(p.done)
		metrics.ExchangeDuration.WithLabelValues("fulfilled").Observe(time.Since(p.startedAt).Seconds())
	})
}

func (p *Promise) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
		outcome := "timeout"
		if errors.Is(err, ErrShuttingDown) {
			outcome = "shutdown"
		}
		metrics.ExchangeDuration.WithLabelValues(outcome).Observe(time.Since(p.startedAt).Seconds())
	})
}

// Await blocks the calling goroutine (not any Muddle-internal thread)
// until the promise resolves or its timeout elapses.
func (p *Promise) Await() ([]byte, error) {
	<-p.done
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.result, p.err
}

// Exchange sends an Exchange request to target and returns a Promise the
// caller awaits; the promise fails with ErrTimeout if no reply arrives
// within timeout, and the slot is reclaimed so a late reply is dropped.
func (r *Router) Exchange(target identity.Address, service, channel uint16, payload []byte, timeout time.Duration) (*Promise, error) {
	counter := r.nextCounter(service, channel)
	p := packet.New(service, channel, r.own, payload)
	p.Target = target
	p.NetworkID = r.networkID
	// Only the reply carries FlagExchange; the request is delivered to
	// the RPC dispatcher as an ordinary direct packet on a tuple that
	// happens to have a handler registered (see Router.deliverLocal).
	p.Flags |= packet.FlagDirect
	p.MessageNumber = counter
	p.Sign(r.kp)

	key := promiseKey{peer: target, service: service, channel: channel, counter: counter}
	prom := newPromise()

	r.promiseMu.Lock()
	r.promises[key] = prom
	r.promiseMu.Unlock()

	prom.timer = time.AfterFunc(timeout, func() {
		r.promiseMu.Lock()
		if _, ok := r.promises[key]; ok {
			delete(r.promises, key)
			r.promiseMu.Unlock()
			prom.fail(ErrTimeout)
			return
		}
		r.promiseMu.Unlock()
	})

	if err := r.sendPacket(target, p); err != nil {
		r.promiseMu.Lock()
		delete(r.promises, key)
		r.promiseMu.Unlock()
		prom.timer.Stop()
		return nil, err
	}
	return prom, nil
}

func (r *Router) resolvePromise(p *packet.Packet) {
	key := promiseKey{peer: p.Sender, service: p.Service, channel: p.Channel, counter: p.MessageNumber}

	r.promiseMu.Lock()
	prom, ok := r.promises[key]
	if ok {
		delete(r.promises, key)
	}
	r.promiseMu.Unlock()

	if !ok {
		r.log.Debug("dropping exchange reply with no matching promise")
		return
	}
	prom.fulfill(p.Payload)
}
