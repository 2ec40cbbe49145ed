// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pooltesting provides helper types that can be useful when
// testing the connection pool and custom socket factories, without
// opening real network connections.
package pooltesting

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/httppool/params"
)

// FakeConn is one end of an in-memory pipe, returned by a
// FakeSocketFactory. The other end is available as Peer, so tests can
// act as the server.
type FakeConn struct {
	net.Conn

	// Index is the sequence number of the connection, starting at 1.
	Index int
	// Addr is the address that was dialed.
	Addr string
	// Local is the local address requested by the caller, if any.
	Local net.Addr
	// Peer is the server end of the pipe.
	Peer net.Conn

	closed atomic.Bool
}

// Close closes both ends of the pipe.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	_ = c.Peer.Close()
	return c.Conn.Close()
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	return c.closed.Load()
}

// UpgradedConn is returned by FakeSocketFactory.Upgrade. It wraps the
// connection it was layered over.
type UpgradedConn struct {
	net.Conn

	Hostname string
}

// FakeSocketFactory is an implementation of the pool's layered socket
// factory that hands out in-memory pipes. It numbers the connections it
// creates in sequential order: the first has an Index of 1, the second 2,
// and so on.
//
// See NewFakeSocketFactory.
type FakeSocketFactory struct {
	// Dial can be set to a function that is invoked at the start of each
	// Connect. If it returns an error, Connect fails with that error. It
	// should be set immediately after the factory is created, before any
	// connections are made, to avoid races.
	Dial func(ctx context.Context, addr string) error // +checklocksignore: mu is not required, but happens to always be held.

	connsUpdate chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	conns []*FakeConn
	// +checklocks:mu
	upgrades int
}

// NewFakeSocketFactory constructs a new FakeSocketFactory.
func NewFakeSocketFactory() *FakeSocketFactory {
	return &FakeSocketFactory{
		connsUpdate: make(chan struct{}, 1),
	}
}

// Connect opens a new in-memory connection. Test code can asynchronously
// await a call to Connect using the AwaitConnUpdate method.
func (f *FakeSocketFactory) Connect(ctx context.Context, addr string, localAddr net.Addr, _ params.Values) (net.Conn, error) {
	if f.Dial != nil {
		if err := f.Dial(ctx, addr); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index++
	conn := &FakeConn{
		Conn:  client,
		Index: f.index,
		Addr:  addr,
		Local: localAddr,
		Peer:  server,
	}
	f.conns = append(f.conns, conn)
	select {
	case f.connsUpdate <- struct{}{}:
	default:
	}
	return conn, nil
}

// Upgrade wraps conn in an *UpgradedConn.
func (f *FakeSocketFactory) Upgrade(ctx context.Context, conn net.Conn, hostname string, _ params.Values) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.upgrades++
	f.mu.Unlock()
	return &UpgradedConn{Conn: conn, Hostname: hostname}, nil
}

// Conns returns a snapshot of all connections created so far, in order.
func (f *FakeSocketFactory) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

// OpenConns returns the number of created connections not yet closed.
func (f *FakeSocketFactory) OpenConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int
	for _, conn := range f.conns {
		if !conn.Closed() {
			count++
		}
	}
	return count
}

// Upgrades returns the number of successful calls to Upgrade.
func (f *FakeSocketFactory) Upgrades() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrades
}

// AwaitConnUpdate waits for a concurrent call to Connect to create a
// connection. It may return immediately if there was a past call that
// has yet to be acknowledged via a call to this method. It returns a
// snapshot of the connections on success, or an error if the given
// context is cancelled or times out first.
func (f *FakeSocketFactory) AwaitConnUpdate(ctx context.Context) ([]*FakeConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.connsUpdate:
		return f.Conns(), nil
	}
}

// FailDial returns a Dial function that always fails with err.
func FailDial(err error) func(context.Context, string) error {
	return func(context.Context, string) error {
		return err
	}
}

// Gate is a Dial function that holds every dial until the gate is
// opened or the dial's context is done.
//
// See NewGate.
type Gate struct {
	entered chan string
	open    chan struct{}
	once    sync.Once
}

// NewGate constructs a new, closed Gate.
func NewGate() *Gate {
	return &Gate{
		entered: make(chan string, 16),
		open:    make(chan struct{}),
	}
}

// Dial blocks until the gate is opened or ctx is done, in which case it
// returns the context error.
func (g *Gate) Dial(ctx context.Context, addr string) error {
	select {
	case g.entered <- addr:
	default:
	}
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// AwaitDial waits until a dial is blocked on the gate and returns the
// address being dialed.
func (g *Gate) AwaitDial(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case addr := <-g.entered:
		return addr, nil
	}
}

// Open releases all blocked and future dials.
func (g *Gate) Open() {
	g.once.Do(func() {
		close(g.open)
	})
}
