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

package httppool

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Conn is the caller's handle on a leased pool entry. It implements
// [net.Conn] by delegating to the entry's socket once [Manager.Connect]
// has established one. I/O before then fails with [ErrNotConnected].
//
// Releasing the connection with [Manager.ReleaseConnection] detaches the
// handle: every method then fails with [ErrConnDetached], and the entry
// may already be leased to someone else.
type Conn struct {
	lease *LeaseRequest
	id    uint64
	route Route
	entry atomic.Pointer[poolEntry]
}

var _ net.Conn = (*Conn)(nil)

func newConn(entry *poolEntry, lease *LeaseRequest) *Conn {
	conn := &Conn{
		lease: lease,
		id:    entry.id,
		route: entry.route,
	}
	conn.entry.Store(entry)
	return conn
}

// ID returns the pool-unique identifier of the underlying entry.
func (c *Conn) ID() uint64 {
	return c.id
}

// Route returns the route of the underlying entry.
func (c *Conn) Route() Route {
	return c.route
}

// State returns the state the entry carried when it was leased: the
// state it was last released with, or nil for a new entry.
func (c *Conn) State() State {
	entry := c.entry.Load()
	if entry == nil {
		return nil
	}
	entry.pool.mu.Lock()
	defer entry.pool.mu.Unlock()
	return entry.state
}

// IsOpen reports whether the connection is attached and has an open
// socket. Only open connections are kept for reuse on release.
func (c *Conn) IsOpen() bool {
	entry := c.entry.Load()
	return entry != nil && entry.isOpen()
}

// NetConn returns the underlying socket.
func (c *Conn) NetConn() (net.Conn, error) {
	return c.socket()
}

func (c *Conn) Read(b []byte) (int, error) {
	conn, err := c.socket()
	if err != nil {
		return 0, err
	}
	return conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	conn, err := c.socket()
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

// Close closes the socket. The connection stays leased and must still be
// released; since it is no longer open, release frees its slot.
func (c *Conn) Close() error {
	entry, err := c.attached()
	if err != nil {
		return err
	}
	return entry.closeSocket()
}

func (c *Conn) LocalAddr() net.Addr {
	conn, err := c.socket()
	if err != nil {
		return nil
	}
	return conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	conn, err := c.socket()
	if err != nil {
		return nil
	}
	return conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	conn, err := c.socket()
	if err != nil {
		return err
	}
	return conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	conn, err := c.socket()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	conn, err := c.socket()
	if err != nil {
		return err
	}
	return conn.SetWriteDeadline(t)
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %d to %v", c.id, c.route)
}

func (c *Conn) attached() (*poolEntry, error) {
	entry := c.entry.Load()
	if entry == nil {
		return nil, ErrConnDetached
	}
	return entry, nil
}

func (c *Conn) socket() (net.Conn, error) {
	entry, err := c.attached()
	if err != nil {
		return nil, err
	}
	conn := entry.socket()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (c *Conn) detach() *poolEntry {
	return c.entry.Swap(nil)
}
