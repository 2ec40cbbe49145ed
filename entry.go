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
	"net"
	"sync"
	"time"
)

type entryStatus int

const (
	entryLeased entryStatus = iota
	entryIdle
	entryClosed
)

func (s entryStatus) String() string {
	switch s {
	case entryLeased:
		return "leased"
	case entryIdle:
		return "idle"
	case entryClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// poolEntry is one connection slot owned by the pool. Its bookkeeping
// fields are guarded by the owning pool's mutex; the socket has its own
// lock so that it can be dialed and closed without holding the pool lock.
type poolEntry struct {
	id         uint64
	route      Route
	pool       *connPool
	created    time.Time
	validUntil time.Time // zero means no TTL

	// +checklocks:pool.mu
	status entryStatus
	// +checklocks:pool.mu
	state State
	// +checklocks:pool.mu
	updated time.Time
	// +checklocks:pool.mu
	expiry time.Time // zero means unbounded

	connMu sync.Mutex
	// +checklocks:connMu
	conn net.Conn
	// +checklocks:connMu
	open bool
	// +checklocks:connMu
	retiredBy error // nil until retired
}

func newPoolEntry(pool *connPool, id uint64, route Route, now time.Time, ttl time.Duration) *poolEntry {
	entry := &poolEntry{
		id:      id,
		route:   route,
		pool:    pool,
		created: now,
		updated: now,
		status:  entryLeased,
	}
	if ttl > 0 {
		entry.validUntil = now.Add(ttl)
		entry.expiry = entry.validUntil
	}
	return entry
}

// +checklocks:e.pool.mu
func (e *poolEntry) updateExpiryLocked(now time.Time, validFor time.Duration) {
	e.updated = now
	var expiry time.Time
	if validFor > 0 {
		expiry = now.Add(validFor)
	}
	if !e.validUntil.IsZero() && (expiry.IsZero() || e.validUntil.Before(expiry)) {
		expiry = e.validUntil
	}
	e.expiry = expiry
}

// +checklocks:e.pool.mu
func (e *poolEntry) isExpiredLocked(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func (e *poolEntry) pastTTL(now time.Time) bool {
	return !e.validUntil.IsZero() && !now.Before(e.validUntil)
}

func (e *poolEntry) socket() net.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if !e.open {
		return nil
	}
	return e.conn
}

func (e *poolEntry) isOpen() bool {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.open
}

// bind installs a freshly established socket. If the entry was retired
// while the socket was being dialed, or another socket was bound in the
// meantime, the new socket is closed instead.
func (e *poolEntry) bind(conn net.Conn) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	switch {
	case e.retiredBy != nil:
		_ = conn.Close()
		return e.retiredBy
	case e.open:
		_ = conn.Close()
		return misuse("connection %d was connected concurrently", e.id)
	}
	e.conn = conn
	e.open = true
	return nil
}

// rebind swaps the socket for a layered one wrapping it. It fails if the
// socket was closed or replaced while the upgrade was in progress.
func (e *poolEntry) rebind(previous, upgraded net.Conn) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	switch {
	case e.retiredBy != nil:
		_ = upgraded.Close()
		return e.retiredBy
	case !e.open || e.conn != previous:
		_ = upgraded.Close()
		return ErrNotConnected
	}
	e.conn = upgraded
	return nil
}

// closeSocket closes the current socket, if any. The entry stays usable:
// a new socket may be bound to it.
func (e *poolEntry) closeSocket() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.closeSocketLocked()
}

// +checklocks:e.connMu
func (e *poolEntry) closeSocketLocked() error {
	if !e.open {
		return nil
	}
	e.open = false
	return e.conn.Close()
}

// retire closes the socket and prevents any further socket from being
// bound. It is called once the pool has discarded the entry; cause is
// reported to a bind or rebind that loses the race.
func (e *poolEntry) retire(cause error) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.retiredBy = cause
	return e.closeSocketLocked()
}
