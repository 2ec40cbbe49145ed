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
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httppool/internal"
	"github.com/bufbuild/httppool/internal/conns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stats is a snapshot of the pool's occupancy, either for the whole pool
// or for a single route.
type Stats struct {
	// Leased is the number of connections currently handed out.
	Leased int
	// Pending is the number of requests waiting for a connection.
	Pending int
	// Available is the number of idle connections kept for reuse.
	Available int
	// Max is the capacity: the global cap, or the route's cap.
	Max int
}

func (s Stats) String() string {
	return fmt.Sprintf("[leased: %d; pending: %d; available: %d; max: %d]", s.Leased, s.Pending, s.Available, s.Max)
}

// connPool is the capacity manager. All bookkeeping is guarded by mu;
// socket I/O, including closing discarded entries, happens after mu is
// released.
type connPool struct {
	clock  internal.Clock
	logger *zap.Logger
	ttl    time.Duration
	lastID atomic.Uint64

	mu sync.Mutex
	// +checklocks:mu
	routes map[string]*routePool
	// +checklocks:mu
	idle *idleIndex
	// +checklocks:mu
	leased conns.Set[*poolEntry]
	// +checklocks:mu
	pending *list.List // of *LeaseRequest
	// +checklocks:mu
	maxTotal int
	// +checklocks:mu
	defaultMaxPerRoute int
	// +checklocks:mu
	maxPerRoute map[string]int
	// +checklocks:mu
	closed bool
}

func newConnPool(opts *managerOptions) *connPool {
	maxPerRoute := make(map[string]int, len(opts.maxPerRoute))
	for key, limit := range opts.maxPerRoute {
		maxPerRoute[key] = limit
	}
	return &connPool{
		clock:              opts.clock,
		logger:             opts.logger,
		ttl:                opts.ttl,
		routes:             map[string]*routePool{},
		idle:               newIdleIndex(),
		leased:             conns.Set[*poolEntry]{},
		pending:            list.New(),
		maxTotal:           opts.maxTotal,
		defaultMaxPerRoute: opts.defaultMaxPerRoute,
		maxPerRoute:        maxPerRoute,
	}
}

// request registers a request for a connection. It never blocks: the
// returned request is either already resolved or queued.
func (p *connPool) request(route Route, state State) *LeaseRequest {
	req := newLeaseRequest(p, route, state)
	if err := checkState(state); err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		req.failLocked(err)
		return req
	}
	var discarded []*poolEntry
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			req.failLocked(ErrShutdown)
			return
		}
		var entry *poolEntry
		entry, discarded = p.allocateLocked(route, state)
		if entry != nil {
			req.fulfillLocked(entry)
			p.logEventLocked("connection leased", entry.route, zap.Uint64("id", entry.id))
			return
		}
		req.elem = p.pending.PushBack(req)
		p.logEventLocked("connection request queued", route)
	}()
	p.closeEntries(discarded)
	return req
}

// allocateLocked tries to lease an entry for route without waiting. It
// returns nil if the request has to wait. Entries evicted to make room
// are returned for the caller to close once the lock is released.
//
// +checklocks:p.mu
func (p *connPool) allocateLocked(route Route, state State) (*poolEntry, []*poolEntry) {
	rp := p.routePoolLocked(route)
	now := p.clock.Now()
	var discarded []*poolEntry
	for {
		entry := rp.acquireIdle(state)
		if entry == nil {
			break
		}
		p.idle.Remove(entry)
		if entry.isExpiredLocked(now) {
			rp.remove(entry)
			entry.status = entryClosed
			discarded = append(discarded, entry)
			continue
		}
		entry.status = entryLeased
		p.leased.Add(entry)
		return entry, discarded
	}
	// The route is full of entries that don't match: make room by dropping
	// its least recently released idle entries.
	for !rp.admitNew() {
		victim := rp.evictOneIdle()
		if victim == nil {
			return nil, discarded
		}
		p.idle.Remove(victim)
		victim.status = entryClosed
		discarded = append(discarded, victim)
	}
	if p.allocatedLocked() >= p.maxTotal {
		if victim, _, ok := p.idle.RemoveOldest(); ok {
			p.routes[victim.route.Key()].remove(victim)
			victim.status = entryClosed
			discarded = append(discarded, victim)
		}
	}
	if p.allocatedLocked() >= p.maxTotal {
		return nil, discarded
	}
	entry := newPoolEntry(p, p.lastID.Add(1), route, now, p.ttl)
	rp.add(entry)
	p.leased.Add(entry)
	return entry, discarded
}

// release returns a leased entry to the pool. If reusable is false or
// the entry no longer fits under the caps, it is discarded; otherwise it
// becomes idle with the given state and expiry.
func (p *connPool) release(entry *poolEntry, reusable bool, state State, validFor time.Duration) error {
	if err := checkState(state); err != nil {
		return err
	}
	return p.releaseEntry(entry, reusable, func(now time.Time) {
		entry.state = state
		entry.updateExpiryLocked(now, validFor)
	})
}

// reclaimLocked returns an entry that was leased to a request but never handed
// to the caller. Its state and expiry are left as they were; its release
// time is reset since it rejoins the idle index at the newest end.
//
// +checklocks:p.mu
func (p *connPool) reclaimLocked(entry *poolEntry) []*poolEntry {
	if p.closed {
		// shutdown already closed it
		return nil
	}
	discarded, err := p.releaseLocked(entry, entry.isOpen(), func(now time.Time) {
		entry.updated = now
	})
	if err != nil {
		p.logger.Debug("failed to reclaim connection", zap.Uint64("id", entry.id), zap.Error(err))
	}
	return discarded
}

func (p *connPool) releaseEntry(entry *poolEntry, reusable bool, update func(time.Time)) error {
	if entry.pool != p {
		return misuse("connection %d does not belong to this pool", entry.id)
	}
	var (
		discarded []*poolEntry
		err       error
		closed    bool
	)
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if closed = p.closed; closed {
			return
		}
		discarded, err = p.releaseLocked(entry, reusable, update)
	}()
	if closed {
		if err := entry.retire(ErrShutdown); err != nil {
			p.logger.Debug("failed to close connection released after shutdown", zap.Uint64("id", entry.id), zap.Error(err))
		}
		return nil
	}
	p.closeEntries(discarded)
	return err
}

// +checklocks:p.mu
func (p *connPool) releaseLocked(entry *poolEntry, reusable bool, update func(time.Time)) ([]*poolEntry, error) {
	if entry.status != entryLeased {
		return nil, misuse("connection %d is %v, not leased", entry.id, entry.status)
	}
	rp := p.routes[entry.route.Key()]
	if rp == nil || !rp.release(entry, false) {
		return nil, misuse("connection %d is not tracked by its route pool", entry.id)
	}
	p.leased.Remove(entry)
	now := p.clock.Now()
	keep := reusable &&
		!entry.pastTTL(now) &&
		rp.allocated() < rp.max &&
		p.allocatedLocked() < p.maxTotal
	var discarded []*poolEntry
	if keep {
		if update != nil {
			update(now)
		}
		entry.status = entryIdle
		rp.idle.Add(entry, struct{}{})
		p.idle.Add(entry, struct{}{})
		p.logEventLocked("connection released", entry.route, zap.Uint64("id", entry.id))
	} else {
		entry.status = entryClosed
		discarded = append(discarded, entry)
		p.logEventLocked("connection discarded", entry.route, zap.Uint64("id", entry.id))
	}
	discarded = append(discarded, p.serviceWaitersLocked()...)
	return discarded, nil
}

// serviceWaitersLocked scans the wait queue in arrival order and fulfills
// every request that can now be satisfied.
//
// +checklocks:p.mu
func (p *connPool) serviceWaitersLocked() []*poolEntry {
	var discarded []*poolEntry
	for elem := p.pending.Front(); elem != nil; {
		next := elem.Next()
		req, _ := elem.Value.(*LeaseRequest)
		entry, evicted := p.allocateLocked(req.route, req.state)
		discarded = append(discarded, evicted...)
		if entry != nil {
			p.pending.Remove(elem)
			req.elem = nil
			req.fulfillLocked(entry)
			p.logEventLocked("connection leased to waiter", entry.route, zap.Uint64("id", entry.id))
		}
		elem = next
	}
	p.pruneLocked()
	return discarded
}

// +checklocks:p.mu
func (p *connPool) removeWaiterLocked(req *LeaseRequest) {
	if req.elem != nil {
		p.pending.Remove(req.elem)
		req.elem = nil
	}
}

// closeIdle discards idle entries released at least idleFor ago.
func (p *connPool) closeIdle(idleFor time.Duration) {
	if idleFor < 0 {
		idleFor = 0
	}
	p.sweep("closed idle connections", func(_ time.Time, entry *poolEntry) (discard, stop bool) {
		if p.clock.Since(entry.updated) < idleFor {
			// entries are ordered by release time; the rest are newer
			return false, true
		}
		return true, false
	})
}

// closeExpired discards idle entries whose expiry has passed.
func (p *connPool) closeExpired() {
	p.sweep("closed expired connections", func(now time.Time, entry *poolEntry) (discard, stop bool) {
		return entry.isExpiredLocked(now), false
	})
}

func (p *connPool) sweep(msg string, check func(now time.Time, entry *poolEntry) (discard, stop bool)) {
	var discarded []*poolEntry
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		now := p.clock.Now()
		for _, entry := range p.idle.Keys() {
			discard, stop := check(now, entry)
			if stop {
				break
			}
			if !discard {
				continue
			}
			p.idle.Remove(entry)
			p.routes[entry.route.Key()].remove(entry)
			entry.status = entryClosed
			discarded = append(discarded, entry)
		}
		if len(discarded) > 0 {
			p.logger.Debug(msg, zap.Int("count", len(discarded)))
		}
		discarded = append(discarded, p.serviceWaitersLocked()...)
	}()
	p.closeEntries(discarded)
}

// shutdown fails pending requests and closes every entry. Entries that
// are leased at the time are closed too; releasing them later is a no-op.
func (p *connPool) shutdown() error {
	var entries []*poolEntry
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		p.closed = true
		for elem := p.pending.Front(); elem != nil; elem = elem.Next() {
			req, _ := elem.Value.(*LeaseRequest)
			req.elem = nil
			req.failLocked(ErrShutdown)
		}
		p.pending.Init()
		entries = append(p.idle.Keys(), p.leased.Slice()...)
		for _, entry := range entries {
			entry.status = entryClosed
		}
		p.logger.Debug("connection pool shut down", zap.Int("connections", len(entries)))
		p.idle.Purge()
		p.leased = conns.Set[*poolEntry]{}
		p.routes = map[string]*routePool{}
	}()
	var grp errgroup.Group
	for _, entry := range entries {
		grp.Go(func() error {
			return entry.retire(ErrShutdown)
		})
	}
	return grp.Wait()
}

// closeEntries closes the sockets of discarded entries concurrently.
// Failures are logged: the entries are already gone from the pool.
func (p *connPool) closeEntries(entries []*poolEntry) {
	if len(entries) == 0 {
		return
	}
	var grp errgroup.Group
	for _, entry := range entries {
		grp.Go(func() error {
			if err := entry.retire(ErrConnDetached); err != nil {
				return fmt.Errorf("close connection %d to %v: %w", entry.id, entry.route, err)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		p.logger.Debug("failed to close discarded connection", zap.Error(err))
	}
}

func (p *connPool) setMaxTotal(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("max total must be positive: %d", limit)
	}
	p.reconfigure(func() {
		p.maxTotal = limit
	})
	return nil
}

func (p *connPool) setDefaultMaxPerRoute(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("default max per route must be positive: %d", limit)
	}
	p.reconfigure(func() {
		p.defaultMaxPerRoute = limit
		for key, rp := range p.routes {
			rp.max = p.maxForLocked(key)
		}
	})
	return nil
}

func (p *connPool) setMaxPerRoute(route Route, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("max per route must be positive: %d", limit)
	}
	p.reconfigure(func() {
		p.maxPerRoute[route.Key()] = limit
		if rp := p.routes[route.Key()]; rp != nil {
			rp.max = limit
		}
	})
	return nil
}

// reconfigure applies a capacity change, evicts idle entries that no
// longer fit and hands any freed capacity to waiters.
func (p *connPool) reconfigure(apply func()) {
	var discarded []*poolEntry
	func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		apply()
		for _, rp := range p.routes {
			for rp.allocated() > rp.max {
				victim := rp.evictOneIdle()
				if victim == nil {
					break
				}
				p.idle.Remove(victim)
				victim.status = entryClosed
				discarded = append(discarded, victim)
			}
		}
		for p.allocatedLocked() > p.maxTotal {
			victim, _, ok := p.idle.RemoveOldest()
			if !ok {
				break
			}
			p.routes[victim.route.Key()].remove(victim)
			victim.status = entryClosed
			discarded = append(discarded, victim)
		}
		if p.closed {
			return
		}
		discarded = append(discarded, p.serviceWaitersLocked()...)
	}()
	p.closeEntries(discarded)
}

func (p *connPool) getMaxTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxTotal
}

func (p *connPool) getDefaultMaxPerRoute() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultMaxPerRoute
}

func (p *connPool) getMaxPerRoute(route Route) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxForLocked(route.Key())
}

func (p *connPool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// +checklocks:p.mu
func (p *connPool) statsLocked() Stats {
	return Stats{
		Leased:    len(p.leased),
		Pending:   p.pending.Len(),
		Available: p.idle.Len(),
		Max:       p.maxTotal,
	}
}

func (p *connPool) routeStats(route Route) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routeStatsLocked(route)
}

// +checklocks:p.mu
func (p *connPool) routeStatsLocked(route Route) Stats {
	key := route.Key()
	stats := Stats{Max: p.maxForLocked(key)}
	if rp := p.routes[key]; rp != nil {
		stats.Leased = len(rp.leased)
		stats.Available = rp.idle.Len()
	}
	for elem := p.pending.Front(); elem != nil; elem = elem.Next() {
		if req, _ := elem.Value.(*LeaseRequest); req.route.Key() == key {
			stats.Pending++
		}
	}
	return stats
}

func (p *connPool) knownRoutes() []Route {
	p.mu.Lock()
	defer p.mu.Unlock()
	routes := make([]Route, 0, len(p.routes))
	for _, rp := range p.routes {
		routes = append(routes, rp.route)
	}
	return routes
}

// +checklocks:p.mu
func (p *connPool) routePoolLocked(route Route) *routePool {
	key := route.Key()
	rp := p.routes[key]
	if rp == nil {
		rp = newRoutePool(route, p.maxForLocked(key))
		p.routes[key] = rp
	}
	return rp
}

// pruneLocked drops route pools that hold no entries and have no waiters.
//
// +checklocks:p.mu
func (p *connPool) pruneLocked() {
	for key, rp := range p.routes {
		if rp.empty() {
			delete(p.routes, key)
		}
	}
	for elem := p.pending.Front(); elem != nil; elem = elem.Next() {
		req, _ := elem.Value.(*LeaseRequest)
		p.routePoolLocked(req.route)
	}
}

// +checklocks:p.mu
func (p *connPool) maxForLocked(key string) int {
	if limit, ok := p.maxPerRoute[key]; ok {
		return limit
	}
	return p.defaultMaxPerRoute
}

// +checklocks:p.mu
func (p *connPool) allocatedLocked() int {
	return p.idle.Len() + len(p.leased)
}

// +checklocks:p.mu
func (p *connPool) logEventLocked(msg string, route Route, fields ...zap.Field) {
	if ce := p.logger.Check(zap.DebugLevel, msg); ce != nil {
		stats := p.routeStatsLocked(route)
		total := p.statsLocked()
		ce.Write(append(fields,
			zap.Stringer("route", route),
			zap.Int("leased", stats.Leased),
			zap.Int("available", stats.Available),
			zap.Int("pending", stats.Pending),
			zap.Int("max", stats.Max),
			zap.Stringer("total", total),
		)...)
	}
}
