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
	"math"

	"github.com/bufbuild/httppool/internal/conns"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// idleIndex orders idle entries by release time, least recently released
// first. Capacity is enforced by the pool, not by the index.
type idleIndex = simplelru.LRU[*poolEntry, struct{}]

func newIdleIndex() *idleIndex {
	index, err := simplelru.NewLRU[*poolEntry, struct{}](math.MaxInt, nil)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return index
}

// routePool holds the entries of a single route. It is guarded by the
// pool mutex and never does I/O.
type routePool struct {
	route  Route
	max    int
	idle   *idleIndex
	leased conns.Set[*poolEntry]
}

func newRoutePool(route Route, maxPerRoute int) *routePool {
	return &routePool{
		route:  route,
		max:    maxPerRoute,
		idle:   newIdleIndex(),
		leased: conns.Set[*poolEntry]{},
	}
}

func (rp *routePool) allocated() int {
	return rp.idle.Len() + len(rp.leased)
}

func (rp *routePool) empty() bool {
	return rp.allocated() == 0
}

// admitNew reports whether a new entry may be created for the route.
func (rp *routePool) admitNew() bool {
	return rp.allocated() < rp.max
}

// acquireIdle leases the most recently released idle entry with exactly
// the given state. Failing that, a request that carries a state may take
// an idle entry that carries none. A request without state never takes
// an entry that has one.
func (rp *routePool) acquireIdle(state State) *poolEntry {
	entry := rp.findIdle(func(candidate State) bool { return candidate == state })
	if entry == nil && state != nil {
		entry = rp.findIdle(func(candidate State) bool { return candidate == nil })
	}
	if entry == nil {
		return nil
	}
	rp.idle.Remove(entry)
	rp.leased.Add(entry)
	return entry
}

func (rp *routePool) findIdle(match func(State) bool) *poolEntry {
	keys := rp.idle.Keys()
	for i := len(keys) - 1; i >= 0; i-- {
		if match(keys[i].state) {
			return keys[i]
		}
	}
	return nil
}

// add records a newly created, leased entry.
func (rp *routePool) add(entry *poolEntry) {
	rp.leased.Add(entry)
}

// release moves a leased entry to the idle set, or drops it from the
// route pool when it is not reusable. It reports whether entry was leased.
func (rp *routePool) release(entry *poolEntry, reusable bool) bool {
	if !rp.leased.Remove(entry) {
		return false
	}
	if reusable {
		rp.idle.Add(entry, struct{}{})
	}
	return true
}

// remove drops entry, idle or leased, from the route pool.
func (rp *routePool) remove(entry *poolEntry) {
	rp.leased.Remove(entry)
	rp.idle.Remove(entry)
}

// evictOneIdle removes and returns the least recently released idle entry.
func (rp *routePool) evictOneIdle() *poolEntry {
	entry, _, ok := rp.idle.RemoveOldest()
	if !ok {
		return nil
	}
	return entry
}
