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

	"github.com/bufbuild/httppool/internal"
)

func WithClock(clock internal.Clock) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.clock = clock
	})
}

// CheckInvariants verifies the pool's bookkeeping: caps are respected,
// every entry is in exactly one place and has the status that place
// implies, and the global idle index mirrors the route pools in release
// order.
func (m *Manager) CheckInvariants() error {
	pool := m.pool
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if total := pool.allocatedLocked(); total > pool.maxTotal {
		return fmt.Errorf("%d connections allocated, max total is %d", total, pool.maxTotal)
	}
	seen := map[*poolEntry]string{}
	var idle, leased int
	for key, rp := range pool.routes {
		if rp.allocated() > rp.max {
			return fmt.Errorf("route %s has %d connections, max is %d", key, rp.allocated(), rp.max)
		}
		for _, entry := range rp.idle.Keys() {
			if where, ok := seen[entry]; ok {
				return fmt.Errorf("entry %d is idle in %s and also in %s", entry.id, key, where)
			}
			seen[entry] = key
			if entry.status != entryIdle {
				return fmt.Errorf("idle entry %d has status %v", entry.id, entry.status)
			}
			if !pool.idle.Contains(entry) {
				return fmt.Errorf("idle entry %d missing from global index", entry.id)
			}
			if entry.route.Key() != key {
				return fmt.Errorf("entry %d for %s is in route pool %s", entry.id, entry.route, key)
			}
			idle++
		}
		for entry := range rp.leased {
			if where, ok := seen[entry]; ok {
				return fmt.Errorf("entry %d is leased in %s and also in %s", entry.id, key, where)
			}
			seen[entry] = key
			if entry.status != entryLeased {
				return fmt.Errorf("leased entry %d has status %v", entry.id, entry.status)
			}
			if !pool.leased.Contains(entry) {
				return fmt.Errorf("leased entry %d missing from global set", entry.id)
			}
			leased++
		}
	}
	var previous *poolEntry
	for _, entry := range pool.idle.Keys() {
		if previous != nil && entry.updated.Before(previous.updated) {
			return fmt.Errorf("idle entry %d released at %v is ordered after entry %d released at %v",
				entry.id, entry.updated, previous.id, previous.updated)
		}
		previous = entry
	}
	if idle != pool.idle.Len() {
		return fmt.Errorf("route pools hold %d idle entries, global index holds %d", idle, pool.idle.Len())
	}
	if leased != len(pool.leased) {
		return fmt.Errorf("route pools hold %d leased entries, global set holds %d", leased, len(pool.leased))
	}
	for elem := pool.pending.Front(); elem != nil; elem = elem.Next() {
		req, _ := elem.Value.(*LeaseRequest)
		if req.status != requestPending {
			return fmt.Errorf("queued request for %s is not pending", req.route)
		}
	}
	return nil
}
