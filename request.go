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
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type requestStatus int

const (
	requestPending requestStatus = iota
	requestFulfilled
	requestCanceled
	requestTimedOut
	requestFailed
)

// LeaseRequest is a pending or resolved request for a pooled connection,
// created by [Manager.RequestConnection]. It resolves exactly once: to a
// leased connection, or to an error if it is canceled, times out or the
// manager shuts down.
type LeaseRequest struct {
	pool  *connPool
	route Route
	state State
	done  chan struct{}

	// abortCtx is canceled when the request ends without a connection, or
	// when the lease is canceled after delivery. Connect and Upgrade on the
	// leased connection observe it.
	abortCtx context.Context //nolint:containedctx
	abort    context.CancelFunc

	// +checklocks:pool.mu
	status requestStatus
	// +checklocks:pool.mu
	conn *Conn
	// +checklocks:pool.mu
	err error
	// +checklocks:pool.mu
	delivered bool
	// +checklocks:pool.mu
	elem *list.Element
}

func newLeaseRequest(pool *connPool, route Route, state State) *LeaseRequest {
	abortCtx, abort := context.WithCancel(context.Background())
	return &LeaseRequest{
		pool:     pool,
		route:    route,
		state:    state,
		done:     make(chan struct{}),
		abortCtx: abortCtx,
		abort:    abort,
	}
}

// Route returns the route the connection was requested for.
func (r *LeaseRequest) Route() Route {
	return r.route
}

// Done returns a channel that is closed once the request is resolved.
// Resolution includes failure; call Get to learn the outcome.
func (r *LeaseRequest) Done() <-chan struct{} {
	return r.done
}

// Get waits for the request to resolve and returns the leased connection.
// A timeout of zero or less waits indefinitely. If the timeout elapses
// first, the request is abandoned and Get returns [ErrPoolTimeout]. If ctx
// is done first, the request is canceled and Get returns an error wrapping
// both [ErrCanceled] and the context's error; a connection that was handed
// to the request concurrently goes back to the pool.
//
// Once Get has returned a connection, further calls return the same one.
func (r *LeaseRequest) Get(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if ctx.Err() != nil {
		return r.abandon(requestCanceled, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx)))
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := r.pool.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	select {
	case <-r.done:
		return r.deliver()
	case <-ctx.Done():
		return r.abandon(requestCanceled, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx)))
	case <-expired:
		return r.abandon(requestTimedOut, fmt.Errorf("%w after %v", ErrPoolTimeout, timeout))
	}
}

// Cancel abandons the request. It returns true if the request was still
// waiting, or had been handed a connection that no call to Get has
// returned yet; that connection goes back to the pool unchanged.
//
// Once Get has returned the connection, Cancel returns false but
// interrupts any Connect or Upgrade in progress on it, and makes later
// ones fail with [ErrCanceled]. The connection must still be released.
func (r *LeaseRequest) Cancel() bool {
	pool := r.pool
	var discarded []*poolEntry
	canceled := func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		switch {
		case r.status == requestPending:
			pool.removeWaiterLocked(r)
			r.resolveLocked(requestCanceled, ErrCanceled)
			pool.logEventLocked("connection request canceled", r.route)
			return true
		case r.status == requestFulfilled && !r.delivered:
			discarded = r.reclaimLocked(requestCanceled, ErrCanceled)
			return true
		case r.status == requestFulfilled:
			r.abort()
			return false
		default:
			return false
		}
	}()
	pool.closeEntries(discarded)
	return canceled
}

func (r *LeaseRequest) deliver() (*Conn, error) {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	if r.status != requestFulfilled {
		return nil, r.err
	}
	r.delivered = true
	return r.conn, nil
}

// abandon ends a request whose caller stopped waiting. A connection that
// arrived in the meantime is kept on timeout and given back on
// cancellation.
func (r *LeaseRequest) abandon(status requestStatus, err error) (*Conn, error) {
	pool := r.pool
	var discarded []*poolEntry
	conn, err := func() (*Conn, error) {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		switch r.status {
		case requestPending:
			pool.removeWaiterLocked(r)
			r.resolveLocked(status, err)
			pool.logEventLocked("connection request abandoned", r.route, zap.Error(err))
			return nil, err
		case requestFulfilled:
			if r.delivered || status == requestTimedOut {
				r.delivered = true
				return r.conn, nil
			}
			discarded = r.reclaimLocked(status, err)
			return nil, err
		default:
			return nil, r.err
		}
	}()
	pool.closeEntries(discarded)
	return conn, err
}

// +checklocks:r.pool.mu
func (r *LeaseRequest) fulfillLocked(entry *poolEntry) {
	r.status = requestFulfilled
	r.conn = newConn(entry, r)
	close(r.done)
}

// +checklocks:r.pool.mu
func (r *LeaseRequest) failLocked(err error) {
	r.resolveLocked(requestFailed, err)
}

// +checklocks:r.pool.mu
func (r *LeaseRequest) resolveLocked(status requestStatus, err error) {
	wasPending := r.status == requestPending
	r.status = status
	r.err = err
	r.abort()
	if wasPending {
		close(r.done)
	}
}

// reclaimLocked cancels a fulfilled request whose connection was never
// delivered and returns the entry to the pool.
//
// +checklocks:r.pool.mu
func (r *LeaseRequest) reclaimLocked(status requestStatus, err error) []*poolEntry {
	entry := r.conn.detach()
	r.conn = nil
	r.resolveLocked(status, err)
	if entry == nil {
		return nil
	}
	r.pool.logEventLocked("returning undelivered connection", entry.route, zap.Uint64("id", entry.id))
	return r.pool.reclaimLocked(entry)
}

// bind returns a context for establishing a connection on this lease. It
// is canceled with [ErrCanceled] as its cause when the lease is canceled.
func (r *LeaseRequest) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(r.abortCtx, func() {
		cancel(ErrCanceled)
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

func (r *LeaseRequest) aborted() bool {
	return r.abortCtx.Err() != nil
}
