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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bufbuild/httppool/params"
	"go.uber.org/zap"
)

// Manager is a pool of client connections partitioned by [Route]. It
// bounds the number of connections per route and in total, reuses idle
// connections whose state matches the request, and makes requests wait in
// arrival order when no capacity is left.
//
// A Manager is safe for concurrent use. It starts no goroutines: idle and
// expired connections are only closed when CloseIdleConnections or
// CloseExpiredConnections is called.
type Manager struct {
	pool       *connPool
	schemes    *SchemeRegistry
	classifier StateClassifier
	logger     *zap.Logger
}

// NewManager returns a new connection manager.
func NewManager(options ...ManagerOption) *Manager {
	var opts managerOptions
	for _, opt := range options {
		opt.applyToManager(&opts)
	}
	opts.applyDefaults()
	return &Manager{
		pool:       newConnPool(&opts),
		schemes:    opts.schemes,
		classifier: opts.classifier,
		logger:     opts.logger,
	}
}

// RequestConnection asks for a connection on route carrying the given
// state. It never blocks: call [LeaseRequest.Get] to wait for the result.
func (m *Manager) RequestConnection(route Route, state State) *LeaseRequest {
	return m.pool.request(route, state)
}

// RequestConnectionContext is like RequestConnection, with the state
// derived from ctx by the manager's [StateClassifier].
func (m *Manager) RequestConnectionContext(ctx context.Context, route Route) *LeaseRequest {
	return m.pool.request(route, m.classifier.State(ctx))
}

// ReleaseConnection returns a leased connection to the pool. If the
// connection is open, it is kept for reuse by requests with the given
// state for at most validFor; zero or less means until it is closed by a
// sweep or evicted. A connection that is not open is discarded and its
// slot freed.
//
// The handle is detached by this call. Releasing a connection twice, or
// to a manager it did not come from, returns [ErrProtocolMisuse]. After
// Shutdown, the connection is closed and nil is returned.
func (m *Manager) ReleaseConnection(conn *Conn, state State, validFor time.Duration) error {
	if conn == nil {
		return misuse("release of nil connection")
	}
	if err := checkState(state); err != nil {
		return err
	}
	entry := conn.entry.Load()
	if entry == nil {
		return misuse("%v already released", conn)
	}
	if entry.pool != m.pool {
		return misuse("%v does not belong to this manager", conn)
	}
	if !conn.entry.CompareAndSwap(entry, nil) {
		return misuse("%v already released", conn)
	}
	return m.pool.release(entry, entry.isOpen(), state, validFor)
}

// Connect establishes the socket of a leased connection to host, which is
// normally the first hop of the connection's route. The socket is opened
// by the factory registered for the host's scheme and bound to localAddr
// when it is not nil, or else to the route's local address.
//
// Failures are returned as a [*ConnectError]. The connection stays leased
// and must be released; since it is not open, release frees its slot.
func (m *Manager) Connect(ctx context.Context, conn *Conn, host Host, localAddr net.Addr, p params.Values) error {
	entry, err := conn.attached()
	if err != nil {
		return err
	}
	if entry.isOpen() {
		return misuse("%v is already connected", conn)
	}
	scheme, err := m.schemes.Get(host.Scheme)
	if err != nil {
		return &ConnectError{Host: host, Err: err}
	}
	if localAddr == nil && conn.route.LocalAddr() != "" {
		localAddr = &net.TCPAddr{IP: net.ParseIP(conn.route.LocalAddr())}
	}
	ctx, cancel := conn.lease.bind(ctx)
	defer cancel()
	if conn.lease.aborted() {
		return &ConnectError{Host: host, Err: ErrCanceled}
	}
	socket, err := scheme.Factory.Connect(ctx, host.HostPort(scheme.DefaultPort), localAddr, p)
	if err != nil {
		return &ConnectError{Host: host, Err: establishError(ctx, err)}
	}
	if err := entry.bind(socket); err != nil {
		return &ConnectError{Host: host, Err: err}
	}
	m.logger.Debug("connection established",
		zap.Uint64("id", conn.id),
		zap.Stringer("route", conn.route),
		zap.Stringer("remote", socket.RemoteAddr()),
	)
	return nil
}

// Upgrade layers a protocol over an established connection, such as TLS
// over a tunnel opened through a proxy. The factory registered for the
// host's scheme must be a [LayeredSocketFactory].
//
// If the upgrade fails, the socket is closed and a [*ConnectError] is
// returned; the connection must still be released.
func (m *Manager) Upgrade(ctx context.Context, conn *Conn, host Host, p params.Values) error {
	entry, err := conn.attached()
	if err != nil {
		return err
	}
	socket := entry.socket()
	if socket == nil {
		return &ConnectError{Host: host, Err: ErrNotConnected}
	}
	scheme, err := m.schemes.Get(host.Scheme)
	if err != nil {
		return &ConnectError{Host: host, Err: err}
	}
	layered, ok := scheme.Factory.(LayeredSocketFactory)
	if !ok {
		return &ConnectError{Host: host, Err: fmt.Errorf("%w: %q does not support layering", ErrUnsupportedScheme, scheme.Name)}
	}
	ctx, cancel := conn.lease.bind(ctx)
	defer cancel()
	if conn.lease.aborted() {
		return &ConnectError{Host: host, Err: ErrCanceled}
	}
	upgraded, err := layered.Upgrade(ctx, socket, host.Hostname, p)
	if err != nil {
		if closeErr := entry.closeSocket(); closeErr != nil {
			m.logger.Debug("failed to close connection after failed upgrade", zap.Uint64("id", conn.id), zap.Error(closeErr))
		}
		return &ConnectError{Host: host, Err: establishError(ctx, err)}
	}
	if err := entry.rebind(socket, upgraded); err != nil {
		return &ConnectError{Host: host, Err: err}
	}
	m.logger.Debug("connection upgraded",
		zap.Uint64("id", conn.id),
		zap.Stringer("route", conn.route),
		zap.String("scheme", scheme.Name),
	)
	return nil
}

// establishError marks failures caused by the lease being canceled.
func establishError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrCanceled) && !errors.Is(err, ErrCanceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return err
}

// CloseIdleConnections closes connections that have been idle for at
// least idleFor.
func (m *Manager) CloseIdleConnections(idleFor time.Duration) {
	m.pool.closeIdle(idleFor)
}

// CloseExpiredConnections closes idle connections whose validity, given
// on release or by the connection TTL, has passed.
func (m *Manager) CloseExpiredConnections() {
	m.pool.closeExpired()
}

// Shutdown fails all pending requests with [ErrShutdown] and closes every
// connection, idle or leased. Later requests fail with ErrShutdown and
// releases just close the connection. Calling Shutdown more than once is
// a no-op.
func (m *Manager) Shutdown() error {
	return m.pool.shutdown()
}

// MaxTotal returns the maximum number of connections across all routes.
func (m *Manager) MaxTotal() int {
	return m.pool.getMaxTotal()
}

// SetMaxTotal changes the maximum number of connections across all
// routes. If it is lowered below current usage, idle connections are
// closed, least recently used first, and leased ones are closed when they
// are released. The limit must be positive.
func (m *Manager) SetMaxTotal(limit int) error {
	return m.pool.setMaxTotal(limit)
}

// DefaultMaxPerRoute returns the per-route limit for routes that have no
// limit of their own.
func (m *Manager) DefaultMaxPerRoute() int {
	return m.pool.getDefaultMaxPerRoute()
}

// SetDefaultMaxPerRoute changes the per-route limit for routes that have
// no limit of their own. The limit must be positive.
func (m *Manager) SetDefaultMaxPerRoute(limit int) error {
	return m.pool.setDefaultMaxPerRoute(limit)
}

// MaxPerRoute returns the connection limit of the given route.
func (m *Manager) MaxPerRoute(route Route) int {
	return m.pool.getMaxPerRoute(route)
}

// SetMaxPerRoute sets the connection limit of the given route. The limit
// must be positive.
func (m *Manager) SetMaxPerRoute(route Route, limit int) error {
	return m.pool.setMaxPerRoute(route, limit)
}

// Stats returns the occupancy of the whole pool.
func (m *Manager) Stats() Stats {
	return m.pool.stats()
}

// RouteStats returns the occupancy of a single route.
func (m *Manager) RouteStats(route Route) Stats {
	return m.pool.routeStats(route)
}

// Routes returns the routes that currently have connections or waiting
// requests, in no particular order.
func (m *Manager) Routes() []Route {
	return m.pool.knownRoutes()
}
