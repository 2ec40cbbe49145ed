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

// Package httppool provides a pool of client connections for HTTP,
// partitioned by route. A [Route] names the target host, the chain of
// proxies used to reach it, and whether the connection is secured with
// TLS. Connections are only ever reused for requests on the same route.
//
// To create a pool, use [NewManager]. Callers lease a connection in two
// steps: [Manager.RequestConnection] registers the request without
// blocking, and [LeaseRequest.Get] waits for it to be fulfilled, with an
// optional timeout. A fresh connection has no socket yet; establish one
// with [Manager.Connect] and, if needed, layer TLS over it with
// [Manager.Upgrade]. When done, hand the connection back with
// [Manager.ReleaseConnection], specifying how long it stays reusable.
//
//	mgr := httppool.NewManager(httppool.WithMaxTotal(50))
//	route := httppool.NewRoute(httppool.NewHost("http", "example.com", 0), false)
//	conn, err := mgr.RequestConnection(route, nil).Get(ctx, time.Second)
//	if err != nil {
//		return err
//	}
//	if !conn.IsOpen() {
//		if err := mgr.Connect(ctx, conn, route.FirstHop(), nil, params.Values{}); err != nil {
//			_ = mgr.ReleaseConnection(conn, nil, 0)
//			return err
//		}
//	}
//	// ... use conn ...
//	return mgr.ReleaseConnection(conn, nil, 30*time.Second)
//
// # Capacity
//
// The pool enforces a cap on the number of connections per route and a
// cap across all routes. Both count idle and leased connections. When a
// request cannot be served by an idle connection, the pool creates a new
// one if both caps allow it, closing the least recently used idle
// connection when needed to make room. Otherwise the request waits, and
// waiters are served in arrival order as connections are released.
//
// # State
//
// A connection can be released with a [State], an opaque comparable
// token such as the identity of the user it was authenticated as. A
// request only reuses an idle connection carrying the same state, or one
// carrying no state at all.
//
// # Maintenance
//
// The pool does not run background goroutines. Call
// [Manager.CloseIdleConnections] and [Manager.CloseExpiredConnections]
// periodically to close connections that are no longer useful, and
// [Manager.Shutdown] when done with the pool.
package httppool
