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
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/httppool/params"
)

const (
	defaultConnectTimeout   = 30 * time.Second
	defaultKeepAlive        = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// SocketFactory opens sockets for a scheme.
type SocketFactory interface {
	// Connect opens a connection to addr, a "host:port" string. If
	// localAddr is not nil, the socket is bound to it. Implementations
	// must give up when ctx is done.
	Connect(ctx context.Context, addr string, localAddr net.Addr, p params.Values) (net.Conn, error)
}

// LayeredSocketFactory is a SocketFactory that can also layer its
// protocol over an already connected socket, such as TLS over a tunnel
// established through a proxy.
type LayeredSocketFactory interface {
	SocketFactory
	// Upgrade layers the protocol over conn. The hostname is the name of
	// the target host, used for example for TLS server name verification.
	Upgrade(ctx context.Context, conn net.Conn, hostname string, p params.Values) (net.Conn, error)
}

// Scheme describes how to connect for one URL scheme.
type Scheme struct {
	Name        string
	DefaultPort int
	Factory     SocketFactory
}

// SchemeRegistry maps scheme names to their socket factories. It is safe
// for concurrent use.
type SchemeRegistry struct {
	mu sync.RWMutex
	// +checklocks:mu
	schemes map[string]Scheme
}

// NewSchemeRegistry returns a registry containing the given schemes.
func NewSchemeRegistry(schemes ...Scheme) *SchemeRegistry {
	reg := &SchemeRegistry{schemes: make(map[string]Scheme, len(schemes))}
	for _, scheme := range schemes {
		reg.Register(scheme)
	}
	return reg
}

// DefaultSchemeRegistry returns a new registry with "http" on port 80
// using a [PlainSocketFactory] and "https" on port 443 using a
// [TLSSocketFactory].
func DefaultSchemeRegistry() *SchemeRegistry {
	return NewSchemeRegistry(
		Scheme{Name: "http", DefaultPort: 80, Factory: PlainSocketFactory{}},
		Scheme{Name: "https", DefaultPort: 443, Factory: TLSSocketFactory{}},
	)
}

// Register adds or replaces a scheme. It returns the scheme previously
// registered under the same name, if any.
func (r *SchemeRegistry) Register(scheme Scheme) (Scheme, bool) {
	name := strings.ToLower(scheme.Name)
	scheme.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, ok := r.schemes[name]
	r.schemes[name] = scheme
	return previous, ok
}

// Unregister removes a scheme and reports whether it was registered.
func (r *SchemeRegistry) Unregister(name string) bool {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.schemes[name]
	delete(r.schemes, name)
	return ok
}

// Get returns the scheme with the given name, or an error wrapping
// [ErrUnsupportedScheme].
func (r *SchemeRegistry) Get(name string) (Scheme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scheme, ok := r.schemes[strings.ToLower(name)]
	if !ok {
		return Scheme{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, name)
	}
	return scheme, nil
}

// Names returns the registered scheme names in sorted order.
func (r *SchemeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlainSocketFactory opens TCP connections. It honors the
// [params.ConnectTimeout] and [params.KeepAlive] parameters.
type PlainSocketFactory struct{}

// Connect implements SocketFactory.
func (PlainSocketFactory) Connect(ctx context.Context, addr string, localAddr net.Addr, p params.Values) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   params.GetOrDefault(p, params.ConnectTimeout, defaultConnectTimeout),
		KeepAlive: params.GetOrDefault(p, params.KeepAlive, defaultKeepAlive),
		LocalAddr: localAddr,
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// TLSSocketFactory opens TCP connections and performs a TLS client
// handshake on them. It can also layer TLS over an existing connection.
// The configuration comes from [params.TLSConfig]; when it does not name
// a server, the target host name is used.
type TLSSocketFactory struct{}

// Connect implements SocketFactory.
func (f TLSSocketFactory) Connect(ctx context.Context, addr string, localAddr net.Addr, p params.Values) (net.Conn, error) {
	hostname, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	conn, err := PlainSocketFactory{}.Connect(ctx, addr, localAddr, p)
	if err != nil {
		return nil, err
	}
	tlsConn, err := f.Upgrade(ctx, conn, hostname, p)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Upgrade implements LayeredSocketFactory.
func (TLSSocketFactory) Upgrade(ctx context.Context, conn net.Conn, hostname string, p params.Values) (net.Conn, error) {
	var config *tls.Config
	if base, ok := params.Get(p, params.TLSConfig); ok && base != nil {
		config = base.Clone()
	} else {
		config = &tls.Config{} //nolint:gosec // MinVersion is the library default
	}
	if config.ServerName == "" {
		config.ServerName = hostname
	}
	if timeout := params.GetOrDefault(p, params.TLSHandshakeTimeout, defaultHandshakeTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", hostname, err)
	}
	return tlsConn, nil
}
