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
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Host identifies one network endpoint: a URL scheme, a host name and a
// port. A port of zero means the default port for the scheme, which is
// looked up in the [SchemeRegistry] when connecting.
type Host struct {
	Scheme   string
	Hostname string
	Port     int
}

// NewHost returns a Host with a normalized scheme and host name. Host
// names are lower-cased and internationalized names are converted to
// their ASCII (punycode) form, so that equivalent spellings of the same
// host pool together. Names that cannot be converted are only
// lower-cased; use [ParseHost] to have them rejected instead.
func NewHost(scheme, hostname string, port int) Host {
	normalized, err := normalizeHostname(hostname)
	if err != nil {
		normalized = strings.ToLower(hostname)
	}
	return newHost(scheme, normalized, port)
}

// ParseHost parses a "scheme://host[:port]" string. Any path, query or
// user info in the input is ignored. If the scheme is omitted, "http"
// is assumed.
func ParseHost(raw string) (Host, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return Host{}, err
	}
	if parsed.Hostname() == "" {
		return Host{}, fmt.Errorf("missing host name in %q", raw)
	}
	var port int
	if portStr := parsed.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Host{}, fmt.Errorf("invalid port %q in %q", portStr, raw)
		}
	}
	hostname, err := normalizeHostname(parsed.Hostname())
	if err != nil {
		return Host{}, fmt.Errorf("invalid host name %q: %w", parsed.Hostname(), err)
	}
	return newHost(parsed.Scheme, hostname, port), nil
}

func newHost(scheme, hostname string, port int) Host {
	if port < 0 {
		port = 0
	}
	return Host{
		Scheme:   strings.ToLower(scheme),
		Hostname: hostname,
		Port:     port,
	}
}

func normalizeHostname(hostname string) (string, error) {
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.String(), nil
	}
	return idna.Lookup.ToASCII(hostname)
}

// HostPort returns the "host:port" address of h, using defaultPort when
// h has no explicit port.
func (h Host) HostPort(defaultPort int) string {
	port := h.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

func (h Host) String() string {
	var sb strings.Builder
	if h.Scheme != "" {
		sb.WriteString(h.Scheme)
		sb.WriteString("://")
	}
	if strings.Contains(h.Hostname, ":") {
		sb.WriteString("[" + h.Hostname + "]")
	} else {
		sb.WriteString(h.Hostname)
	}
	if h.Port > 0 {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(h.Port))
	}
	return sb.String()
}

// Route is the partition key of the pool: connections are only ever
// reused for requests whose routes are equal. A Route is immutable. Two
// routes are equal when their [Route.Key] values are equal.
type Route struct {
	target  Host
	proxies []Host
	secure  bool
	local   string
	key     string
}

// NewRoute returns a route to target, optionally through the given chain
// of proxies (first hop first). The secure flag records whether the
// connection is layered with TLS once established.
func NewRoute(target Host, secure bool, proxies ...Host) Route {
	route := Route{
		target:  target,
		proxies: append([]Host(nil), proxies...),
		secure:  secure,
	}
	route.key = route.computeKey()
	return route
}

// WithLocalAddr returns a copy of the route whose connections are bound
// to the given local IP address. Routes that differ only in local
// address are distinct.
func (r Route) WithLocalAddr(ip string) Route {
	r.proxies = append([]Host(nil), r.proxies...)
	r.local = ip
	r.key = r.computeKey()
	return r
}

func (r Route) computeKey() string {
	var sb strings.Builder
	sb.WriteString(r.target.String())
	for _, proxy := range r.proxies {
		sb.WriteString(" via ")
		sb.WriteString(proxy.String())
	}
	if r.local != "" {
		sb.WriteString(" from ")
		sb.WriteString(r.local)
	}
	if r.secure {
		sb.WriteString(" (secure)")
	}
	return sb.String()
}

// Target returns the final destination of the route.
func (r Route) Target() Host {
	return r.target
}

// Proxies returns a copy of the proxy chain, first hop first.
func (r Route) Proxies() []Host {
	return append([]Host(nil), r.proxies...)
}

// Secure reports whether connections on this route are layered with TLS.
func (r Route) Secure() bool {
	return r.secure
}

// LocalAddr returns the local IP address connections are bound to, or
// the empty string if the operating system chooses.
func (r Route) LocalAddr() string {
	return r.local
}

// FirstHop returns the host to which a socket is actually opened: the
// first proxy if there is one, otherwise the target.
func (r Route) FirstHop() Host {
	if len(r.proxies) > 0 {
		return r.proxies[0]
	}
	return r.target
}

// Key returns a string that uniquely identifies the route.
func (r Route) Key() string {
	return r.key
}

// Equal reports whether r and other are the same route.
func (r Route) Equal(other Route) bool {
	return r.key == other.key
}

func (r Route) String() string {
	return r.key
}
