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

// Package params provides a type-safe container of connection
// establishment parameters. A [Values] is handed to the connection
// manager's Connect and Upgrade operations, which pass it through
// unchanged to the socket factory registered for the target scheme.
// The pool itself never looks inside.
//
// Parameters are declared using [NewKey] to create a strongly-typed key.
// The values can then be defined using the key's Value method:
//
//	var Region = params.NewKey[string]()
//
//	p := params.NewValues(
//		params.ConnectTimeout.Value(3 * time.Second),
//		Region.Value("us-east1"),
//	)
//
// Custom socket factories can read their own keys, as well as the
// well-known keys declared in this package, using [Get].
package params

import (
	"crypto/tls"
	"time"
)

//nolint:gochecknoglobals
var (
	// ConnectTimeout bounds how long a socket factory may spend
	// establishing a connection. Zero means no limit beyond the
	// context given to Connect.
	ConnectTimeout = NewKey[time.Duration]()
	// KeepAlive configures the TCP keep-alive period of new sockets.
	// A negative value disables keep-alives.
	KeepAlive = NewKey[time.Duration]()
	// TLSConfig is the client TLS configuration used by TLS socket
	// factories. If absent, a default configuration is used whose
	// ServerName is the target host.
	TLSConfig = NewKey[*tls.Config]()
	// TLSHandshakeTimeout bounds the TLS handshake performed when a
	// connection is layered with TLS.
	TLSHandshakeTimeout = NewKey[time.Duration]()
)

// Values is an immutable collection of type-safe parameter values.
// The zero value is empty and ready to use.
type Values struct {
	data map[any]any
}

// NewValues creates a new Values object with the provided values. When a
// key appears more than once, the last value wins.
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, v := range values {
		data[v.key] = v.value
	}
	return Values{data: data}
}

// With returns a copy of v that also contains the given values.
func (v Values) With(values ...Value) Values {
	data := make(map[any]any, len(v.data)+len(values))
	for k, val := range v.data {
		data[k] = val
	}
	for _, val := range values {
		data[val.key] = val.value
	}
	return Values{data: data}
}

// Len returns the number of parameters in v.
func (v Values) Len() int {
	return len(v.data)
}

// Key is a parameter key. Use NewKey to create a new key for each
// distinct parameter. The type T is the type of values this parameter
// can have.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key that can have values of type T. Each call
// results in a distinct key, even for the same type, since keys are
// identified by their address.
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs a new Value, which can be passed to [NewValues].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single parameter, composed of a key and corresponding value.
type Value struct {
	key, value any
}

// Get retrieves a single value from the given Values. If the key is not
// present, the zero value and false are returned.
func Get[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}

// GetOrDefault is like Get, but returns def when the key is absent.
func GetOrDefault[T any](values Values, key *Key[T], def T) T {
	if val, ok := Get(values, key); ok {
		return val
	}
	return def
}
