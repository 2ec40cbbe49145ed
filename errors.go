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
	"errors"
	"fmt"
)

var (
	// ErrPoolTimeout is returned from [LeaseRequest.Get] when its timeout
	// elapses before a connection becomes available. The request is
	// abandoned; callers may retry with a new request.
	ErrPoolTimeout = errors.New("timed out waiting for connection from pool")
	// ErrCanceled is returned when a connection request is canceled or
	// its context is done while waiting, and from Connect or Upgrade when
	// the lease is canceled while establishment is in flight.
	ErrCanceled = errors.New("connection request canceled")
	// ErrShutdown is returned for requests made after, or pending during,
	// a call to [Manager.Shutdown].
	ErrShutdown = errors.New("connection manager shut down")
	// ErrProtocolMisuse indicates a bookkeeping bug in the caller, such as
	// releasing a connection twice or releasing a connection that belongs
	// to a different manager.
	ErrProtocolMisuse = errors.New("connection manager misuse")
	// ErrConnDetached is returned by operations on a [Conn] after it has
	// been released back to the pool, including a Connect or Upgrade that
	// was still in progress when the pool discarded the connection.
	ErrConnDetached = errors.New("connection has been released to the pool")
	// ErrNotConnected is returned by I/O operations on a [Conn] that has
	// not been connected yet.
	ErrNotConnected = errors.New("connection not established")
	// ErrUnsupportedScheme is returned when no socket factory is
	// registered for a scheme, or the factory cannot perform an upgrade.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// ConnectError is returned from [Manager.Connect] and [Manager.Upgrade]
// when establishing or layering a connection fails. The pool never
// retries. The caller still holds the lease and must release it; since
// the connection is not open, releasing it frees its slot.
type ConnectError struct {
	Host Host
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func misuse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolMisuse, fmt.Sprintf(format, args...))
}
