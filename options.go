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
	"time"

	"github.com/bufbuild/httppool/internal"
	"go.uber.org/zap"
)

const (
	defaultMaxTotal           = 20
	defaultDefaultMaxPerRoute = 2
)

// ManagerOption is an option used to customize a [Manager].
type ManagerOption interface {
	applyToManager(*managerOptions)
}

// WithMaxTotal sets the maximum number of connections, idle and leased,
// across all routes. Defaults to 20. Non-positive values are ignored.
func WithMaxTotal(limit int) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.maxTotal = limit
	})
}

// WithDefaultMaxPerRoute sets the maximum number of connections for a
// route that has no limit of its own. Defaults to 2. Non-positive values
// are ignored.
func WithDefaultMaxPerRoute(limit int) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.defaultMaxPerRoute = limit
	})
}

// WithMaxPerRoute sets the maximum number of connections for the given
// route, overriding the default per-route limit. Non-positive values are
// ignored.
func WithMaxPerRoute(route Route, limit int) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		if limit <= 0 {
			return
		}
		if opts.maxPerRoute == nil {
			opts.maxPerRoute = map[string]int{}
		}
		opts.maxPerRoute[route.Key()] = limit
	})
}

// WithSchemeRegistry configures the socket factories used by
// [Manager.Connect] and [Manager.Upgrade]. If not provided,
// [DefaultSchemeRegistry] is used.
func WithSchemeRegistry(registry *SchemeRegistry) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.schemes = registry
	})
}

// WithConnectionTTL limits the total lifetime of every connection,
// counted from its creation. A connection past its TTL is not reused,
// regardless of the validity given when it is released. Zero, the
// default, means connections may live indefinitely.
func WithConnectionTTL(ttl time.Duration) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.ttl = ttl
	})
}

// WithLogger configures the logger used for debug logging of pool
// activity. If not provided, nothing is logged.
func WithLogger(logger *zap.Logger) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithStateClassifier configures how [Manager.RequestConnectionContext]
// derives the connection state from a request context. If not provided,
// [ContextStateClassifier] is used.
func WithStateClassifier(classifier StateClassifier) ManagerOption {
	return managerOptionFunc(func(opts *managerOptions) {
		opts.classifier = classifier
	})
}

type managerOptionFunc func(*managerOptions)

func (f managerOptionFunc) applyToManager(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	maxTotal           int
	defaultMaxPerRoute int
	maxPerRoute        map[string]int
	schemes            *SchemeRegistry
	ttl                time.Duration
	logger             *zap.Logger
	classifier         StateClassifier
	clock              internal.Clock
}

func (opts *managerOptions) applyDefaults() {
	if opts.maxTotal <= 0 {
		opts.maxTotal = defaultMaxTotal
	}
	if opts.defaultMaxPerRoute <= 0 {
		opts.defaultMaxPerRoute = defaultDefaultMaxPerRoute
	}
	if opts.schemes == nil {
		opts.schemes = DefaultSchemeRegistry()
	}
	if opts.ttl < 0 {
		opts.ttl = 0
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.classifier == nil {
		opts.classifier = ContextStateClassifier
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
