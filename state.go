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
	"reflect"
)

// State is an opaque affinity token attached to a pooled connection when
// it is released, for example the identity of the user whose credentials
// were used on it. A request only reuses an idle connection whose state
// equals the requested one. States are compared with ==, so they must be
// comparable; the pool never looks inside them. A nil State means the
// connection carries no affinity.
type State any

// StateClassifier maps the context of a request to the State used to
// request and release connections for it.
type StateClassifier interface {
	State(ctx context.Context) State
}

// StateClassifierFunc adapts a function to the StateClassifier interface.
type StateClassifierFunc func(ctx context.Context) State

// State implements StateClassifier.
func (f StateClassifierFunc) State(ctx context.Context) State {
	return f(ctx)
}

// ContextStateClassifier classifies contexts using the state stored by
// [WithState]. It is the default classifier of a [Manager].
//
//nolint:gochecknoglobals
var ContextStateClassifier StateClassifier = StateClassifierFunc(StateFromContext)

type stateContextKey struct{}

// WithState returns a context that carries the given state.
func WithState(ctx context.Context, state State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, state)
}

// StateFromContext returns the state stored in ctx by WithState, or nil.
func StateFromContext(ctx context.Context) State {
	state, _ := ctx.Value(stateContextKey{}).(State)
	return state
}

func checkState(state State) error {
	if state == nil {
		return nil
	}
	// interface fields may hold uncomparable values
	if !reflect.ValueOf(state).Comparable() {
		return misuse("state of type %T is not comparable", state)
	}
	return nil
}
