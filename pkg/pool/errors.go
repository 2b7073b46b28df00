// Copyright 2024 Nokia
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

package pool

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrClosed is returned by WorkerPoolQueue.Put after Close.
	ErrClosed = errors.New("queue closed")
	// ErrPoolShutdown is returned when work is offered to a TaskPool that has
	// been shut down. Futures of tasks dropped at shutdown resolve with it too.
	ErrPoolShutdown = errors.New("task pool is shut down")
	// ErrNilTask rejects a nil task or loop callback.
	ErrNilTask = errors.New("nil task")
	// ErrCapacity is returned by SetLoopTask when every thread already owns a slot.
	ErrCapacity = errors.New("no free loop slot")
	// ErrUnknownLoop is returned for a LoopID that does not name an occupied slot.
	ErrUnknownLoop = errors.New("unknown loop id")
	// ErrNotRunning is returned by DispatchLoop when the dispatcher has no threads.
	ErrNotRunning = errors.New("loop dispatcher is not running")
)

// PanicError wraps a recovered panic value and its stack trace.
type PanicError struct {
	Value interface{}
	Stack string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.Value, p.Stack)
}

// newPanicError must be called from the deferred function that recovered r.
func newPanicError(r interface{}) *PanicError {
	return &PanicError{Value: r, Stack: string(debug.Stack())}
}

// safeCall runs fn and turns a panic into a *PanicError.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn()
}
