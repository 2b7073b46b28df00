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

import "context"

// Result holds the outcome of a task's execution.
type Result[T any] struct {
	Value T
	Error error
}

// Future is the handle returned for every task submitted to a TaskPool.
// It resolves exactly once, either with the task's outcome or with
// ErrPoolShutdown when the task was dropped before it started.
type Future[T any] struct {
	done chan struct{}
	res  Result[T]
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve must be called at most once.
func (f *Future[T]) resolve(v T, err error) {
	f.res = Result[T]{Value: v, Error: err}
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finished or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Error
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Poll returns the result if it is ready. ok is false while the task is pending.
func (f *Future[T]) Poll() (Result[T], bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result[T]{}, false
	}
}

// Result blocks until the task finished and returns its outcome.
func (f *Future[T]) Result() Result[T] {
	<-f.done
	return f.res
}
