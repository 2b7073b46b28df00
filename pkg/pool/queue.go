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
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// noCopy may be embedded into structs which must not be copied after first use.
// go vet will warn on accidental copies (it looks for Lock methods).
type noCopy struct{}

func (*noCopy) Lock() {}

// WorkerPoolQueue is a simple, single-mutex MPMC FIFO.
// Waiters block on cond, which shares mu with every mutation so a Put can
// never slip between a consumer's emptiness check and its Wait.
type WorkerPoolQueue[T any] struct {
	noCopy noCopy

	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
	size   int64 // queued count, readable without mu
}

// NewWorkerPoolQueue constructs a new queue.
func NewWorkerPoolQueue[T any]() *WorkerPoolQueue[T] {
	q := &WorkerPoolQueue[T]{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends v to the back of the queue and wakes one waiter.
func (q *WorkerPoolQueue[T]) Put(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items.Add(v)
	atomic.AddInt64(&q.size, 1)
	q.cond.Signal()
	return nil
}

// Get blocks until an item is available or the queue is closed.
// A closed queue keeps handing out items until it is empty.
func (q *WorkerPoolQueue[T]) Get() (T, bool) {
	q.mu.Lock()
	for q.items.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	v := q.items.Remove().(T)
	q.mu.Unlock()

	atomic.AddInt64(&q.size, -1)
	return v, true
}

// TryGet pops the front item without blocking.
func (q *WorkerPoolQueue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	if q.items.Length() == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	v := q.items.Remove().(T)
	q.mu.Unlock()
	atomic.AddInt64(&q.size, -1)
	return v, true
}

// Drain removes and returns everything still queued, oldest first.
func (q *WorkerPoolQueue[T]) Drain() []T {
	q.mu.Lock()
	out := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		out = append(out, q.items.Remove().(T))
	}
	q.mu.Unlock()
	atomic.AddInt64(&q.size, -int64(len(out)))
	return out
}

func (q *WorkerPoolQueue[T]) Len() int {
	return int(atomic.LoadInt64(&q.size))
}

// Closed reports whether Close has been called.
func (q *WorkerPoolQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further Puts and wakes every waiter. Safe to call more than once.
func (q *WorkerPoolQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
