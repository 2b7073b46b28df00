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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrGroupClosed = errors.New("task group closed for submit")

// GroupMode controls group failure semantics.
type GroupMode int

const (
	// GroupFailFast: the first error stops the group's remaining tasks.
	GroupFailFast GroupMode = iota
	// GroupTolerant: errors are collected, tasks continue.
	GroupTolerant
)

// Group is a logical batch of tasks sharing a TaskPool's workers. It tracks
// its own inflight count so callers can wait for just their batch.
type Group struct {
	pool *TaskPool
	mode GroupMode

	closed   atomic.Bool
	firstErr atomic.Pointer[error]
	inflight atomic.Int64

	mu   sync.Mutex
	errs []error // GroupTolerant only

	waitOnce sync.Once
	done     chan struct{}
}

// NewGroup creates a group that submits into p.
func (p *TaskPool) NewGroup(mode GroupMode) *Group {
	return &Group{
		pool: p,
		mode: mode,
		done: make(chan struct{}),
	}
}

// Go submits fn to the group. Tasks of a failed fail-fast group are skipped
// when their turn comes. A task dropped by pool shutdown counts as failed
// with ErrPoolShutdown.
func (g *Group) Go(name string, fn func() error) error {
	if fn == nil {
		return ErrNilTask
	}
	// count before checking closed, so CloseForSubmit cannot observe zero
	// inflight while this submission is still in progress
	g.inflight.Add(1)
	if g.closed.Load() || g.failed() {
		g.decrementInflight()
		return ErrGroupClosed
	}

	t := &task{
		id:       uuid.NewString(),
		name:     name,
		enqueued: time.Now(),
		run: func() error {
			defer g.decrementInflight()
			if g.failed() {
				return nil
			}
			err := safeCall(fn)
			g.record(err)
			return err
		},
		drop: func(err error) {
			g.record(err)
			g.decrementInflight()
		},
	}
	if err := g.pool.enqueue(t); err != nil {
		g.decrementInflight()
		return err
	}
	return nil
}

// CloseForSubmit stops the group from accepting tasks. Wait returns once
// every accepted task has run or been skipped.
func (g *Group) CloseForSubmit() {
	g.closed.Store(true)
	if g.inflight.Load() == 0 {
		g.waitOnce.Do(func() {
			close(g.done)
		})
	}
}

// Wait blocks until the group is closed for submit and drained.
func (g *Group) Wait() {
	<-g.done
}

// CloseAndWait closes the group for submission and waits for it to drain.
func (g *Group) CloseAndWait() {
	g.CloseForSubmit()
	g.Wait()
}

// FirstError returns the first recorded error, or nil.
func (g *Group) FirstError() error {
	if p := g.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Errors returns a snapshot of collected errors. For fail-fast groups this
// is the first error, if any.
func (g *Group) Errors() []error {
	if g.mode == GroupFailFast {
		if err := g.FirstError(); err != nil {
			return []error{err}
		}
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]error, len(g.errs))
	copy(out, g.errs)
	return out
}

func (g *Group) failed() bool {
	return g.mode == GroupFailFast && g.firstErr.Load() != nil
}

func (g *Group) record(err error) {
	if err == nil {
		return
	}
	g.firstErr.CompareAndSwap(nil, &err)
	if g.mode == GroupTolerant {
		g.mu.Lock()
		g.errs = append(g.errs, err)
		g.mu.Unlock()
	}
}

func (g *Group) decrementInflight() {
	if remaining := g.inflight.Add(-1); remaining == 0 && g.closed.Load() {
		g.waitOnce.Do(func() {
			close(g.done)
		})
	}
}
