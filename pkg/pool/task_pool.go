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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const taskPoolComponent = "task-pool"

// task is a named one-shot unit of work owned by the queue until a worker
// takes it. run resolves the task's future; drop resolves it without running.
type task struct {
	id       string
	name     string
	enqueued time.Time
	run      func() error
	drop     func(error)
}

// TaskPool runs one-shot closures on a fixed set of worker threads pulling
// from a shared FIFO. Shutdown is final for a pool instance.
type TaskPool struct {
	tasks  *WorkerPoolQueue[*task]
	opts   options
	logger *log.Entry

	mu       sync.Mutex
	started  bool
	shutdown bool
	workers  int
	stopped  chan struct{} // closed once Shutdown has joined every worker

	stopping  atomic.Bool
	workersWg sync.WaitGroup
}

// NewTaskPool creates a pool without workers. Tasks may be enqueued before
// Start; they run once workers exist.
func NewTaskPool(opts ...Option) *TaskPool {
	o := buildOptions(taskPoolComponent, opts)
	return &TaskPool{
		tasks:   NewWorkerPoolQueue[*task](),
		opts:    o,
		logger:  o.logger,
		stopped: make(chan struct{}),
	}
}

// Start spawns threadCount workers. If threadCount <= 0 it defaults to
// runtime.NumCPU(). Start on a running pool is a no-op.
func (p *TaskPool) Start(threadCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrPoolShutdown
	}
	if p.started {
		return nil
	}
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}
	p.started = true
	p.workers = threadCount
	p.workersWg.Add(threadCount)
	for i := 0; i < threadCount; i++ {
		go p.worker(i)
	}
	p.opts.metrics.setWorkers(taskPoolComponent, threadCount)
	p.logger.Debugf("started %d workers", threadCount)
	return nil
}

// Shutdown stops accepting tasks, wakes every worker and waits for them to
// exit. A task that already started always completes. Whether queued tasks
// still run depends on WithDrainOnShutdown. Concurrent and repeated calls
// return once the first call has joined the workers.
func (p *TaskPool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.shutdown = true
	started := p.started
	// close before publishing stopping: once IsShutdown is true, Put fails
	p.tasks.Close()
	p.stopping.Store(true)
	p.mu.Unlock()

	if !started || !p.opts.drainOnShutdown {
		p.dropQueued()
	}
	p.workersWg.Wait()

	p.mu.Lock()
	p.workers = 0
	p.mu.Unlock()
	p.opts.metrics.setWorkers(taskPoolComponent, 0)
	p.logger.Debug("shut down")
	close(p.stopped)
}

// Enqueue submits fn under name. The returned future resolves with fn's
// error, or a *PanicError if fn panicked.
func (p *TaskPool) Enqueue(name string, fn func() error) (*Future[struct{}], error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	return Submit(p, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
}

// Submit enqueues fn on p and returns a future for its value. name is used
// for logging and, when enabled, as the worker's OS thread name while fn runs.
// Submitting to a pool that is shut down returns ErrPoolShutdown.
func Submit[T any](p *TaskPool, name string, fn func() (T, error)) (*Future[T], error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	f := newFuture[T]()
	t := &task{
		id:       uuid.NewString(),
		name:     name,
		enqueued: time.Now(),
		run: func() error {
			var v T
			err := safeCall(func() error {
				var err error
				v, err = fn()
				return err
			})
			f.resolve(v, err)
			return err
		},
		drop: func(err error) {
			var zero T
			f.resolve(zero, err)
		},
	}
	if err := p.enqueue(t); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *TaskPool) enqueue(t *task) error {
	if err := p.tasks.Put(t); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrPoolShutdown
		}
		return err
	}
	p.opts.metrics.taskEnqueued(p.tasks.Len())
	p.logger.WithField("task-id", t.id).Tracef("enqueued task %q", t.name)
	return nil
}

// Bind fixes the argument of fn now, so later changes to the caller's
// variables do not reach the task.
func Bind[A, T any](fn func(A) (T, error), a A) func() (T, error) {
	return func() (T, error) {
		return fn(a)
	}
}

// Bind2 is Bind for two-argument functions.
func Bind2[A, B, T any](fn func(A, B) (T, error), a A, b B) func() (T, error) {
	return func() (T, error) {
		return fn(a, b)
	}
}

// Pending returns the number of tasks waiting for a worker.
func (p *TaskPool) Pending() int {
	return p.tasks.Len()
}

// NumWorkers returns the number of live workers.
func (p *TaskPool) NumWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// IsShutdown reports whether Shutdown has been called.
func (p *TaskPool) IsShutdown() bool {
	return p.stopping.Load()
}

func (p *TaskPool) worker(id int) {
	defer p.workersWg.Done()
	defaultName := fmt.Sprintf("taskpool-%d", id)
	l := &threadLabeler{enabled: p.opts.labelThreads, logger: p.logger}
	l.lock()
	l.label(defaultName)
	for {
		t, ok := p.tasks.Get()
		if !ok {
			// queue closed and drained
			return
		}
		if p.stopping.Load() && !p.opts.drainOnShutdown {
			p.dropTask(t)
			continue
		}
		if t.name != "" {
			l.label(t.name)
		} else {
			l.label(defaultName)
		}
		p.execute(id, t)
	}
}

func (p *TaskPool) execute(workerID int, t *task) {
	start := time.Now()
	err := t.run()
	took := time.Since(start)
	p.opts.metrics.taskDone(outcome(err), took, p.tasks.Len())

	entry := p.logger.WithFields(log.Fields{
		"worker":  workerID,
		"task-id": t.id,
	})
	switch e := err.(type) {
	case nil:
		entry.Tracef("task %q done in %s (queued %s)", t.name, took, start.Sub(t.enqueued))
	case *PanicError:
		entry.Warnf("task %q panicked: %v", t.name, e.Value)
	default:
		entry.Debugf("task %q failed: %v", t.name, err)
	}
}

func (p *TaskPool) dropQueued() {
	for _, t := range p.tasks.Drain() {
		p.dropTask(t)
	}
}

func (p *TaskPool) dropTask(t *task) {
	t.drop(ErrPoolShutdown)
	p.opts.metrics.taskDone(resultDropped, 0, p.tasks.Len())
	p.logger.WithField("task-id", t.id).Debugf("dropped task %q at shutdown", t.name)
}
