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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

const loopDispatcherComponent = "loop-dispatcher"

// LoopID names a loop slot. An id is only meaningful while its slot is
// occupied; after RemoveLoopTask it may be handed to a different callback.
type LoopID int

// LoopFunc is a persistent callback run once per dispatch. A returned error
// or a panic is recorded as a LoopException.
type LoopFunc func() error

// LoopException records a failed loop run.
type LoopException struct {
	WorkerID int
	LoopID   LoopID
	Err      error
	Time     time.Time
}

// WorkerState is the run state of one dispatcher thread.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	default:
		return fmt.Sprintf("WorkerState(%d)", int32(s))
	}
}

type loopSlot struct {
	fn          LoopFunc
	onException func(LoopException)
}

// LoopDispatcher binds each of a fixed number of threads to one slot id.
// A slot's callback runs on its thread only when dispatched, and dispatches
// that arrive before the run starts are coalesced into one run.
type LoopDispatcher struct {
	opts   options
	logger *log.Entry

	// lifeMu serializes Start and Shutdown.
	lifeMu sync.Mutex

	// mu guards everything below it and is the lock behind cond.
	mu         sync.Mutex
	cond       *sync.Cond
	slots      FreeVector[loopSlot]
	dispatched []bool
	states     []atomic.Int32
	threads    int
	running    bool
	shutdown   bool
	workersWg  sync.WaitGroup

	// excMu guards exceptions only, so failure reporting never contends
	// with dispatch.
	excMu      sync.Mutex
	exceptions *queue.Queue
}

func NewLoopDispatcher(opts ...Option) *LoopDispatcher {
	o := buildOptions(loopDispatcherComponent, opts)
	d := &LoopDispatcher{
		opts:       o,
		logger:     o.logger,
		exceptions: queue.New(),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start spawns threadCount threads, thread i serving LoopID i. If
// threadCount <= 0 it defaults to runtime.NumCPU(). Start on a running
// dispatcher is a no-op; after Shutdown it starts a fresh set of threads.
// Registered slots survive a restart, so a restart fails with ErrCapacity
// unless threadCount covers the highest registered LoopID.
func (d *LoopDispatcher) Start(threadCount int) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if threadCount <= 0 {
		threadCount = runtime.NumCPU()
	}
	if need := d.requiredThreads(); threadCount < need {
		return fmt.Errorf("%w: %d threads requested, registered loops need %d", ErrCapacity, threadCount, need)
	}
	d.dispatched = make([]bool, threadCount)
	d.states = make([]atomic.Int32, threadCount)
	d.threads = threadCount
	d.shutdown = false
	d.running = true
	d.workersWg.Add(threadCount)
	for i := 0; i < threadCount; i++ {
		go d.worker(i)
	}
	d.opts.metrics.setWorkers(loopDispatcherComponent, threadCount)
	d.logger.Debugf("started %d loop threads", threadCount)
	return nil
}

// Shutdown wakes every thread and waits for it to exit. A callback that is
// running completes first. Safe to call twice or on a stopped dispatcher.
// It must not be called from a loop callback.
func (d *LoopDispatcher) Shutdown() {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	d.threads = 0
	d.cond.Broadcast()
	d.mu.Unlock()

	d.workersWg.Wait()

	d.mu.Lock()
	d.running = false
	d.dispatched = nil
	d.states = nil
	d.mu.Unlock()
	d.opts.metrics.setWorkers(loopDispatcherComponent, 0)
	d.logger.Debug("shut down")
}

// requiredThreads returns the thread count needed to serve every occupied
// slot. Caller holds d.mu.
func (d *LoopDispatcher) requiredThreads() int {
	need := 0
	d.slots.Range(func(i int, _ loopSlot) bool {
		need = i + 1
		return true
	})
	return need
}

// SetLoopTask stores fn in a free slot and returns its id. onException, if
// not nil, is called on the slot's thread after every failed run. It fails
// with ErrCapacity when every thread already owns a slot.
func (d *LoopDispatcher) SetLoopTask(fn LoopFunc, onException func(LoopException)) (LoopID, error) {
	if fn == nil {
		return -1, ErrNilTask
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots.Len() >= d.threads {
		return -1, fmt.Errorf("%w: %d of %d slots in use", ErrCapacity, d.slots.Len(), d.threads)
	}
	// lowest-index reuse keeps id < occupied <= threads
	id := d.slots.Insert(loopSlot{fn: fn, onException: onException})
	d.opts.metrics.setSlots(d.slots.Len())
	d.logger.Tracef("loop %d registered", id)
	return LoopID(id), nil
}

// RemoveLoopTask frees slot id and discards a pending dispatch for it.
func (d *LoopDispatcher) RemoveLoopTask(id LoopID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.slots.Erase(int(id)) {
		return fmt.Errorf("%w: %d", ErrUnknownLoop, id)
	}
	if int(id) < len(d.dispatched) {
		d.dispatched[id] = false
	}
	d.opts.metrics.setSlots(d.slots.Len())
	d.logger.Tracef("loop %d removed", id)
	return nil
}

// DispatchLoop asks the thread owning id to run its callback once.
func (d *LoopDispatcher) DispatchLoop(id LoopID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.shutdown {
		return ErrNotRunning
	}
	if !d.slots.Occupied(int(id)) || int(id) >= len(d.dispatched) {
		return fmt.Errorf("%w: %d", ErrUnknownLoop, id)
	}
	d.dispatched[id] = true
	d.cond.Broadcast()
	d.opts.metrics.loopDispatched()
	return nil
}

// DispatchAll dispatches every occupied slot with a single wakeup and
// returns how many slots were flagged.
func (d *LoopDispatcher) DispatchAll() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.shutdown {
		return 0, ErrNotRunning
	}
	n := 0
	d.slots.Range(func(i int, _ loopSlot) bool {
		if i < len(d.dispatched) {
			d.dispatched[i] = true
			n++
		}
		return true
	})
	if n > 0 {
		d.cond.Broadcast()
		for i := 0; i < n; i++ {
			d.opts.metrics.loopDispatched()
		}
	}
	return n, nil
}

// GetLastException pops the oldest recorded failure. ok is false when none
// is pending.
func (d *LoopDispatcher) GetLastException() (LoopException, bool) {
	d.excMu.Lock()
	defer d.excMu.Unlock()
	if d.exceptions.Length() == 0 {
		return LoopException{}, false
	}
	return d.exceptions.Remove().(LoopException), true
}

// PendingExceptions returns the number of queued failure records.
func (d *LoopDispatcher) PendingExceptions() int {
	d.excMu.Lock()
	defer d.excMu.Unlock()
	return d.exceptions.Length()
}

// LoopIDs returns the occupied slot ids in ascending order.
func (d *LoopDispatcher) LoopIDs() []LoopID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]LoopID, 0, d.slots.Len())
	d.slots.Range(func(i int, _ loopSlot) bool {
		ids = append(ids, LoopID(i))
		return true
	})
	return ids
}

// NumThreads returns the number of threads of a running dispatcher.
func (d *LoopDispatcher) NumThreads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threads
}

// Running reports whether the dispatcher has live threads.
func (d *LoopDispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.shutdown
}

// WorkerStates returns a snapshot of every thread's state, indexed by LoopID.
func (d *LoopDispatcher) WorkerStates() []WorkerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkerState, len(d.states))
	for i := range d.states {
		out[i] = WorkerState(d.states[i].Load())
	}
	return out
}

func (d *LoopDispatcher) worker(id int) {
	defer d.workersWg.Done()
	l := &threadLabeler{enabled: d.opts.labelThreads, logger: d.logger}
	l.lock()
	l.label(fmt.Sprintf("loop-%d", id))

	// states is replaced only after this worker has been joined
	d.mu.Lock()
	state := &d.states[id]
	d.mu.Unlock()

	for {
		d.mu.Lock()
		for !d.dispatched[id] && !d.shutdown {
			d.cond.Wait()
		}
		if d.shutdown {
			d.mu.Unlock()
			return
		}
		d.dispatched[id] = false
		// the slot may have changed while this thread was waiting
		slot, ok := d.slots.Get(id)
		d.mu.Unlock()
		if !ok {
			continue
		}

		state.Store(int32(WorkerRunning))
		err := safeCall(slot.fn)
		state.Store(int32(WorkerIdle))
		d.opts.metrics.loopRan(outcome(err))
		if err != nil {
			d.fail(id, slot, err)
		}
	}
}

func (d *LoopDispatcher) fail(workerID int, slot loopSlot, err error) {
	exc := LoopException{
		WorkerID: workerID,
		LoopID:   LoopID(workerID),
		Err:      err,
		Time:     time.Now(),
	}
	d.pushException(exc)

	entry := d.logger.WithField("loop", workerID)
	if pe, ok := err.(*PanicError); ok {
		entry.Warnf("loop callback panicked: %v", pe.Value)
	} else {
		entry.Debugf("loop callback failed: %v", err)
	}

	if slot.onException == nil {
		return
	}
	if herr := safeCall(func() error {
		slot.onException(exc)
		return nil
	}); herr != nil {
		entry.Errorf("loop exception handler panicked: %v", herr.(*PanicError).Value)
	}
}

func (d *LoopDispatcher) pushException(exc LoopException) {
	d.excMu.Lock()
	defer d.excMu.Unlock()
	for d.exceptions.Length() >= d.opts.exceptionQueueSize {
		d.exceptions.Remove()
		d.opts.metrics.exceptionDropped()
	}
	d.exceptions.Add(exc)
}
