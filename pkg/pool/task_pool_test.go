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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitAll[T any](t *testing.T, futures []*Future[T]) []Result[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]Result[T], len(futures))
	for i, f := range futures {
		v, err := f.Wait(ctx)
		require.NotErrorIs(t, err, context.DeadlineExceeded, "future %d did not resolve", i)
		out[i] = Result[T]{Value: v, Error: err}
	}
	return out
}

func TestTaskPool_FIFOWithSingleWorker(t *testing.T) {
	p := NewTaskPool()
	defer p.Shutdown()

	var mu sync.Mutex
	var order []int
	futures := make([]*Future[struct{}], 0, 50)
	for i := 0; i < 50; i++ {
		i := i // per-iteration copy (go 1.21 loop semantics)
		f, err := p.Enqueue("fifo", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	assert.Equal(t, 50, p.Pending())

	require.NoError(t, p.Start(1))
	waitAll(t, futures)

	expected := make([]int, 50)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestTaskPool_EndToEnd(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(4))
	assert.Equal(t, 4, p.NumWorkers())

	var mu sync.Mutex
	var seen []int
	futures := make([]*Future[int], 0, 100)
	for i := 0; i < 100; i++ {
		f, err := Submit(p, "append", Bind(func(n int) (int, error) {
			mu.Lock()
			seen = append(seen, n)
			mu.Unlock()
			return n * 2, nil
		}, i))
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, r := range waitAll(t, futures) {
		require.NoError(t, r.Error)
		assert.Equal(t, i*2, r.Value)
	}
	p.Shutdown()
	assert.Equal(t, 0, p.NumWorkers())

	require.Len(t, seen, 100)
	count := make(map[int]int)
	for _, n := range seen {
		count[n]++
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, 1, count[i], "index %d", i)
	}
}

func TestTaskPool_EnqueueAfterShutdown(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(2))
	p.Shutdown()
	assert.True(t, p.IsShutdown())

	f, err := p.Enqueue("late", func() error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.Nil(t, f)

	_, err = Submit(p, "late", func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.Equal(t, 0, p.Pending())
}

func TestTaskPool_EnqueueRacingShutdown(t *testing.T) {
	p := NewTaskPool(WithDrainOnShutdown(false))
	require.NoError(t, p.Start(2))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				shut := p.IsShutdown()
				_, err := p.Enqueue("racer", func() error { return nil })
				if shut {
					// a pool observed as shut down never accepts a task
					assert.ErrorIs(t, err, ErrPoolShutdown)
					return
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	p.Shutdown()
	wg.Wait()
	assert.Equal(t, 0, p.Pending())
}

func TestTaskPool_StartAfterShutdown(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(2))
	require.NoError(t, p.Start(8))
	assert.Equal(t, 2, p.NumWorkers())
	p.Shutdown()
	assert.ErrorIs(t, p.Start(2), ErrPoolShutdown)
	assert.Equal(t, 0, p.NumWorkers())
}

func TestTaskPool_NilTask(t *testing.T) {
	p := NewTaskPool()
	defer p.Shutdown()
	_, err := p.Enqueue("nil", nil)
	assert.ErrorIs(t, err, ErrNilTask)
	_, err = Submit[int](p, "nil", nil)
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestTaskPool_PanicAndErrorCapturedInFuture(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(1))
	defer p.Shutdown()

	boom, err := p.Enqueue("boom", func() error { panic("boom") })
	require.NoError(t, err)
	errTask := errors.New("task failed")
	failing, err := Submit(p, "fail", func() (string, error) { return "partial", errTask })
	require.NoError(t, err)
	after, err := Submit(p, "after", func() (string, error) { return "still alive", nil })
	require.NoError(t, err)

	r := boom.Result()
	var pe *PanicError
	require.ErrorAs(t, r.Error, &pe)
	assert.Equal(t, "boom", pe.Value)
	assert.Contains(t, pe.Stack, "goroutine")

	v, err := failing.Wait(context.Background())
	assert.ErrorIs(t, err, errTask)
	assert.Equal(t, "partial", v)

	v, err = after.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
	assert.Equal(t, 1, p.NumWorkers())
}

func TestTaskPool_ShutdownIdempotent(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		p := NewTaskPool()
		p.Shutdown()
		p.Shutdown()
	})
	t.Run("started", func(t *testing.T) {
		p := NewTaskPool()
		require.NoError(t, p.Start(3))
		p.Shutdown()
		p.Shutdown()
		assert.Equal(t, 0, p.NumWorkers())
	})
	t.Run("concurrent", func(t *testing.T) {
		p := NewTaskPool()
		require.NoError(t, p.Start(3))
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Shutdown()
				assert.Equal(t, 0, p.NumWorkers())
			}()
		}
		wg.Wait()
	})
}

func TestTaskPool_ShutdownDrainsQueuedTasks(t *testing.T) {
	p := NewTaskPool(WithDrainOnShutdown(true))
	require.NoError(t, p.Start(1))

	release := make(chan struct{})
	started := make(chan struct{})
	first, err := p.Enqueue("blocker", func() error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var ran int64
	futures := make([]*Future[struct{}], 0, 10)
	for i := 0; i < 10; i++ {
		f, err := p.Enqueue("queued", func() error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	require.Eventually(t, p.IsShutdown, time.Second, time.Millisecond)
	close(release)
	<-done

	require.NoError(t, first.Result().Error)
	for _, r := range waitAll(t, futures) {
		assert.NoError(t, r.Error)
	}
	assert.Equal(t, int64(10), atomic.LoadInt64(&ran))
}

func TestTaskPool_ShutdownDropsQueuedTasks(t *testing.T) {
	p := NewTaskPool(WithDrainOnShutdown(false))
	require.NoError(t, p.Start(1))

	release := make(chan struct{})
	started := make(chan struct{})
	first, err := p.Enqueue("blocker", func() error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	var ran int64
	futures := make([]*Future[struct{}], 0, 10)
	for i := 0; i < 10; i++ {
		f, err := p.Enqueue("queued", func() error {
			atomic.AddInt64(&ran, 1)
			return nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	require.Eventually(t, p.IsShutdown, time.Second, time.Millisecond)
	close(release)
	<-done

	// the running task still completes
	require.NoError(t, first.Result().Error)
	for _, r := range waitAll(t, futures) {
		assert.ErrorIs(t, r.Error, ErrPoolShutdown)
	}
	assert.Zero(t, atomic.LoadInt64(&ran))
}

func TestTaskPool_ShutdownWithoutWorkersResolvesFutures(t *testing.T) {
	p := NewTaskPool()
	f, err := Submit(p, "orphan", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	p.Shutdown()

	v, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.Zero(t, v)
}

func TestFuture_PollAndWaitTimeout(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(1))
	defer p.Shutdown()

	release := make(chan struct{})
	f, err := Submit(p, "slow", func() (int, error) {
		<-release
		return 7, nil
	})
	require.NoError(t, err)

	_, ok := f.Poll()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-f.Done()
	res, ok := f.Poll()
	require.True(t, ok)
	require.NoError(t, res.Error)
	assert.Equal(t, 7, res.Value)
}

func TestBind_CopiesArgumentsEagerly(t *testing.T) {
	p := NewTaskPool()
	require.NoError(t, p.Start(1))
	defer p.Shutdown()

	a, b := 1, "x"
	fn := Bind2(func(n int, s string) (string, error) {
		return s + string(rune('0'+n)), nil
	}, a, b)
	a, b = 9, "y"
	_, _ = a, b

	f, err := Submit(p, "bound", fn)
	require.NoError(t, err)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x1", v)
}
