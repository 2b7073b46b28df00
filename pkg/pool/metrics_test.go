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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	require.NoError(t, m.Register(reg))

	var are prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, m.Register(reg), &are)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.taskEnqueued(1)
	m.taskDone(resultOK, time.Millisecond, 0)
	m.loopDispatched()
	m.loopRan(resultError)
	m.exceptionDropped()
	m.setSlots(1)
	m.setWorkers(taskPoolComponent, 1)
}

func TestMetrics_TaskPool(t *testing.T) {
	m := NewMetrics()
	p := NewTaskPool(WithMetrics(m))
	require.NoError(t, p.Start(2))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.workers.WithLabelValues(taskPoolComponent)))

	var futures []*Future[struct{}]
	for _, fn := range []func() error{
		func() error { return nil },
		func() error { return nil },
		func() error { return errors.New("nope") },
		func() error { panic("boom") },
	} {
		f, err := p.Enqueue("metered", fn)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, _ = f.Wait(context.Background())
	}
	p.Shutdown()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.tasksEnqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksCompleted.WithLabelValues(resultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted.WithLabelValues(resultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted.WithLabelValues(resultPanic)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workers.WithLabelValues(taskPoolComponent)))
}

func TestMetrics_LoopDispatcher(t *testing.T) {
	m := NewMetrics()
	d := NewLoopDispatcher(WithMetrics(m), WithExceptionQueueSize(1))
	require.NoError(t, d.Start(2))

	hook := make(chan struct{}, 4)
	id, err := d.SetLoopTask(func() error { return errors.New("fail") }, func(LoopException) { hook <- struct{}{} })
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.slotsOccupied))

	for i := 0; i < 2; i++ {
		require.NoError(t, d.DispatchLoop(id))
		<-hook
	}
	d.Shutdown()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loopDispatches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loopRuns.WithLabelValues(resultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exceptionsDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workers.WithLabelValues(loopDispatcherComponent)))

	require.NoError(t, d.RemoveLoopTask(id))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.slotsOccupied))
}
