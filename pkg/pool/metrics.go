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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "taskloop"

// task outcome label values
const (
	resultOK      = "ok"
	resultError   = "error"
	resultPanic   = "panic"
	resultDropped = "dropped"
)

// Metrics groups the Prometheus collectors updated by TaskPool and
// LoopDispatcher. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksEnqueued     prometheus.Counter
	tasksCompleted    *prometheus.CounterVec
	taskQueueDepth    prometheus.Gauge
	taskDuration      prometheus.Histogram
	loopDispatches    prometheus.Counter
	loopRuns          *prometheus.CounterVec
	exceptionsDropped prometheus.Counter
	slotsOccupied     prometheus.Gauge
	workers           *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the task pool.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks resolved by the task pool, by result.",
		}, []string{"result"}),
		taskQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "task_queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		loopDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "loop_dispatches_total",
			Help:      "DispatchLoop calls accepted.",
		}),
		loopRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "loop_runs_total",
			Help:      "Loop callback invocations, by result.",
		}, []string{"result"}),
		exceptionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "loop_exceptions_dropped_total",
			Help:      "Loop exceptions discarded because the exception queue was full.",
		}),
		slotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "loop_slots_occupied",
			Help:      "Loop slots holding a callback.",
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers",
			Help:      "Live worker threads, by component.",
		}, []string{"component"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.tasksEnqueued,
		m.tasksCompleted,
		m.taskQueueDepth,
		m.taskDuration,
		m.loopDispatches,
		m.loopRuns,
		m.exceptionsDropped,
		m.slotsOccupied,
		m.workers,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) taskEnqueued(depth int) {
	if m == nil {
		return
	}
	m.tasksEnqueued.Inc()
	m.taskQueueDepth.Set(float64(depth))
}

func (m *Metrics) taskDone(result string, took time.Duration, depth int) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(result).Inc()
	if result != resultDropped {
		m.taskDuration.Observe(took.Seconds())
	}
	m.taskQueueDepth.Set(float64(depth))
}

func (m *Metrics) loopDispatched() {
	if m == nil {
		return
	}
	m.loopDispatches.Inc()
}

func (m *Metrics) loopRan(result string) {
	if m == nil {
		return
	}
	m.loopRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) exceptionDropped() {
	if m == nil {
		return
	}
	m.exceptionsDropped.Inc()
}

func (m *Metrics) setSlots(n int) {
	if m == nil {
		return
	}
	m.slotsOccupied.Set(float64(n))
}

func (m *Metrics) setWorkers(component string, n int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(component).Set(float64(n))
}

// outcome maps an execution error to a result label.
func outcome(err error) string {
	switch err.(type) {
	case nil:
		return resultOK
	case *PanicError:
		return resultPanic
	default:
		return resultError
	}
}
