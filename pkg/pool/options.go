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
	log "github.com/sirupsen/logrus"
)

const defaultExceptionQueueSize = 64

// Option configures a TaskPool or a LoopDispatcher.
type Option func(*options)

type options struct {
	logger             *log.Entry
	metrics            *Metrics
	labelThreads       bool
	drainOnShutdown    bool
	exceptionQueueSize int
}

func defaultOptions(component string) options {
	return options{
		logger:             log.NewEntry(log.StandardLogger()).WithField("component", component),
		labelThreads:       true,
		drainOnShutdown:    true,
		exceptionQueueSize: defaultExceptionQueueSize,
	}
}

func buildOptions(component string, opts []Option) options {
	o := defaultOptions(component)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the entry used for lifecycle and failure logging.
func WithLogger(l *log.Entry) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics attaches a Metrics set. Components run without one.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithThreadLabels controls whether workers lock themselves to an OS thread
// and name it after the work they run. Enabled by default.
func WithThreadLabels(enabled bool) Option {
	return func(o *options) {
		o.labelThreads = enabled
	}
}

// WithDrainOnShutdown selects the TaskPool shutdown policy. When true (the
// default) Shutdown runs every task queued before it was called. When false
// unstarted tasks are dropped and their futures fail with ErrPoolShutdown.
func WithDrainOnShutdown(drain bool) Option {
	return func(o *options) {
		o.drainOnShutdown = drain
	}
}

// WithExceptionQueueSize bounds the LoopDispatcher exception queue.
// Once full, the oldest record is discarded.
func WithExceptionQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.exceptionQueueSize = n
		}
	}
}
