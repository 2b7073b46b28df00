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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/gorilla/mux"
	"github.com/iptecharch/taskloop/pkg/config"
	"github.com/iptecharch/taskloop/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const httpShutdownTimeout = 5 * time.Second

// Server hosts one TaskPool and one LoopDispatcher configured from a
// config.Config. While serving it dispatches every registered loop once per
// tick and exposes Prometheus metrics.
type Server struct {
	config *config.Config
	logger *log.Entry

	pool    *pool.TaskPool
	loops   *pool.LoopDispatcher
	metrics *pool.Metrics

	router *mux.Router
	reg    *prometheus.Registry

	m         sync.RWMutex
	loopNames map[pool.LoopID]string
	cfn       context.CancelFunc
}

func New(c *config.Config) (*Server, error) {
	s := &Server{
		config:    c,
		logger:    log.WithField("component", "server"),
		metrics:   pool.NewMetrics(),
		router:    mux.NewRouter(),
		reg:       prometheus.NewRegistry(),
		loopNames: make(map[pool.LoopID]string),
	}
	if err := s.metrics.Register(s.reg); err != nil {
		return nil, err
	}
	s.reg.MustRegister(collectors.NewGoCollector())
	s.reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.pool = pool.NewTaskPool(
		pool.WithLogger(log.WithField("component", "task-pool")),
		pool.WithMetrics(s.metrics),
		pool.WithDrainOnShutdown(pointer.GetBool(c.TaskPool.DrainOnShutdown)),
		pool.WithThreadLabels(pointer.GetBool(c.TaskPool.LabelThreads)),
	)
	s.loops = pool.NewLoopDispatcher(
		pool.WithLogger(log.WithField("component", "loop-dispatcher")),
		pool.WithMetrics(s.metrics),
		pool.WithExceptionQueueSize(c.LoopDispatcher.ExceptionQueueSize),
		pool.WithThreadLabels(pointer.GetBool(c.LoopDispatcher.LabelThreads)),
	)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	return s, nil
}

// Pool returns the task pool. It accepts tasks before Serve starts its workers.
func (s *Server) Pool() *pool.TaskPool { return s.pool }

// Loops returns the loop dispatcher.
func (s *Server) Loops() *pool.LoopDispatcher { return s.loops }

// Handler returns the HTTP handler serving /metrics and /healthz.
func (s *Server) Handler() http.Handler { return s.router }

// RegisterLoop adds fn to the set of loops dispatched on every tick.
// The dispatcher needs threads first, so call it after Start.
func (s *Server) RegisterLoop(name string, fn pool.LoopFunc, onException func(pool.LoopException)) (pool.LoopID, error) {
	id, err := s.loops.SetLoopTask(fn, onException)
	if err != nil {
		return id, fmt.Errorf("failed to register loop %q: %w", name, err)
	}
	s.m.Lock()
	s.loopNames[id] = name
	s.m.Unlock()
	s.logger.Debugf("registered loop %q as %d", name, id)
	return id, nil
}

// UnregisterLoop removes the loop registered as id.
func (s *Server) UnregisterLoop(id pool.LoopID) error {
	if err := s.loops.RemoveLoopTask(id); err != nil {
		return err
	}
	s.m.Lock()
	name := s.loopNames[id]
	delete(s.loopNames, id)
	s.m.Unlock()
	s.logger.Debugf("unregistered loop %q (%d)", name, id)
	return nil
}

// Start starts the task pool and the loop dispatcher. It is a no-op when
// they already run, so callers may Start, register loops, then Serve.
func (s *Server) Start() error {
	if err := s.pool.Start(s.config.TaskPool.Workers); err != nil {
		return err
	}
	return s.loops.Start(s.config.LoopDispatcher.Threads)
}

// Serve starts both components and runs until ctx is canceled or Stop is
// called, then shuts them down. Queued tasks follow the configured
// drain-on-shutdown policy. A Server serves once.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.m.Lock()
	s.cfn = cancel
	s.m.Unlock()

	if err := s.Start(); err != nil {
		return err
	}
	s.logger.Infof("serving: %d task workers, %d loop threads, tick %s",
		s.pool.NumWorkers(), s.loops.NumThreads(), s.config.LoopDispatcher.TickInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.tick(gctx)
	})
	if s.config.Prometheus != nil {
		srv := &http.Server{
			Addr:         s.config.Prometheus.Address,
			Handler:      s.router,
			ReadTimeout:  time.Minute,
			WriteTimeout: time.Minute,
		}
		g.Go(func() error {
			s.logger.Infof("metrics server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server stopped: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	s.loops.Shutdown()
	s.pool.Shutdown()
	s.logExceptions()
	s.logger.Info("stopped")
	return err
}

// Stop makes a running Serve return.
func (s *Server) Stop() {
	s.m.RLock()
	cfn := s.cfn
	s.m.RUnlock()
	if cfn != nil {
		cfn()
	}
}

func (s *Server) tick(ctx context.Context) error {
	t := time.NewTicker(s.config.LoopDispatcher.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.loops.DispatchAll(); err != nil {
				if errors.Is(err, pool.ErrNotRunning) {
					return nil
				}
				return err
			}
			s.logExceptions()
		}
	}
}

func (s *Server) logExceptions() {
	for {
		e, ok := s.loops.GetLastException()
		if !ok {
			return
		}
		s.m.RLock()
		name := s.loopNames[e.LoopID]
		s.m.RUnlock()
		s.logger.WithFields(log.Fields{
			"loop":    name,
			"loop-id": e.LoopID,
			"worker":  e.WorkerID,
			"at":      e.Time.Format(time.RFC3339Nano),
		}).Errorf("loop failed: %v", e.Err)
	}
}

type health struct {
	TaskWorkers       int               `json:"task-workers"`
	PendingTasks      int               `json:"pending-tasks"`
	LoopThreads       int               `json:"loop-threads"`
	Loops             map[string]string `json:"loops,omitempty"`
	PendingExceptions int               `json:"pending-exceptions"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := health{
		TaskWorkers:       s.pool.NumWorkers(),
		PendingTasks:      s.pool.Pending(),
		LoopThreads:       s.loops.NumThreads(),
		PendingExceptions: s.loops.PendingExceptions(),
	}
	states := s.loops.WorkerStates()
	s.m.RLock()
	if len(s.loopNames) > 0 {
		h.Loops = make(map[string]string, len(s.loopNames))
		for id, name := range s.loopNames {
			state := "stopped"
			if int(id) < len(states) {
				state = states[id].String()
			}
			h.Loops[name] = state
		}
	}
	s.m.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Errorf("failed to encode health: %v", err)
	}
}
