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

package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	LogLevel       string                `yaml:"log-level,omitempty" json:"log-level,omitempty"`
	TaskPool       *TaskPoolConfig       `yaml:"task-pool,omitempty" json:"task-pool,omitempty"`
	LoopDispatcher *LoopDispatcherConfig `yaml:"loop-dispatcher,omitempty" json:"loop-dispatcher,omitempty"`
	Prometheus     *PromConfig           `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
}

type TaskPoolConfig struct {
	Workers         int   `yaml:"workers,omitempty" json:"workers,omitempty"`
	DrainOnShutdown *bool `yaml:"drain-on-shutdown,omitempty" json:"drain-on-shutdown,omitempty"`
	LabelThreads    *bool `yaml:"label-threads,omitempty" json:"label-threads,omitempty"`
}

type LoopDispatcherConfig struct {
	Threads            int           `yaml:"threads,omitempty" json:"threads,omitempty"`
	ExceptionQueueSize int           `yaml:"exception-queue-size,omitempty" json:"exception-queue-size,omitempty"`
	LabelThreads       *bool         `yaml:"label-threads,omitempty" json:"label-threads,omitempty"`
	TickInterval       time.Duration `yaml:"tick-interval,omitempty" json:"tick-interval,omitempty"`
}

type PromConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// New reads the YAML file at path ("~" is expanded) and fills in defaults.
// An empty path yields the default configuration.
func New(file string) (*Config, error) {
	c := new(Config)
	if file != "" {
		path, err := homedir.Expand(file)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		err = yaml.Unmarshal(b, c)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}
	err := c.validateSetDefaults()
	return c, err
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func (c *Config) validateSetDefaults() error {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.TaskPool == nil {
		c.TaskPool = &TaskPoolConfig{}
	}
	if err := c.TaskPool.validateSetDefaults(); err != nil {
		return err
	}
	if c.LoopDispatcher == nil {
		c.LoopDispatcher = &LoopDispatcherConfig{}
	}
	if err := c.LoopDispatcher.validateSetDefaults(); err != nil {
		return err
	}
	if c.Prometheus != nil && c.Prometheus.Address == "" {
		c.Prometheus.Address = defaultPrometheusAddress
	}
	return nil
}

func (t *TaskPoolConfig) validateSetDefaults() error {
	if t.Workers < 0 {
		return fmt.Errorf("task-pool workers must not be negative, got %d", t.Workers)
	}
	if t.Workers == 0 {
		t.Workers = runtime.NumCPU()
	}
	if t.DrainOnShutdown == nil {
		t.DrainOnShutdown = pointer.ToBool(defaultDrainOnShutdown)
	}
	if t.LabelThreads == nil {
		t.LabelThreads = pointer.ToBool(defaultLabelThreads)
	}
	return nil
}

func (l *LoopDispatcherConfig) validateSetDefaults() error {
	if l.Threads < 0 {
		return fmt.Errorf("loop-dispatcher threads must not be negative, got %d", l.Threads)
	}
	if l.Threads == 0 {
		l.Threads = defaultLoopThreads
	}
	if l.ExceptionQueueSize <= 0 {
		l.ExceptionQueueSize = defaultExceptionQueueSize
	}
	if l.LabelThreads == nil {
		l.LabelThreads = pointer.ToBool(defaultLabelThreads)
	}
	if l.TickInterval < 0 {
		return fmt.Errorf("loop-dispatcher tick-interval must not be negative, got %s", l.TickInterval)
	}
	if l.TickInterval == 0 {
		l.TickInterval = defaultTickInterval
	}
	return nil
}
