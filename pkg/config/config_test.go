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
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/kylelemons/godebug/pretty"
	log "github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "taskloop.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Config
		wantErr bool
	}{
		{
			name: "defaults",
			body: "",
			want: &Config{
				LogLevel: "info",
				TaskPool: &TaskPoolConfig{
					Workers:         runtime.NumCPU(),
					DrainOnShutdown: pointer.ToBool(true),
					LabelThreads:    pointer.ToBool(true),
				},
				LoopDispatcher: &LoopDispatcherConfig{
					Threads:            4,
					ExceptionQueueSize: 64,
					LabelThreads:       pointer.ToBool(true),
					TickInterval:       16 * time.Millisecond,
				},
			},
		},
		{
			name: "full",
			body: `
log-level: debug
task-pool:
  workers: 8
  drain-on-shutdown: false
loop-dispatcher:
  threads: 2
  exception-queue-size: 10
  label-threads: false
  tick-interval: 5ms
prometheus: {}
`,
			want: &Config{
				LogLevel: "debug",
				TaskPool: &TaskPoolConfig{
					Workers:         8,
					DrainOnShutdown: pointer.ToBool(false),
					LabelThreads:    pointer.ToBool(true),
				},
				LoopDispatcher: &LoopDispatcherConfig{
					Threads:            2,
					ExceptionQueueSize: 10,
					LabelThreads:       pointer.ToBool(false),
					TickInterval:       5 * time.Millisecond,
				},
				Prometheus: &PromConfig{Address: ":9090"},
			},
		},
		{
			name:    "bad log level",
			body:    "log-level: loud\n",
			wantErr: true,
		},
		{
			name:    "negative workers",
			body:    "task-pool:\n  workers: -1\n",
			wantErr: true,
		},
		{
			name:    "negative threads",
			body:    "loop-dispatcher:\n  threads: -3\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			body:    "task-pool: [",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeConfig(t, t.TempDir(), tt.body)
			got, err := New(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := pretty.Compare(tt.want, got); diff != "" {
				t.Errorf("New() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNew_EmptyPath(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Level() != log.InfoLevel {
		t.Errorf("expected info level, got %s", c.Level())
	}
	if c.Prometheus != nil {
		t.Errorf("prometheus must stay disabled by default")
	}
}

func TestNew_MissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "log-level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, p, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// give the watcher time to register before writing
	deadline := time.After(5 * time.Second)
	for {
		writeConfig(t, dir, "log-level: trace\n")
		select {
		case c := <-changes:
			if c.Level() != log.TraceLevel {
				t.Fatalf("expected trace level, got %s", c.LogLevel)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch returned %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config change observed")
		}
	}
}
