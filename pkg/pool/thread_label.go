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
	"runtime"

	log "github.com/sirupsen/logrus"
)

// threadLabeler names the OS thread a worker goroutine is locked to.
// A disabled labeler does nothing, and the goroutine stays unlocked.
type threadLabeler struct {
	enabled bool
	current string
	logger  *log.Entry
}

// lock pins the calling goroutine to its OS thread. The goroutine must exit
// without unlocking, so the runtime retires the renamed thread with it.
func (l *threadLabeler) lock() {
	if l.enabled {
		runtime.LockOSThread()
	}
}

func (l *threadLabeler) label(name string) {
	if !l.enabled || name == "" || name == l.current {
		return
	}
	if err := setThreadName(name); err != nil {
		l.logger.Tracef("failed to label thread %q: %v", name, err)
		return
	}
	l.current = name
}
