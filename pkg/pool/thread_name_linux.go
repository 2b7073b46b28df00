//go:build linux

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
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxThreadNameLen is the kernel's TASK_COMM_LEN minus the trailing NUL.
const maxThreadNameLen = 15

// setThreadName names the calling OS thread. The caller must have locked
// its goroutine to the thread.
func setThreadName(name string) error {
	if len(name) > maxThreadNameLen {
		name = name[:maxThreadNameLen]
	}
	buf := make([]byte, maxThreadNameLen+1)
	copy(buf, name)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
