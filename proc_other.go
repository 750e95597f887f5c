// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !unix

package botvisor

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, e := os.FindProcess(pid)
	return e == nil
}

func terminate(pid int) error {
	// There is no graceful signal here; the stop timeout still applies
	// before the hard kill, but the first request is already a kill.
	return kill(pid)
}

func kill(pid int) error {
	p, e := os.FindProcess(pid)
	if e != nil {
		return errProcessGone
	}
	if e = p.Kill(); errors.Is(e, os.ErrProcessDone) {
		return errProcessGone
	}
	return e
}

func killGroup(int) {}
