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

//go:build unix

package botvisor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Bots run in their own process group, so that a signal reaches whatever
// the bot itself has spawned.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// processAlive is a signal 0 probe.  EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	e := unix.Kill(pid, 0)
	return e == nil || errors.Is(e, unix.EPERM)
}

// signalGroup signals the process group led by pid, falling back to the
// process alone.  A vanished process reports errProcessGone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errProcessGone
	}
	if e := unix.Kill(-pid, sig); e == nil {
		return nil
	}
	e := unix.Kill(pid, sig)
	if errors.Is(e, unix.ESRCH) {
		return errProcessGone
	}
	return e
}

func terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func kill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// killGroup kills what is left of the group once its leader has been
// reaped.  The pid itself is not signalled, it may already be reused.
func killGroup(pgid int) {
	if pgid > 0 {
		unix.Kill(-pgid, unix.SIGKILL)
	}
}
