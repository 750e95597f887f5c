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

package botvisor

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a server's bot process.  The zero value
// is StatusUninitialized, which is what a Launcher reports before any
// provisioning has been attempted.
//
//	uninitialized -> provisioning -> stopped -> starting -> running
//	                      |                                   |
//	                      +------> error <----- stopping <----+
//
// A stopped or errored launcher can be provisioned or started again.
type Status int

const (
	StatusUninitialized Status = iota
	StatusProvisioning
	StatusStopped
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

var statusNames = [...]string{
	StatusUninitialized: "uninitialized",
	StatusProvisioning:  "provisioning",
	StatusStopped:       "stopped",
	StatusStarting:      "starting",
	StatusRunning:       "running",
	StatusStopping:      "stopping",
	StatusError:         "error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusUninitialized, fmt.Errorf("unknown status %q", name)
}

// Live reports whether a process may exist in this state.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// canTransition reports whether moving from s to next is legal.
func (s Status) canTransition(next Status) bool {
	if s == next {
		return true
	}
	switch next {
	case StatusError:
		return true
	case StatusProvisioning:
		switch s {
		case StatusUninitialized, StatusStopped, StatusError:
			return true
		}
	case StatusStopped:
		switch s {
		case StatusProvisioning, StatusStopping, StatusError,
			StatusUninitialized:
			return true
		}
	case StatusStarting:
		switch s {
		case StatusProvisioning, StatusStopped, StatusError:
			return true
		}
	case StatusRunning:
		return s == StatusStarting
	case StatusStopping:
		switch s {
		case StatusStarting, StatusRunning, StatusError:
			return true
		}
	case StatusUninitialized:
		return true
	}
	return false
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if e := json.Unmarshal(b, &name); e != nil {
		return e
	}
	v, e := ParseStatus(name)
	if e != nil {
		return e
	}
	*s = v
	return nil
}
