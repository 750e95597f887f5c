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
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPortExhausted  = errors.New("no available ports")
	ErrNotFound       = errors.New("server not found")
	ErrAlreadyRunning = errors.New("server is already running")
	ErrValidation     = errors.New("validation failed")
	ErrProvision      = errors.New("provisioning failed")
	ErrProcess        = errors.New("process operation failed")
	ErrInvalidRange   = errors.New("invalid port range")
)

// Wire codes reported by ErrorCode.
const (
	CodePortExhausted  = "PortExhausted"
	CodeNotFound       = "NotFound"
	CodeProvision      = "ProvisionError"
	CodeAlreadyRunning = "AlreadyRunning"
	CodeProcess        = "ProcessError"
	CodeValidation     = "ValidationError"
	CodeInternal       = "InternalError"
)

// Stage names the provisioning step that failed.
type Stage string

const (
	StageDirectory    Stage = "directory"
	StageDownload     Stage = "download"
	StageEnvironment  Stage = "environment"
	StageManifest     Stage = "manifest"
	StageDependencies Stage = "dependencies"
	StagePort         Stage = "port"
)

// ProvisionError reports a failure in one of the provisioning steps that
// precede a spawn.  The cause is a filesystem, network or dependency
// installer error.
type ProvisionError struct {
	Stage Stage
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

func (e *ProvisionError) Is(target error) bool { return target == ErrProvision }

// DependencyError carries the installer output of a failed dependency
// installation.
type DependencyError struct {
	Command []string
	Output  string
	Err     error
}

func (e *DependencyError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Command, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Command, " "), e.Err, out)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ProcessError reports a spawn or signal delivery failure.
type ProcessError struct {
	Op  string
	PID int
	Err error
}

func (e *ProcessError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

func (e *ProcessError) Is(target error) bool { return target == ErrProcess }

// ValidationError rejects caller input before any resource is consumed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPortExhausted):
		return CodePortExhausted
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrProvision):
		return CodeProvision
	case errors.Is(err, ErrProcess):
		return CodeProcess
	}
	return CodeInternal
}
