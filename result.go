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
)

// Result is the uniform shape handed to API callers.  Exactly one of Data
// and Error is meaningful, as indicated by Success.
type Result struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Output  string `json:"output,omitempty"`
}

// NewResult folds a (value, error) pair into a Result.
func NewResult(data interface{}, err error) Result {
	if err == nil {
		return Result{Success: true, Data: data}
	}
	re := &ResultError{Code: ErrorCode(err), Message: err.Error()}
	var pe *ProvisionError
	if errors.As(err, &pe) {
		re.Stage = string(pe.Stage)
	}
	var de *DependencyError
	if errors.As(err, &de) {
		re.Output = de.Output
	}
	return Result{Error: re}
}
