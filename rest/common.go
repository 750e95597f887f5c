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

package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botvisor/botvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// UserHeader carries the id of the authenticated panel user.  Auth
	// itself happens in front of this API.
	UserHeader = "X-User-ID"
)

// ValidateRequest is the body of POST /session/validate.
type ValidateRequest struct {
	SessionID string `json:"sessionId"`
}

// Event is one message on the /events stream.
type Event struct {
	Kind     botvisor.EventKind `json:"kind"`
	ServerID string             `json:"serverId"`
	Time     time.Time          `json:"time"`
	Payload  json.RawMessage    `json:"payload,omitempty"`
}

// Error is a failed call as seen by the Client.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Output  string `json:"output,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is lets callers test a remote failure against the botvisor sentinels.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case botvisor.CodeNotFound:
		return target == botvisor.ErrNotFound
	case botvisor.CodePortExhausted:
		return target == botvisor.ErrPortExhausted
	case botvisor.CodeAlreadyRunning:
		return target == botvisor.ErrAlreadyRunning
	case botvisor.CodeValidation:
		return target == botvisor.ErrValidation
	case botvisor.CodeProvision:
		return target == botvisor.ErrProvision
	case botvisor.CodeProcess:
		return target == botvisor.ErrProcess
	}
	return false
}

// httpStatus picks the status line for an error code.
func httpStatus(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case botvisor.CodeNotFound:
		return http.StatusNotFound
	case botvisor.CodeValidation:
		return http.StatusBadRequest
	case botvisor.CodeAlreadyRunning:
		return http.StatusConflict
	case botvisor.CodePortExhausted:
		return http.StatusServiceUnavailable
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

const (
	codeUnauthorized = "Unauthorized"
	codeUnavailable  = "GeneratorUnavailable"
)
