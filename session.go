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
	"strings"
)

const (
	// SessionPrefix starts every credential issued by the generator.
	SessionPrefix = "INCONNU~XD~"
	// SessionSeparator splits the file id from the decryption key.
	SessionSeparator = "#"
	// SessionEnvKey is the environment key the bot reads its credential
	// from.
	SessionEnvKey = "SESSION_ID"
)

type SessionCheck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateSession checks the format of a bot credential.  It does not
// contact anything; the bot itself is the only judge of whether the
// credential actually works.
func ValidateSession(s string) error {
	if s == "" {
		return &ValidationError{Field: SessionEnvKey, Reason: "session id is required"}
	}
	if !strings.HasPrefix(s, SessionPrefix) {
		return &ValidationError{
			Field:  SessionEnvKey,
			Reason: "invalid session format, must start with " + SessionPrefix,
		}
	}
	rest := strings.TrimPrefix(s, SessionPrefix)
	parts := strings.SplitN(rest, SessionSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return &ValidationError{
			Field: SessionEnvKey,
			Reason: "invalid session format, must contain file id and " +
				"decryption key separated by " + SessionSeparator,
		}
	}
	return nil
}

// CheckSession is ValidateSession in result form.
func CheckSession(s string) SessionCheck {
	if e := ValidateSession(s); e != nil {
		return SessionCheck{Error: e.Error()}
	}
	return SessionCheck{Valid: true}
}
