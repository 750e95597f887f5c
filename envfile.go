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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Escapes understood inside a double quoted godotenv value.
var envEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
	`$`, `\$`,
	"`", "\\`",
	`!`, `\!`,
)

// ValidateEnvironment rejects variable names a .env file cannot carry.
func ValidateEnvironment(env map[string]string) error {
	for k := range env {
		if !envKeyPattern.MatchString(k) {
			return &ValidationError{
				Field:  "environment",
				Reason: fmt.Sprintf("invalid variable name %q", k),
			}
		}
	}
	return nil
}

// marshalEnv renders env in the godotenv dialect.  Every value is double
// quoted; godotenv.Marshal would print numeric strings bare, which drops
// leading zeros from phone numbers.
func marshalEnv(env map[string]string) ([]byte, error) {
	if e := ValidateEnvironment(env); e != nil {
		return nil, e
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=\"%s\"\n", k, envEscaper.Replace(env[k]))
	}
	return []byte(b.String()), nil
}

// verifyEnvFile parses path back and checks that it yields env exactly.
func verifyEnvFile(path string, env map[string]string) error {
	got, e := godotenv.Read(path)
	if e != nil {
		return e
	}
	if len(got) != len(env) {
		return fmt.Errorf("%s holds %d variables, expected %d", path, len(got), len(env))
	}
	for k, v := range env {
		if got[k] != v {
			return fmt.Errorf("value of %s does not survive quoting", k)
		}
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	return godotenv.Read(path)
}

// mergeEnv overlays extra on a KEY=VALUE list.
func mergeEnv(base []string, extra map[string]string) []string {
	rv := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if _, ok := extra[k]; !ok {
			rv = append(rv, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rv = append(rv, k+"="+extra[k])
	}
	return rv
}
