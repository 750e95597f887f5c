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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	. "github.com/smartystreets/goconvey/convey"
)

func TestEnvFile(t *testing.T) {
	Convey("Environment files", t, func() {
		path := filepath.Join(t.TempDir(), ".env")

		Convey("survive awkward values", func() {
			env := map[string]string{
				"SESSION_ID":   testSession,
				"OWNER_NUMBER": "0022501234567",
				"OWNER_NAME":   `Jean "JJ" Dupont`,
				"PREFIX":       ".",
				"GREETING":     "line one\nline two",
				"PRICE":        "$HOME costs 5$",
				"SHELLISH":     "`uname` \\ done!",
				"EMPTY":        "",
			}
			data, e := marshalEnv(env)
			So(e, ShouldBeNil)
			So(os.WriteFile(path, data, 0o600), ShouldBeNil)

			got, e := godotenv.Read(path)
			So(e, ShouldBeNil)
			So(got, ShouldResemble, env)
			So(verifyEnvFile(path, env), ShouldBeNil)
		})

		Convey("are written in a stable order", func() {
			data, e := marshalEnv(map[string]string{"B": "2", "A": "1"})
			So(e, ShouldBeNil)
			So(string(data), ShouldEqual, "A=\"1\"\nB=\"2\"\n")
		})

		Convey("reject bad names", func() {
			_, e := marshalEnv(map[string]string{"BAD NAME": "x"})
			So(errors.Is(e, ErrValidation), ShouldBeTrue)
			So(ValidateEnvironment(map[string]string{"1ABC": "x"}), ShouldNotBeNil)
			So(ValidateEnvironment(map[string]string{"AUTO_READ": "true"}), ShouldBeNil)
		})
	})

	Convey("Merging environments", t, func() {
		out := mergeEnv([]string{"PATH=/bin", "PORT=1", "HOME=/root"},
			map[string]string{"PORT": "3001", "SESSION_ID": "x"})
		So(out, ShouldContain, "PATH=/bin")
		So(out, ShouldContain, "PORT=3001")
		So(out, ShouldNotContain, "PORT=1")
		So(strings.Join(out, ","), ShouldEndWith, "PORT=3001,SESSION_ID=x")
	})
}
