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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestErrorCodes(t *testing.T) {
	Convey("Errors map to wire codes", t, func() {
		dep := &ProvisionError{
			Stage: StageDependencies,
			Err: &DependencyError{
				Command: []string{"npm", "install"},
				Output:  "npm ERR! 404",
				Err:     errors.New("exit status 1"),
			},
		}
		cases := []struct {
			err  error
			code string
		}{
			{nil, ""},
			{ErrPortExhausted, CodePortExhausted},
			{&ProvisionError{Stage: StagePort, Err: ErrPortExhausted}, CodePortExhausted},
			{fmt.Errorf("lookup: %w", ErrNotFound), CodeNotFound},
			{ErrAlreadyRunning, CodeAlreadyRunning},
			{&ValidationError{Reason: "bad"}, CodeValidation},
			{dep, CodeProvision},
			{&ProcessError{Op: "spawn", Err: errors.New("enoent")}, CodeProcess},
			{errors.New("boom"), CodeInternal},
		}
		for _, c := range cases {
			So(ErrorCode(c.err), ShouldEqual, c.code)
		}
	})

	Convey("Results carry the failure detail", t, func() {
		ok := NewResult(42, nil)
		So(ok.Success, ShouldBeTrue)
		So(ok.Data, ShouldEqual, 42)
		So(ok.Error, ShouldBeNil)

		dep := &ProvisionError{
			Stage: StageDependencies,
			Err: &DependencyError{
				Command: []string{"npm", "install"},
				Output:  "npm ERR! 404",
				Err:     errors.New("exit status 1"),
			},
		}
		res := NewResult(nil, dep)
		So(res.Success, ShouldBeFalse)
		So(res.Error.Code, ShouldEqual, CodeProvision)
		So(res.Error.Stage, ShouldEqual, "dependencies")
		So(res.Error.Output, ShouldEqual, "npm ERR! 404")
		So(res.Error.Message, ShouldContainSubstring, "npm install")
	})
}
