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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogRing(t *testing.T) {
	Convey("A bounded log", t, func() {
		log := NewLog(3)
		So(log.Len(), ShouldEqual, 0)
		So(log.Tail(10), ShouldBeEmpty)

		Convey("splits text into lines", func() {
			rec := log.Append(StreamStdout, "one\ntwo\r\n")
			So(rec.Text, ShouldEqual, "two")
			So(rec.Stream, ShouldEqual, StreamStdout)
			recs := log.Tail(0)
			So(len(recs), ShouldEqual, 2)
			So(recs[0].Text, ShouldEqual, "one")
			So(recs[1].ID, ShouldBeGreaterThan, recs[0].ID)
		})

		Convey("keeps only the newest records", func() {
			for i := 0; i < 5; i++ {
				log.Append(StreamSystem, fmt.Sprintf("line %d", i))
			}
			So(log.Len(), ShouldEqual, 3)
			recs := log.Tail(0)
			So(recs[0].Text, ShouldEqual, "line 2")
			So(recs[2].Text, ShouldEqual, "line 4")

			tail := log.Tail(2)
			So(len(tail), ShouldEqual, 2)
			So(tail[1].Text, ShouldEqual, "line 4")
		})

		Convey("pages by version", func() {
			log.Append(StreamStdout, "hello")
			log.Append(StreamStdout, "world")
			page := log.Page(0, 1)
			So(page.NotModified, ShouldBeFalse)
			So(len(page.Logs), ShouldEqual, 1)
			So(page.Logs[0].Text, ShouldEqual, "world")
			So(page.Total, ShouldEqual, 2)
			So(page.Version, ShouldEqual, page.Logs[0].ID)

			same := log.Page(page.Version, 1)
			So(same.NotModified, ShouldBeTrue)
			So(same.Logs, ShouldBeNil)
			So(same.Total, ShouldEqual, 2)

			log.Append(StreamStdout, "again")
			next := log.Page(page.Version, 0)
			So(next.NotModified, ShouldBeFalse)
			So(len(next.Logs), ShouldEqual, 3)
			So(next.Version, ShouldBeGreaterThan, page.Version)
		})
	})
}
