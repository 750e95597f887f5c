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
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const testSession = "INCONNU~XD~abc123#key456"

// testLog forwards log output to the test, and goes quiet once the test
// is over, since waiter goroutines may still report an exit.
type testLog struct {
	t    *testing.T
	done bool
	mx   sync.Mutex
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.mx.Lock()
	if !tl.done {
		tl.t.Log(strings.Trim(string(p), "\n"))
	}
	tl.mx.Unlock()
	return len(p), nil
}

func testLogger(t *testing.T) logrus.FieldLogger {
	tl := &testLog{t: t}
	t.Cleanup(func() {
		tl.mx.Lock()
		tl.done = true
		tl.mx.Unlock()
	})
	l := logrus.New()
	l.SetOutput(tl)
	l.SetLevel(logrus.DebugLevel)
	return l
}

func testConfig(t *testing.T) Config {
	src, e := filepath.Abs("testdata/bot")
	if e != nil {
		t.Fatal(e)
	}
	cfg := DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.BotSource = src
	cfg.BotCommand = []string{"sh", "bot.sh"}
	cfg.InstallCommand = []string{"sh", "-c", "echo installing"}
	cfg.InstallTimeout = 10 * time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.LogRetention = 100
	return cfg
}

func freePorts(context.Context, int) error {
	return nil
}

// eventually polls cond until it holds or d passes.
func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func logsContain(recs []LogRecord, stream, text string) bool {
	for _, r := range recs {
		if (stream == "" || r.Stream == stream) && strings.Contains(r.Text, text) {
			return true
		}
	}
	return false
}

type event struct {
	kind    EventKind
	id      string
	payload interface{}
}

// recorder is a Notifier that keeps every event.
type recorder struct {
	events []event
	mx     sync.Mutex
}

func (r *recorder) Notify(kind EventKind, id string, payload interface{}) {
	r.mx.Lock()
	r.events = append(r.events, event{kind: kind, id: id, payload: payload})
	r.mx.Unlock()
}

func (r *recorder) statuses(id string) []Status {
	r.mx.Lock()
	defer r.mx.Unlock()
	var rv []Status
	for _, ev := range r.events {
		if se, ok := ev.payload.(StatusEvent); ok && ev.kind == EventStatus && ev.id == id {
			rv = append(rv, se.Status)
		}
	}
	return rv
}

func (r *recorder) count(kind EventKind) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.kind == kind {
			n++
		}
	}
	return n
}
