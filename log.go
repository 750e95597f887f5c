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
	"sync"
	"time"
)

const (
	DefaultLogRetention = 1000
)

// Streams a LogRecord can originate from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

type LogRecord struct {
	ID     int64     `json:"id,string"`
	Time   time.Time `json:"time"`
	Stream string    `json:"stream,omitempty"`
	Text   string    `json:"text"`
}

// Log is a bounded ring of LogRecords.  Once full, the oldest records are
// overwritten.  IDs increase monotonically, so a reader can ask for only
// what changed since the last ID it saw.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Append adds one record per line of text and returns the last record
// written.
func (log *Log) Append(stream string, text string) LogRecord {
	var rec LogRecord
	now := time.Now()
	log.lock()
	for _, line := range strings.Split(strings.TrimRight(text, "\r\n"), "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		rec = LogRecord{
			ID:     log.id,
			Time:   now,
			Stream: stream,
			Text:   strings.TrimRight(line, "\r"),
		}
		log.records[idx] = rec
		// NB: numRecords may actually be more than maxRecords.
		// In that case, we've looped, but we use this really to
		// track the next index.
		log.numRecords++
	}
	log.unlock()
	return rec
}

// LogPage is the tail of a log together with its version, which is the
// ID of the newest record.  A reader that passes the version back learns
// whether anything changed.
type LogPage struct {
	Logs        []LogRecord `json:"logs"`
	Total       int         `json:"total"`
	Version     int64       `json:"version,string"`
	NotModified bool        `json:"-"`
}

// Page returns at most n of the newest records with the total retained.
// If the log is still at version last, the page carries no records and
// is marked NotModified.
func (log *Log) Page(last int64, n int) LogPage {
	log.lock()
	defer log.unlock()
	total := log.numRecords
	if total > log.maxRecords {
		total = log.maxRecords
	}
	if last != 0 && log.id == last {
		return LogPage{Total: total, Version: last, NotModified: true}
	}
	if n <= 0 {
		n = log.maxRecords
	}
	return LogPage{Logs: log.tail(n), Total: total, Version: log.id}
}

// Tail returns at most n of the newest records, oldest first.  A
// non-positive n returns everything retained.
func (log *Log) Tail(n int) []LogRecord {
	log.lock()
	defer log.unlock()
	if n <= 0 {
		n = log.maxRecords
	}
	return log.tail(n)
}

func (log *Log) tail(n int) []LogRecord {
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	if n < cnt {
		cnt = n
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs
}

// Len returns the number of retained records.
func (log *Log) Len() int {
	log.lock()
	defer log.unlock()
	if log.numRecords > log.maxRecords {
		return log.maxRecords
	}
	return log.numRecords
}

// NewLog returns a Log retaining at most max records.
func NewLog(max int) *Log {
	if max <= 0 {
		max = DefaultLogRetention
	}
	return &Log{
		records:    make([]LogRecord, max),
		maxRecords: max,
		// IDs start at the creation time so that they stay distinct
		// across launcher instances for the same server.
		id: time.Now().UnixNano(),
	}
}
