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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/botvisor/botvisor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendQueue  = 256
)

type subscriber struct {
	conn   *websocket.Conn
	send   chan Event
	server string
}

// Hub is a botvisor.Notifier that fans events out to websocket
// subscribers.  A subscriber that cannot keep up loses events rather than
// slowing the Manager down.
type Hub struct {
	subs     map[*subscriber]struct{}
	dropped  int64
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
	mx       sync.Mutex
}

var _ botvisor.Notifier = (*Hub)(nil)

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The panel front end is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) Notify(kind botvisor.EventKind, id string, payload interface{}) {
	ev := Event{Kind: kind, ServerID: id, Time: time.Now()}
	if payload != nil {
		b, e := json.Marshal(payload)
		if e != nil {
			h.logger.WithError(e).WithField("kind", kind).Warn("event payload not encodable")
			return
		}
		ev.Payload = b
	}
	h.mx.Lock()
	for s := range h.subs {
		if s.server != "" && s.server != id {
			continue
		}
		select {
		case s.send <- ev:
		default:
			h.dropped++
		}
	}
	h.mx.Unlock()
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return len(h.subs)
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.dropped
}

func (h *Hub) remove(s *subscriber) {
	h.mx.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
	h.mx.Unlock()
}

// ServeHTTP upgrades the request and streams events until the peer goes
// away.  The optional "server" query parameter limits the stream to one
// server id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, e := h.upgrader.Upgrade(w, r, nil)
	if e != nil {
		// Upgrade has already answered the request.
		h.logger.WithError(e).Debug("websocket upgrade failed")
		return
	}
	s := &subscriber{
		conn:   conn,
		send:   make(chan Event, sendQueue),
		server: r.URL.Query().Get("server"),
	}
	h.mx.Lock()
	h.subs[s] = struct{}{}
	h.mx.Unlock()

	go h.writePump(s)
	h.readPump(s)
}

// readPump only exists to notice the peer closing and to process pongs.
func (h *Hub) readPump(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, e := s.conn.ReadMessage(); e != nil {
			if websocket.IsUnexpectedCloseError(e, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(e).Debug("event subscriber went away")
			}
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if e := s.conn.WriteJSON(ev); e != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if e := s.conn.WriteMessage(websocket.PingMessage, nil); e != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mx.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mx.Unlock()
	for _, s := range subs {
		h.remove(s)
	}
}
