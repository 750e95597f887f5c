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
	"time"
)

// Server is the persisted record of one tenant bot instance.  Status here
// may lag behind the Launcher, which holds the authoritative value while
// the host process is up.
type Server struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Name        string            `json:"name"`
	Port        int               `json:"port"`
	Environment map[string]string `json:"environment"`
	Status      Status            `json:"status"`
	PID         int               `json:"pid,omitempty"`
	Logs        []LogRecord       `json:"logs,omitempty"`
	LastStarted *time.Time        `json:"lastStarted,omitempty"`
	TotalUptime time.Duration     `json:"totalUptime"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ServerSpec is what a caller supplies to create a server.
type ServerSpec struct {
	Name        string            `json:"name"`
	Environment map[string]string `json:"environment"`
}

// ServerUpdate is a partial update; nil fields are left alone.
type ServerUpdate struct {
	Name        *string
	Port        *int
	Environment map[string]string
	Status      *Status
	PID         *int
	Logs        []LogRecord
	LastStarted *time.Time
	TotalUptime *time.Duration
	LastError   *string
}

// Apply copies the set fields of u into s.
func (u ServerUpdate) Apply(s *Server) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Port != nil {
		s.Port = *u.Port
	}
	if u.Environment != nil {
		s.Environment = copyEnv(u.Environment)
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.PID != nil {
		s.PID = *u.PID
	}
	if u.Logs != nil {
		s.Logs = append([]LogRecord{}, u.Logs...)
	}
	if u.LastStarted != nil {
		t := *u.LastStarted
		s.LastStarted = &t
	}
	if u.TotalUptime != nil {
		s.TotalUptime = *u.TotalUptime
	}
	if u.LastError != nil {
		s.LastError = *u.LastError
	}
	s.UpdatedAt = time.Now()
}

// Store persists Server records.  Implementations must be safe for
// concurrent use.  FindByID returns ErrNotFound for unknown ids, as do
// Update and Delete.
type Store interface {
	FindByID(ctx context.Context, id string) (*Server, error)
	FindByOwner(ctx context.Context, owner string) ([]*Server, error)
	All(ctx context.Context) ([]*Server, error)
	Create(ctx context.Context, s *Server) error
	Update(ctx context.Context, id string, u ServerUpdate) error
	Delete(ctx context.Context, id string) error
}

// EventKind names a notification.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventLog     EventKind = "log"
	EventCreated EventKind = "created"
	EventDeleted EventKind = "deleted"
)

// Notifier fans events out to real-time subscribers.  Notify must not
// block on subscribers; delivery is fire-and-forget.
type Notifier interface {
	Notify(kind EventKind, serverID string, payload interface{})
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(EventKind, string, interface{}) {}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	rv := make(map[string]string, len(env))
	for k, v := range env {
		rv[k] = v
	}
	return rv
}

func (s *Server) clone() *Server {
	c := *s
	c.Environment = copyEnv(s.Environment)
	c.Logs = append([]LogRecord(nil), s.Logs...)
	if s.LastStarted != nil {
		t := *s.LastStarted
		c.LastStarted = &t
	}
	return &c
}
