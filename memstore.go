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
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore keeps Server records in memory.  Records handed out are
// copies, so callers cannot mutate the stored state.
type MemStore struct {
	servers map[string]*Server
	mx      sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{servers: make(map[string]*Server)}
}

func (ms *MemStore) FindByID(_ context.Context, id string) (*Server, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	if s, ok := ms.servers[id]; ok {
		return s.clone(), nil
	}
	return nil, ErrNotFound
}

func (ms *MemStore) FindByOwner(_ context.Context, owner string) ([]*Server, error) {
	ms.mx.Lock()
	rv := []*Server{}
	for _, s := range ms.servers {
		if s.Owner == owner {
			rv = append(rv, s.clone())
		}
	}
	ms.mx.Unlock()
	sortNewestFirst(rv)
	return rv, nil
}

func (ms *MemStore) All(_ context.Context) ([]*Server, error) {
	ms.mx.Lock()
	rv := make([]*Server, 0, len(ms.servers))
	for _, s := range ms.servers {
		rv = append(rv, s.clone())
	}
	ms.mx.Unlock()
	sortNewestFirst(rv)
	return rv, nil
}

func (ms *MemStore) Create(_ context.Context, s *Server) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	if _, ok := ms.servers[s.ID]; ok {
		return fmt.Errorf("server %s already exists", s.ID)
	}
	c := s.clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = c.CreatedAt
	ms.servers[s.ID] = c
	return nil
}

func (ms *MemStore) Update(_ context.Context, id string, u ServerUpdate) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	s, ok := ms.servers[id]
	if !ok {
		return ErrNotFound
	}
	u.Apply(s)
	return nil
}

func (ms *MemStore) Delete(_ context.Context, id string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	if _, ok := ms.servers[id]; !ok {
		return ErrNotFound
	}
	delete(ms.servers, id)
	return nil
}

func sortNewestFirst(servers []*Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].CreatedAt.After(servers[j].CreatedAt)
	})
}
