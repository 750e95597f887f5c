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

//go:build unix

package botvisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

type managerEnv struct {
	m      *Manager
	cfg    Config
	store  *MemStore
	pool   *PortPool
	events *recorder
}

// WithManager runs fn against a Manager over a pool of size fake ports.
func WithManager(t *testing.T, size int, tweak func(*Config), fn func(env *managerEnv)) func() {
	return func() {
		cfg := testConfig(t)
		if tweak != nil {
			tweak(&cfg)
		}
		pool, e := NewPortPool(3001, 3000+size, WithProber(freePorts))
		So(e, ShouldBeNil)
		env := &managerEnv{
			cfg:    cfg,
			store:  NewMemStore(),
			pool:   pool,
			events: &recorder{},
		}
		env.m, e = NewManager(cfg, env.store,
			WithLogger(testLogger(t)),
			WithPortPool(pool),
			WithNotifier(env.events),
			WithRegistry(prometheus.NewRegistry()))
		So(e, ShouldBeNil)
		Reset(func() {
			env.m.SystemCleanup()
		})
		fn(env)
	}
}

func createTestServer(m *Manager, owner string) *Server {
	s, e := m.CreateServer(context.Background(), owner, ServerSpec{
		Name: "bot of " + owner,
		Environment: map[string]string{
			SessionEnvKey:  testSession,
			"OWNER_NUMBER": "0022501234567",
		},
	})
	So(e, ShouldBeNil)
	So(s, ShouldNotBeNil)
	return s
}

type failingStore struct {
	*MemStore
}

func (failingStore) Create(context.Context, *Server) error {
	return errors.New("disk full")
}

func TestCreateServer(t *testing.T) {
	ctx := context.Background()
	Convey("Creating servers", t, WithManager(t, 50, nil, func(env *managerEnv) {
		Convey("reserves a port and persists a stopped record", func() {
			s := createTestServer(env.m, "alice")
			So(s.ID, ShouldNotBeEmpty)
			So(s.Status, ShouldEqual, StatusStopped)
			So(s.Port, ShouldBeBetweenOrEqual, 3001, 3050)
			So(env.pool.Available(), ShouldEqual, 49)

			rec, e := env.store.FindByID(ctx, s.ID)
			So(e, ShouldBeNil)
			So(rec.Owner, ShouldEqual, "alice")
			So(rec.Environment[SessionEnvKey], ShouldEqual, testSession)
			So(env.events.count(EventCreated), ShouldEqual, 1)
		})

		Convey("rejects bad credentials before taking a port", func() {
			for _, sess := range []string{"", "abc#def", "INCONNU~XD~nokey"} {
				_, e := env.m.CreateServer(ctx, "alice", ServerSpec{
					Name:        "bad",
					Environment: map[string]string{SessionEnvKey: sess},
				})
				So(errors.Is(e, ErrValidation), ShouldBeTrue)
			}
			_, e := env.m.CreateServer(ctx, "alice", ServerSpec{
				Environment: map[string]string{SessionEnvKey: testSession},
			})
			So(errors.Is(e, ErrValidation), ShouldBeTrue)
			_, e = env.m.CreateServer(ctx, "", ServerSpec{
				Name:        "nobody",
				Environment: map[string]string{SessionEnvKey: testSession},
			})
			So(errors.Is(e, ErrValidation), ShouldBeTrue)
			So(env.pool.Available(), ShouldEqual, 50)
		})
	}))

	Convey("A failed insert gives the port back", t, func() {
		cfg := testConfig(t)
		pool, e := NewPortPool(3001, 3010, WithProber(freePorts))
		So(e, ShouldBeNil)
		m, e := NewManager(cfg, failingStore{NewMemStore()},
			WithLogger(testLogger(t)), WithPortPool(pool))
		So(e, ShouldBeNil)
		_, e = m.CreateServer(ctx, "alice", ServerSpec{
			Name:        "bot",
			Environment: map[string]string{SessionEnvKey: testSession},
		})
		So(e, ShouldNotBeNil)
		So(ErrorCode(e), ShouldEqual, CodeInternal)
		So(pool.Available(), ShouldEqual, 10)
	})

	Convey("Concurrent creates against a small pool", t, WithManager(t, 50, nil, func(env *managerEnv) {
		var wg sync.WaitGroup
		var mx sync.Mutex
		ports := map[int]bool{}
		exhausted := 0
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, e := env.m.CreateServer(ctx, fmt.Sprintf("user%d", i), ServerSpec{
					Name:        "bot",
					Environment: map[string]string{SessionEnvKey: testSession},
				})
				mx.Lock()
				defer mx.Unlock()
				if errors.Is(e, ErrPortExhausted) {
					exhausted++
				} else if e == nil {
					ports[s.Port] = true
				}
			}(i)
		}
		wg.Wait()
		So(len(ports), ShouldEqual, 50)
		So(exhausted, ShouldEqual, 10)
		So(env.pool.Available(), ShouldEqual, 0)
		all, e := env.store.All(ctx)
		So(e, ShouldBeNil)
		So(len(all), ShouldEqual, 50)
	}))
}

func TestStartFailure(t *testing.T) {
	ctx := context.Background()
	failInstall := func(cfg *Config) {
		cfg.InstallCommand = []string{"sh", "-c", "echo 'npm ERR! code E404' >&2; exit 1"}
	}
	Convey("A start whose install fails unwinds completely", t, WithManager(t, 50, failInstall, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		So(env.pool.Available(), ShouldEqual, 49)

		res, e := env.m.StartServer(ctx, s.ID)
		So(res, ShouldBeNil)
		So(errors.Is(e, ErrProvision), ShouldBeTrue)
		So(ErrorCode(e), ShouldEqual, CodeProvision)
		var de *DependencyError
		So(errors.As(e, &de), ShouldBeTrue)
		So(de.Output, ShouldContainSubstring, "E404")

		So(env.pool.Available(), ShouldEqual, 50)
		l, _ := env.m.launcher(s.ID, false)
		So(l, ShouldBeNil)
		_, err := os.Stat(filepath.Join(env.cfg.ServersDir(), s.ID))
		So(os.IsNotExist(err), ShouldBeTrue)

		rec, e := env.store.FindByID(ctx, s.ID)
		So(e, ShouldBeNil)
		So(rec.Status, ShouldEqual, StatusError)
		So(rec.Port, ShouldEqual, 0)
		So(rec.LastError, ShouldContainSubstring, "dependencies")
		So(logsContain(rec.Logs, StreamSystem, "E404"), ShouldBeTrue)

		view, e := env.m.GetServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(view.Status, ShouldEqual, StatusError)

		statuses := env.events.statuses(s.ID)
		So(len(statuses), ShouldBeGreaterThan, 0)
		So(statuses[len(statuses)-1], ShouldEqual, StatusError)

		Convey("and a later start takes a new port", func() {
			env.m.cfg.InstallCommand = []string{"sh", "-c", "echo installing"}
			res, e := env.m.StartServer(ctx, s.ID)
			So(e, ShouldBeNil)
			So(res.Port, ShouldBeBetweenOrEqual, 3001, 3050)
			So(env.pool.Available(), ShouldEqual, 49)
			rec, _ := env.store.FindByID(ctx, s.ID)
			So(rec.Port, ShouldEqual, res.Port)
			So(rec.Status, ShouldEqual, StatusRunning)
		})
	}))
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	Convey("Start, stop and restart", t, WithManager(t, 50, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")

		first, e := env.m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(first.PID, ShouldBeGreaterThan, 0)
		So(first.Port, ShouldEqual, s.Port)

		rec, _ := env.store.FindByID(ctx, s.ID)
		So(rec.Status, ShouldEqual, StatusRunning)
		So(rec.PID, ShouldEqual, first.PID)
		So(rec.LastStarted, ShouldNotBeNil)

		So(eventually(5*time.Second, func() bool {
			page, e := env.m.ServerLogs(ctx, s.ID, 0)
			return e == nil && logsContain(page.Logs, StreamStdout, fmt.Sprintf("port %d", s.Port))
		}), ShouldBeTrue)

		So(env.m.StopServer(ctx, s.ID), ShouldBeNil)
		st, e := env.m.ServerStatus(ctx, s.ID)
		So(e, ShouldBeNil)
		So(st.IsRunning, ShouldBeFalse)
		So(st.Status, ShouldEqual, StatusStopped)
		So(processAlive(first.PID), ShouldBeFalse)
		So(env.m.StopServer(ctx, s.ID), ShouldBeNil)

		second, e := env.m.RestartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(second.PID, ShouldNotEqual, first.PID)
		So(second.Port, ShouldEqual, s.Port)

		st, _ = env.m.ServerStatus(ctx, s.ID)
		So(st.IsRunning, ShouldBeTrue)
		So(st.Status, ShouldEqual, StatusRunning)
		So(st.PID, ShouldEqual, second.PID)

		rec, _ = env.store.FindByID(ctx, s.ID)
		So(rec.Status, ShouldEqual, StatusRunning)
		So(rec.PID, ShouldEqual, second.PID)
		So(env.pool.Available(), ShouldEqual, 49)
		So(env.m.Info().Launchers, ShouldEqual, 1)
	}))

	Convey("Concurrent starts spawn once", t, WithManager(t, 50, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		var wg sync.WaitGroup
		var mx sync.Mutex
		ok, running := 0, 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, e := env.m.StartServer(ctx, s.ID)
				mx.Lock()
				defer mx.Unlock()
				switch {
				case e == nil:
					ok++
				case errors.Is(e, ErrAlreadyRunning):
					running++
				}
			}()
		}
		wg.Wait()
		So(ok, ShouldEqual, 1)
		So(running, ShouldEqual, 4)
	}))

	Convey("Restart of a server never started here does a full start", t, WithManager(t, 50, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		res, e := env.m.RestartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(res.PID, ShouldBeGreaterThan, 0)
		st, _ := env.m.ServerStatus(ctx, s.ID)
		So(st.IsRunning, ShouldBeTrue)
	}))
}

func TestDeleteServer(t *testing.T) {
	ctx := context.Background()
	Convey("Deleting a running server", t, WithManager(t, 50, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		res, e := env.m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(env.pool.Available(), ShouldEqual, 49)

		So(env.m.DeleteServer(ctx, s.ID), ShouldBeNil)
		So(processAlive(res.PID), ShouldBeFalse)
		So(env.pool.Available(), ShouldEqual, 50)
		l, _ := env.m.launcher(s.ID, false)
		So(l, ShouldBeNil)
		_, e = env.store.FindByID(ctx, s.ID)
		So(e, ShouldEqual, ErrNotFound)
		_, e = os.Stat(filepath.Join(env.cfg.ServersDir(), s.ID))
		So(os.IsNotExist(e), ShouldBeTrue)
		So(env.events.count(EventDeleted), ShouldEqual, 1)

		Convey("leaves nothing to act on", func() {
			So(env.m.DeleteServer(ctx, s.ID), ShouldEqual, ErrNotFound)
			_, e := env.m.StartServer(ctx, s.ID)
			So(e, ShouldEqual, ErrNotFound)
			So(env.m.StopServer(ctx, s.ID), ShouldEqual, ErrNotFound)
			_, e = env.m.ServerStatus(ctx, s.ID)
			So(e, ShouldEqual, ErrNotFound)
		})
	}))

	Convey("Deleting a stopped server", t, WithManager(t, 50, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		So(env.m.DeleteServer(ctx, s.ID), ShouldBeNil)
		So(env.pool.Available(), ShouldEqual, 50)
		So(env.m.Info().Launchers, ShouldEqual, 0)
	}))
}

// slowStore delays deletes and exit bookkeeping, to widen the windows
// in which other operations on the same id can run.
type slowStore struct {
	*MemStore
	deleting chan struct{}
	once     sync.Once
	delay    time.Duration
}

func newSlowStore(delay time.Duration) *slowStore {
	return &slowStore{MemStore: NewMemStore(), deleting: make(chan struct{}), delay: delay}
}

func (s *slowStore) Delete(ctx context.Context, id string) error {
	s.once.Do(func() { close(s.deleting) })
	time.Sleep(s.delay)
	return s.MemStore.Delete(ctx, id)
}

func (s *slowStore) Update(ctx context.Context, id string, u ServerUpdate) error {
	if u.TotalUptime != nil {
		time.Sleep(s.delay)
	}
	return s.MemStore.Update(ctx, id, u)
}

func newSlowManager(t *testing.T, store *slowStore) (*Manager, *PortPool) {
	pool, e := NewPortPool(3001, 3005, WithProber(freePorts))
	So(e, ShouldBeNil)
	m, e := NewManager(testConfig(t), store, WithLogger(testLogger(t)), WithPortPool(pool))
	So(e, ShouldBeNil)
	Reset(m.SystemCleanup)
	return m, pool
}

func TestStartDuringDelete(t *testing.T) {
	ctx := context.Background()
	Convey("A start racing a delete of the same server", t, func() {
		store := newSlowStore(300 * time.Millisecond)
		m, pool := newSlowManager(t, store)
		s := createTestServer(m, "alice")
		_, e := m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)

		deleted := make(chan error, 1)
		go func() {
			deleted <- m.DeleteServer(ctx, s.ID)
		}()
		<-store.deleting
		_, e = m.StartServer(ctx, s.ID)
		So(e, ShouldEqual, ErrNotFound)
		So(<-deleted, ShouldBeNil)

		_, e = store.FindByID(ctx, s.ID)
		So(e, ShouldEqual, ErrNotFound)
		So(pool.Available(), ShouldEqual, 5)
		So(m.ActiveServers(), ShouldBeEmpty)
		So(m.Info().Launchers, ShouldEqual, 0)
	})
}

func TestExitBookkeeping(t *testing.T) {
	ctx := context.Background()
	Convey("A slow exit record never overwrites the next run", t, func() {
		store := newSlowStore(200 * time.Millisecond)
		m, _ := newSlowManager(t, store)
		s := createTestServer(m, "alice")
		first, e := m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)

		Convey("across a restart", func() {
			res, e := m.RestartServer(ctx, s.ID)
			So(e, ShouldBeNil)
			So(res.PID, ShouldNotEqual, first.PID)

			// Give a stray exit update time to land.
			time.Sleep(400 * time.Millisecond)
			rec, e := store.FindByID(ctx, s.ID)
			So(e, ShouldBeNil)
			So(rec.PID, ShouldEqual, res.PID)
			So(rec.Status, ShouldEqual, StatusRunning)
			st, _ := m.ServerStatus(ctx, s.ID)
			So(st.PID, ShouldEqual, res.PID)
		})

		Convey("across a crash and a quick start", func() {
			So(syscall.Kill(first.PID, syscall.SIGKILL), ShouldBeNil)
			So(eventually(5*time.Second, func() bool {
				st, _ := m.ServerStatus(ctx, s.ID)
				return !st.IsRunning
			}), ShouldBeTrue)

			res, e := m.StartServer(ctx, s.ID)
			So(e, ShouldBeNil)
			time.Sleep(400 * time.Millisecond)
			rec, e := store.FindByID(ctx, s.ID)
			So(e, ShouldBeNil)
			So(rec.PID, ShouldEqual, res.PID)
			So(rec.Status, ShouldEqual, StatusRunning)
			So(rec.TotalUptime, ShouldBeGreaterThan, 0)
		})

		Convey("and system cleanup waits for it", func() {
			m.SystemCleanup()
			rec, e := store.FindByID(ctx, s.ID)
			So(e, ShouldBeNil)
			So(rec.PID, ShouldEqual, 0)
			So(rec.TotalUptime, ShouldBeGreaterThan, 0)
		})
	})
}

func TestUnknownServer(t *testing.T) {
	ctx := context.Background()
	Convey("Operations on an unknown id", t, WithManager(t, 5, nil, func(env *managerEnv) {
		_, e := env.m.StartServer(ctx, "nope")
		So(e, ShouldEqual, ErrNotFound)
		So(env.m.StopServer(ctx, "nope"), ShouldEqual, ErrNotFound)
		_, e = env.m.RestartServer(ctx, "nope")
		So(e, ShouldEqual, ErrNotFound)
		So(env.m.DeleteServer(ctx, "nope"), ShouldEqual, ErrNotFound)
		_, e = env.m.ServerStatus(ctx, "nope")
		So(e, ShouldEqual, ErrNotFound)
		_, e = env.m.ServerLogs(ctx, "nope", 10)
		So(e, ShouldEqual, ErrNotFound)
		_, e = env.m.GetServer(ctx, "nope")
		So(e, ShouldEqual, ErrNotFound)
		So(env.m.Info().Launchers, ShouldEqual, 0)
	}))
}

func TestServerStatus(t *testing.T) {
	ctx := context.Background()
	Convey("Status of a server never started", t, WithManager(t, 5, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		st, e := env.m.ServerStatus(ctx, s.ID)
		So(e, ShouldBeNil)
		So(st.IsRunning, ShouldBeFalse)
		So(st.Status, ShouldEqual, StatusStopped)
		So(st.Port, ShouldEqual, s.Port)
		l, _ := env.m.launcher(s.ID, false)
		So(l, ShouldBeNil)
	}))

	Convey("A crash shows up in status and in the record", t, WithManager(t, 5, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		res, e := env.m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		time.Sleep(50 * time.Millisecond)

		So(syscall.Kill(res.PID, syscall.SIGKILL), ShouldBeNil)
		So(eventually(5*time.Second, func() bool {
			st, _ := env.m.ServerStatus(ctx, s.ID)
			return !st.IsRunning
		}), ShouldBeTrue)
		st, _ := env.m.ServerStatus(ctx, s.ID)
		So(st.Status, ShouldEqual, StatusError)

		So(eventually(5*time.Second, func() bool {
			rec, _ := env.store.FindByID(ctx, s.ID)
			return rec.LastError != "" && rec.TotalUptime > 0
		}), ShouldBeTrue)
		rec, _ := env.store.FindByID(ctx, s.ID)
		So(rec.Status, ShouldEqual, StatusError)
		So(rec.PID, ShouldEqual, 0)
		// The port stays with the server.
		So(rec.Port, ShouldEqual, s.Port)
		So(len(env.m.ActiveServers()), ShouldEqual, 0)
	}))
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	Convey("Listing servers", t, WithManager(t, 10, nil, func(env *managerEnv) {
		a1 := createTestServer(env.m, "alice")
		a2 := createTestServer(env.m, "alice")
		createTestServer(env.m, "bob")

		_, e := env.m.StartServer(ctx, a1.ID)
		So(e, ShouldBeNil)

		views, e := env.m.UserServers(ctx, "alice")
		So(e, ShouldBeNil)
		So(len(views), ShouldEqual, 2)
		byID := map[string]ServerView{}
		for _, v := range views {
			So(v.Owner, ShouldEqual, "alice")
			So(v.StatusError, ShouldBeEmpty)
			byID[v.ID] = v
		}
		So(byID[a1.ID].Live.IsRunning, ShouldBeTrue)
		So(byID[a1.ID].Status, ShouldEqual, StatusRunning)
		So(byID[a2.ID].Live.IsRunning, ShouldBeFalse)
		So(byID[a2.ID].Live.Status, ShouldEqual, StatusStopped)

		views, e = env.m.UserServers(ctx, "carol")
		So(e, ShouldBeNil)
		So(views, ShouldBeEmpty)

		active := env.m.ActiveServers()
		So(len(active), ShouldEqual, 1)
		So(active[0].ID, ShouldEqual, a1.ID)
		So(active[0].Port, ShouldEqual, a1.Port)
	}))
}

func TestServerLogs(t *testing.T) {
	ctx := context.Background()
	Convey("Logs outlive the launcher", t, WithManager(t, 5, nil, func(env *managerEnv) {
		s := createTestServer(env.m, "alice")
		_, e := env.m.StartServer(ctx, s.ID)
		So(e, ShouldBeNil)
		So(eventually(5*time.Second, func() bool {
			page, e := env.m.ServerLogs(ctx, s.ID, 0)
			return e == nil && logsContain(page.Logs, StreamStdout, "listening")
		}), ShouldBeTrue)
		So(env.events.count(EventLog), ShouldBeGreaterThan, 0)

		page, e := env.m.ServerLogs(ctx, s.ID, 2)
		So(e, ShouldBeNil)
		So(len(page.Logs), ShouldBeLessThanOrEqualTo, 2)
		So(page.Total, ShouldBeGreaterThanOrEqualTo, len(page.Logs))

		So(env.m.StopServer(ctx, s.ID), ShouldBeNil)
		So(eventually(5*time.Second, func() bool {
			rec, _ := env.store.FindByID(ctx, s.ID)
			return len(rec.Logs) > 0
		}), ShouldBeTrue)

		// A fresh host process only has the record.
		m2, e := NewManager(env.cfg, env.store, WithLogger(testLogger(t)), WithPortPool(env.pool))
		So(e, ShouldBeNil)
		page, e = m2.ServerLogs(ctx, s.ID, 0)
		So(e, ShouldBeNil)
		So(logsContain(page.Logs, StreamStdout, "listening"), ShouldBeTrue)
		rec, _ := env.store.FindByID(ctx, s.ID)
		So(page.Total, ShouldEqual, len(rec.Logs))

		Convey("and an unchanged log is not sent again", func() {
			same, e := m2.ServerLogsSince(ctx, s.ID, 0, page.Version)
			So(e, ShouldBeNil)
			So(same.NotModified, ShouldBeTrue)
			So(same.Logs, ShouldBeNil)
			So(same.Total, ShouldEqual, page.Total)
		})
	}))
}

func TestSystemCleanup(t *testing.T) {
	ctx := context.Background()
	Convey("System cleanup stops everything", t, WithManager(t, 5, nil, func(env *managerEnv) {
		var pids []int
		for _, owner := range []string{"alice", "bob"} {
			s := createTestServer(env.m, owner)
			res, e := env.m.StartServer(ctx, s.ID)
			So(e, ShouldBeNil)
			pids = append(pids, res.PID)
		}
		So(len(env.m.ActiveServers()), ShouldEqual, 2)

		env.m.SystemCleanup()
		for _, pid := range pids {
			So(processAlive(pid), ShouldBeFalse)
		}
		So(env.m.ActiveServers(), ShouldBeEmpty)
		So(env.m.Info().Launchers, ShouldEqual, 0)
		// Ports stay with their servers.
		So(env.pool.Available(), ShouldEqual, 3)
	}))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	Convey("Reconciling records left by an earlier host", t, func() {
		store := NewMemStore()
		now := time.Now()
		So(store.Create(ctx, &Server{
			ID: "live", Owner: "alice", Name: "a", Port: 3002,
			Status: StatusRunning, PID: 999999, CreatedAt: now,
		}), ShouldBeNil)
		So(store.Create(ctx, &Server{
			ID: "idle", Owner: "alice", Name: "b", Port: 3004,
			Status: StatusStopped, CreatedAt: now,
		}), ShouldBeNil)
		So(store.Create(ctx, &Server{
			ID: "broken", Owner: "bob", Name: "c", Port: 0,
			Status: StatusError, CreatedAt: now,
		}), ShouldBeNil)

		pool, e := NewPortPool(3001, 3005, WithProber(freePorts))
		So(e, ShouldBeNil)
		m, e := NewManager(testConfig(t), store, WithLogger(testLogger(t)), WithPortPool(pool))
		So(e, ShouldBeNil)
		So(m.Reconcile(ctx), ShouldBeNil)

		So(pool.Available(), ShouldEqual, 3)
		So(pool.Reserve(3002), ShouldBeFalse)
		So(pool.Reserve(3004), ShouldBeFalse)

		rec, _ := store.FindByID(ctx, "live")
		So(rec.Status, ShouldEqual, StatusStopped)
		So(rec.PID, ShouldEqual, 0)
		rec, _ = store.FindByID(ctx, "broken")
		So(rec.Status, ShouldEqual, StatusError)

		// New servers never get a recorded port.
		s, e := m.CreateServer(ctx, "carol", ServerSpec{
			Name:        "d",
			Environment: map[string]string{SessionEnvKey: testSession},
		})
		So(e, ShouldBeNil)
		So(s.Port, ShouldEqual, 3001)
	})
}
