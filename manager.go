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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultLogLimit is the number of log records returned when the caller
// does not ask for a specific amount.
const DefaultLogLimit = 100

// Manager is the orchestrator.  It owns the port pool and the registry of
// launchers, one per server id, and keeps the Store in step with what the
// launchers report.
type Manager struct {
	cfg      Config
	store    Store
	pool     *PortPool
	notifier Notifier
	logger   logrus.FieldLogger
	metrics  *Metrics
	registry prometheus.Registerer

	launchers  map[string]*Launcher
	serial     int64
	createTime time.Time
	updateTime time.Time
	mx         sync.Mutex
}

// ManagerInfo is top-level information about the Manager, gathered
// consistently.
type ManagerInfo struct {
	Serial         int64     `json:"serial"`
	CreateTime     time.Time `json:"createTime"`
	UpdateTime     time.Time `json:"updateTime"`
	Launchers      int       `json:"launchers"`
	PortsAvailable int       `json:"portsAvailable"`
	PortsTotal     int       `json:"portsTotal"`
}

// StartResult is what a successful start or restart reports.
type StartResult struct {
	PID  int `json:"processId"`
	Port int `json:"port"`
}

// ServerView is a persisted record with the live status laid over it.
type ServerView struct {
	*Server
	Live        BotStatus `json:"live"`
	StatusError string    `json:"statusError,omitempty"`
}

// ActiveServer is a registry entry whose bot is running.
type ActiveServer struct {
	ID string `json:"id"`
	BotStatus
}

// StatusEvent is the payload of EventStatus notifications.
type StatusEvent struct {
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
}

type ManagerOption func(*Manager)

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithNotifier sets where status and log events are published.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

// WithRegistry registers the Manager's metrics on reg.
func WithRegistry(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.registry = reg
	}
}

// WithPortPool replaces the pool built from the Config port range.
func WithPortPool(pp *PortPool) ManagerOption {
	return func(m *Manager) {
		m.pool = pp
	}
}

func NewManager(cfg Config, store Store, opts ...ManagerOption) (*Manager, error) {
	cfg = cfg.withDefaults()
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	if store == nil {
		store = NewMemStore()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		notifier:  NopNotifier{},
		logger:    logrus.StandardLogger(),
		launchers: make(map[string]*Launcher),
		// As with log IDs, the serial starts at the current time so
		// that a client caching it notices a restart.
		serial: time.Now().UnixNano(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.pool == nil {
		pp, e := NewPortPool(cfg.MinPort, cfg.MaxPort,
			WithProbeTimeout(cfg.ProbeTimeout),
			WithPortLogger(m.logger))
		if e != nil {
			return nil, e
		}
		m.pool = pp
	}
	m.metrics = NewMetrics(m.registry)
	m.createTime = time.Now()
	m.updateTime = m.createTime
	return m, nil
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) bumpSerial() {
	m.lock()
	m.serial++
	m.updateTime = time.Now()
	m.unlock()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Info returns top-level information about the Manager.
func (m *Manager) Info() ManagerInfo {
	m.lock()
	i := ManagerInfo{
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
		Launchers:  len(m.launchers),
	}
	m.unlock()
	i.PortsAvailable = m.pool.Available()
	i.PortsTotal = m.pool.Size()
	return i
}

func (m *Manager) updatePortGauge() {
	m.metrics.portsInUse.Set(float64(m.pool.Size() - m.pool.Available()))
}

func (m *Manager) acquirePort(ctx context.Context) (int, error) {
	port, e := m.pool.Acquire(ctx)
	m.metrics.portAcquired(e)
	m.updatePortGauge()
	if e != nil {
		m.logger.WithError(e).Warn("port acquisition failed")
	}
	return port, e
}

func (m *Manager) releasePort(port int) {
	if port == 0 {
		return
	}
	m.pool.Release(port)
	m.updatePortGauge()
}

// launcher looks up the launcher for id, inserting a new one when create
// is set.  The lookup and insert are atomic.
func (m *Manager) launcher(id string, create bool) (*Launcher, error) {
	m.lock()
	defer m.unlock()
	if l, ok := m.launchers[id]; ok {
		return l, nil
	}
	if !create {
		return nil, nil
	}
	l, e := newLauncher(id, m.cfg, m.logger)
	if e != nil {
		return nil, e
	}
	l.onStatus = m.statusChanged
	l.onLog = m.logAppended
	l.onExit = m.botExited
	m.launchers[id] = l
	m.metrics.activeLaunchers.Set(float64(len(m.launchers)))
	return l, nil
}

// lockLauncher returns the launcher for id with its operation lock held,
// or nil if there is none and create is not set.  With create set the
// record is checked again under the lock, so a launcher is never left
// behind for a server whose delete finished in the meantime.
func (m *Manager) lockLauncher(ctx context.Context, id string, create bool) (*Launcher, error) {
	for {
		l, e := m.launcher(id, create)
		if e != nil || l == nil {
			return nil, e
		}
		if l.acquire() == nil {
			if !create {
				return l, nil
			}
			if _, e := m.store.FindByID(ctx, id); e != nil {
				m.retire(l)
				l.release()
				return nil, e
			}
			return l, nil
		}
		// Retired while we waited.  If the record is gone the server
		// was deleted; otherwise a failed start removed the launcher
		// and we try again with a fresh one.
		if _, e := m.store.FindByID(ctx, id); e != nil {
			return nil, e
		}
	}
}

// retire removes l from the registry.  The caller holds l's operation
// lock.
func (m *Manager) retire(l *Launcher) {
	l.retired = true
	m.lock()
	if m.launchers[l.id] == l {
		delete(m.launchers, l.id)
	}
	m.metrics.activeLaunchers.Set(float64(len(m.launchers)))
	m.unlock()
}

func (m *Manager) statusChanged(id string, st Status) {
	// Teardown of a launcher is not a server state.
	if st == StatusUninitialized {
		return
	}
	m.bumpSerial()
	if e := m.store.Update(context.Background(), id, ServerUpdate{Status: &st}); e != nil && !errors.Is(e, ErrNotFound) {
		m.logger.WithError(e).WithField("server_id", id).Warn("persisting status failed")
	}
	m.notifier.Notify(EventStatus, id, StatusEvent{Status: st, Time: time.Now()})
}

func (m *Manager) logAppended(id string, rec LogRecord) {
	m.notifier.Notify(EventLog, id, rec)
}

func (m *Manager) botExited(id string, ex Exit) {
	ctx := context.Background()
	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return
	}
	total := rec.TotalUptime + ex.Ran
	u := ServerUpdate{TotalUptime: &total}
	if l, _ := m.launcher(id, false); l != nil && m.cfg.PersistedLogs > 0 {
		u.Logs = l.Logs(m.cfg.PersistedLogs)
	}
	// The record already belongs to a newer run.
	if rec.PID != 0 && rec.PID != ex.PID {
		if e := m.store.Update(ctx, id, u); e != nil && !errors.Is(e, ErrNotFound) {
			m.logger.WithError(e).WithField("server_id", id).Warn("persisting exit failed")
		}
		return
	}
	zero := 0
	u.PID = &zero
	if ex.Crashed {
		m.metrics.crashes.Inc()
		st := StatusError
		msg := fmt.Sprintf("process %d exited: %v", ex.PID, ex.Err)
		u.Status = &st
		u.LastError = &msg
	}
	if e := m.store.Update(ctx, id, u); e != nil && !errors.Is(e, ErrNotFound) {
		m.logger.WithError(e).WithField("server_id", id).Warn("persisting exit failed")
	}
}

// CreateServer validates spec, reserves a port and persists a stopped
// server for owner.  A port is never left reserved without a record.
func (m *Manager) CreateServer(ctx context.Context, owner string, spec ServerSpec) (*Server, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner is required"}
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "name is required"}
	}
	if e := ValidateEnvironment(spec.Environment); e != nil {
		return nil, e
	}
	if e := ValidateSession(spec.Environment[SessionEnvKey]); e != nil {
		return nil, e
	}

	port, e := m.acquirePort(ctx)
	if e != nil {
		return nil, e
	}

	now := time.Now()
	s := &Server{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Port:        port,
		Environment: copyEnv(spec.Environment),
		Status:      StatusStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e := m.store.Create(ctx, s); e != nil {
		m.releasePort(port)
		return nil, fmt.Errorf("persist server: %w", e)
	}
	m.bumpSerial()
	m.logger.WithFields(logrus.Fields{
		"server_id": s.ID,
		"owner":     owner,
		"port":      port,
	}).Info("server created")
	m.notifier.Notify(EventCreated, s.ID, s.clone())
	return s, nil
}

// StartServer provisions and spawns the bot of server id.  Once begun it
// runs to completion; a failure tears down everything it made, returns
// the port to the pool and leaves the record in the error state.
func (m *Manager) StartServer(ctx context.Context, id string) (*StartResult, error) {
	if _, e := m.store.FindByID(ctx, id); e != nil {
		return nil, e
	}
	ctx = context.WithoutCancel(ctx)

	l, e := m.lockLauncher(ctx, id, true)
	if e != nil {
		return nil, e
	}
	defer l.release()

	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return nil, e
	}
	if st := l.BotStatus(); st.IsRunning {
		return nil, ErrAlreadyRunning
	}
	l.settle()

	began := time.Now()
	logger := m.logger.WithField("server_id", id)
	port := rec.Port
	if port == 0 {
		if port, e = m.acquirePort(ctx); e != nil {
			e = &ProvisionError{Stage: StagePort, Err: e}
			m.startFailed(ctx, l, 0, e)
			m.metrics.startFinished(began, e)
			return nil, e
		}
		if e = m.store.Update(ctx, id, ServerUpdate{Port: &port}); e != nil {
			m.startFailed(ctx, l, port, e)
			m.metrics.startFinished(began, e)
			return nil, e
		}
	}
	l.setPort(port)

	env := copyEnv(rec.Environment)
	if env == nil {
		env = map[string]string{}
	}
	env["PORT"] = strconv.Itoa(port)

	logger.WithField("port", port).Info("starting server")
	var pid int
	if e = l.provision(ctx, env); e == nil {
		pid, e = l.startBot()
	}
	m.metrics.startFinished(began, e)
	if e != nil {
		logger.WithError(e).Error("start failed")
		m.startFailed(ctx, l, port, e)
		return nil, e
	}

	m.persistStarted(ctx, id, pid)
	logger.WithFields(logrus.Fields{"pid": pid, "port": port}).Info("server started")
	return &StartResult{PID: pid, Port: port}, nil
}

// startFailed unwinds a start.  The caller holds l's operation lock.
func (m *Manager) startFailed(ctx context.Context, l *Launcher, port int, cause error) {
	logs := l.Logs(m.cfg.PersistedLogs)
	if e := l.cleanup(); e != nil {
		m.logger.WithError(e).WithField("server_id", l.id).Warn("cleanup after failed start")
	}
	m.retire(l)
	m.releasePort(port)

	st := StatusError
	zero := 0
	msg := cause.Error()
	u := ServerUpdate{Status: &st, Port: &zero, PID: &zero, LastError: &msg}
	if m.cfg.PersistedLogs > 0 {
		u.Logs = logs
	}
	if e := m.store.Update(ctx, l.id, u); e != nil && !errors.Is(e, ErrNotFound) {
		m.logger.WithError(e).WithField("server_id", l.id).Warn("persisting failed start")
	}
	m.bumpSerial()
	m.notifier.Notify(EventStatus, l.id, StatusEvent{Status: StatusError, Time: time.Now()})
}

func (m *Manager) persistStarted(ctx context.Context, id string, pid int) {
	st := StatusRunning
	now := time.Now()
	empty := ""
	u := ServerUpdate{Status: &st, PID: &pid, LastStarted: &now, LastError: &empty}
	if e := m.store.Update(ctx, id, u); e != nil {
		m.logger.WithError(e).WithField("server_id", id).Warn("persisting start failed")
	}
}

// StopServer stops the bot of server id.  Stopping a stopped server
// succeeds.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	l, e := m.lockLauncher(ctx, id, false)
	if e != nil {
		return e
	}
	logger := m.logger.WithField("server_id", id)
	if l == nil {
		rec, e := m.store.FindByID(ctx, id)
		if e != nil {
			return e
		}
		// Nothing runs here; a live status can only be stale.
		if rec.Status.Live() {
			st := StatusStopped
			zero := 0
			if e := m.store.Update(ctx, id, ServerUpdate{Status: &st, PID: &zero}); e != nil {
				return e
			}
		}
		logger.Info("server already stopped")
		return nil
	}
	defer l.release()

	e = l.stopBot()
	st := l.BotStatus().Status
	u := ServerUpdate{Status: &st}
	if e == nil {
		zero := 0
		u.PID = &zero
	} else {
		msg := e.Error()
		u.LastError = &msg
	}
	if ue := m.store.Update(ctx, id, u); ue != nil && !errors.Is(ue, ErrNotFound) {
		logger.WithError(ue).Warn("persisting stop failed")
	}
	if e != nil {
		logger.WithError(e).Error("stop failed")
		return e
	}
	logger.Info("server stopped")
	return nil
}

// RestartServer stops and starts the bot as one operation.  A server with
// no launcher yet goes through the full start.
func (m *Manager) RestartServer(ctx context.Context, id string) (*StartResult, error) {
	l, e := m.lockLauncher(ctx, id, false)
	if e != nil {
		return nil, e
	}
	if l == nil {
		return m.StartServer(ctx, id)
	}
	defer l.release()

	if _, e := m.store.FindByID(ctx, id); e != nil {
		return nil, e
	}
	logger := m.logger.WithField("server_id", id)
	began := time.Now()
	pid, e := l.restartBot()
	m.metrics.startFinished(began, e)
	if e != nil {
		st := l.BotStatus().Status
		msg := e.Error()
		if ue := m.store.Update(ctx, id, ServerUpdate{Status: &st, LastError: &msg}); ue != nil {
			logger.WithError(ue).Warn("persisting restart failed")
		}
		logger.WithError(e).Error("restart failed")
		return nil, e
	}
	m.persistStarted(ctx, id, pid)
	port := l.BotStatus().Port
	logger.WithFields(logrus.Fields{"pid": pid, "port": port}).Info("server restarted")
	return &StartResult{PID: pid, Port: port}, nil
}

// DeleteServer stops the bot, removes its files, returns the port and
// finally removes the record.  A crash midway leaves a record, so the
// delete can simply be repeated.
func (m *Manager) DeleteServer(ctx context.Context, id string) error {
	if _, e := m.store.FindByID(ctx, id); e != nil {
		return e
	}
	ctx = context.WithoutCancel(ctx)

	// A launcher is made if needed, so files left by an earlier host
	// process are removed as well.
	l, e := m.lockLauncher(ctx, id, true)
	if e != nil {
		return e
	}
	defer l.release()

	logger := m.logger.WithField("server_id", id)
	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return e
	}
	if e := l.cleanup(); e != nil {
		logger.WithError(e).Warn("cleanup during delete")
	}
	// The record goes first, while the lock is still held.  A start
	// waiting for this launcher then finds neither launcher nor record.
	if e := m.store.Delete(ctx, id); e != nil {
		return e
	}
	m.releasePort(rec.Port)
	m.retire(l)
	m.bumpSerial()
	logger.WithField("port", rec.Port).Info("server deleted")
	m.notifier.Notify(EventDeleted, id, nil)
	return nil
}

// ServerStatus reports the live status of server id.  A server without a
// launcher is stopped; no launcher is made for the question.
func (m *Manager) ServerStatus(ctx context.Context, id string) (BotStatus, error) {
	if l, _ := m.launcher(id, false); l != nil {
		return l.BotStatus(), nil
	}
	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return BotStatus{}, e
	}
	return BotStatus{Status: StatusStopped, Port: rec.Port, LastError: rec.LastError}, nil
}

// probe is ServerStatus for a record already in hand.  A panic in the
// status check is reported as an error, so one bad server cannot break a
// listing.
func (m *Manager) probe(rec *Server) (st BotStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status check: %v", r)
		}
	}()
	if l, _ := m.launcher(rec.ID, false); l != nil {
		return l.BotStatus(), nil
	}
	return BotStatus{Status: StatusStopped, Port: rec.Port, LastError: rec.LastError}, nil
}

func (m *Manager) view(rec *Server) ServerView {
	v := ServerView{Server: rec}
	st, e := m.probe(rec)
	if e != nil {
		v.StatusError = e.Error()
		return v
	}
	v.Live = st
	if l, _ := m.launcher(rec.ID, false); l != nil {
		// The launcher is authoritative while it exists.
		v.Status = st.Status
	}
	return v
}

// GetServer returns the record of server id with its live status.
func (m *Manager) GetServer(ctx context.Context, id string) (*ServerView, error) {
	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return nil, e
	}
	v := m.view(rec)
	return &v, nil
}

// UserServers lists the servers of owner, newest first, each with its
// live status.
func (m *Manager) UserServers(ctx context.Context, owner string) ([]ServerView, error) {
	recs, e := m.store.FindByOwner(ctx, owner)
	if e != nil {
		return nil, e
	}
	views := make([]ServerView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, m.view(rec))
	}
	return views, nil
}

// ServerLogs returns at most limit of the newest log records of server
// id, with the number of records kept.  Without a launcher, the tail
// saved on the record is used.
func (m *Manager) ServerLogs(ctx context.Context, id string, limit int) (*LogPage, error) {
	return m.ServerLogsSince(ctx, id, limit, 0)
}

// ServerLogsSince is ServerLogs for a reader that has seen version last.
// An unchanged log is returned NotModified and without records.
func (m *Manager) ServerLogsSince(ctx context.Context, id string, limit int, last int64) (*LogPage, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if l, _ := m.launcher(id, false); l != nil {
		page := l.log.Page(last, limit)
		return &page, nil
	}
	rec, e := m.store.FindByID(ctx, id)
	if e != nil {
		return nil, e
	}
	page := &LogPage{Total: len(rec.Logs)}
	if n := len(rec.Logs); n > 0 {
		page.Version = rec.Logs[n-1].ID
	}
	if last != 0 && page.Version == last {
		page.NotModified = true
		return page, nil
	}
	logs := rec.Logs
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	page.Logs = append([]LogRecord{}, logs...)
	return page, nil
}

func (m *Manager) registered() []*Launcher {
	m.lock()
	ls := make([]*Launcher, 0, len(m.launchers))
	for _, l := range m.launchers {
		ls = append(ls, l)
	}
	m.unlock()
	sort.Slice(ls, func(i, j int) bool { return ls[i].id < ls[j].id })
	return ls
}

// ActiveServers reports the registered launchers whose bot is running.
// Persisted records are not consulted.
func (m *Manager) ActiveServers() []ActiveServer {
	rv := []ActiveServer{}
	for _, l := range m.registered() {
		if st := l.BotStatus(); st.IsRunning && st.Status == StatusRunning {
			rv = append(rv, ActiveServer{ID: l.id, BotStatus: st})
		}
	}
	return rv
}

// SystemCleanup stops every registered bot and clears the registry.  It
// is meant for the shutdown sequence; failures are logged and the sweep
// goes on.
func (m *Manager) SystemCleanup() {
	ls := m.registered()
	m.logger.WithField("launchers", len(ls)).Info("system cleanup")
	for _, l := range ls {
		if e := l.acquire(); e != nil {
			continue
		}
		if e := l.stopBot(); e != nil {
			m.logger.WithError(e).WithField("server_id", l.id).Error("stop during system cleanup")
		}
		m.retire(l)
		l.release()
	}
	m.logger.Info("system cleanup done")
}

// Reconcile brings persisted state in line with a freshly started host.
// Ports recorded on servers are taken out of the pool, and live statuses
// left behind by the previous host process become stopped.  A recorded
// pid that still exists may be an orphan, or may be an unrelated process
// that reused the pid, so it is only logged.
func (m *Manager) Reconcile(ctx context.Context) error {
	recs, e := m.store.All(ctx)
	if e != nil {
		return e
	}
	fixed := 0
	for _, rec := range recs {
		logger := m.logger.WithFields(logrus.Fields{"server_id": rec.ID, "port": rec.Port})
		if rec.Port != 0 && !m.pool.Reserve(rec.Port) {
			logger.Warn("recorded port is outside the range or already taken")
		}
		if !rec.Status.Live() {
			continue
		}
		if rec.PID > 0 && processAlive(rec.PID) {
			logger.WithField("pid", rec.PID).Warn("recorded process still exists, possible orphan")
		}
		st := StatusStopped
		zero := 0
		if e := m.store.Update(ctx, rec.ID, ServerUpdate{Status: &st, PID: &zero}); e != nil {
			return e
		}
		fixed++
	}
	m.updatePortGauge()
	m.logger.WithFields(logrus.Fields{
		"servers": len(recs),
		"reset":   fixed,
	}).Info("reconciled persisted servers")
	return nil
}
