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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errProcessGone = errors.New("no such process")

// drainTimeout bounds how long output is read after the bot has exited.
const drainTimeout = 2 * time.Second

// BotStatus is a point in time view of one launcher.  IsRunning comes from
// the process itself, never from the cached Status alone.
type BotStatus struct {
	IsRunning bool          `json:"isRunning"`
	Status    Status        `json:"status"`
	PID       int           `json:"processId,omitempty"`
	Port      int           `json:"port,omitempty"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	LastError string        `json:"lastError,omitempty"`
}

// Exit describes the end of one run of a bot process.
type Exit struct {
	PID     int
	Ran     time.Duration
	Crashed bool
	Err     error
}

// Launcher owns the working directory and the process of one server.
// Launchers are created and retired by the Manager.
//
// Operations are serialized by op.  The state fields are guarded by mx,
// since the waiter goroutine updates them when the process exits.
type Launcher struct {
	id     string
	dir    string
	cfg    Config
	log    *Log
	logger logrus.FieldLogger

	onStatus func(id string, st Status)
	onLog    func(id string, rec LogRecord)
	onExit   func(id string, ex Exit)

	op      sync.Mutex
	retired bool

	mx       sync.Mutex
	status   Status
	cmd      *exec.Cmd
	pid      int
	port     int
	done     chan struct{}
	exited   bool
	stopping bool
	started  time.Time
	reason   error
}

func newLauncher(id string, cfg Config, logger logrus.FieldLogger) (*Launcher, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return nil, &ValidationError{Field: "id", Reason: "invalid server id"}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Launcher{
		id:     id,
		dir:    filepath.Join(cfg.ServersDir(), id),
		cfg:    cfg,
		log:    NewLog(cfg.LogRetention),
		logger: logger.WithField("server_id", id),
	}, nil
}

func (l *Launcher) ID() string {
	return l.id
}

// Dir is the server working directory.
func (l *Launcher) Dir() string {
	return l.dir
}

func (l *Launcher) setPort(port int) {
	l.mx.Lock()
	l.port = port
	l.mx.Unlock()
}

func (l *Launcher) envPath() string {
	return filepath.Join(l.dir, ".env")
}

// acquire takes the operation lock.  A retired launcher is no longer in
// the registry, and reports ErrNotFound.
func (l *Launcher) acquire() error {
	l.op.Lock()
	if l.retired {
		l.op.Unlock()
		return ErrNotFound
	}
	return nil
}

func (l *Launcher) release() {
	l.op.Unlock()
}

// setStatus must be called with mx held.  It reports whether the status
// changed, so the caller can publish it after dropping the lock.
func (l *Launcher) setStatus(next Status) bool {
	cur := l.status
	if cur == next {
		return false
	}
	if !cur.canTransition(next) {
		l.logger.WithFields(logrus.Fields{
			"from": cur.String(),
			"to":   next.String(),
		}).Warn("ignoring invalid status transition")
		return false
	}
	l.status = next
	return true
}

func (l *Launcher) statusChanged(st Status) {
	l.logger.WithField("status", st.String()).Debug("status changed")
	if l.onStatus != nil {
		l.onStatus(l.id, st)
	}
}

func (l *Launcher) transition(next Status) {
	l.mx.Lock()
	changed := l.setStatus(next)
	l.mx.Unlock()
	if changed {
		l.statusChanged(next)
	}
}

func (l *Launcher) fail(err error) {
	l.mx.Lock()
	l.reason = err
	changed := l.setStatus(StatusError)
	l.mx.Unlock()
	if changed {
		l.statusChanged(StatusError)
	}
}

func (l *Launcher) appendLog(stream, text string) {
	rec := l.log.Append(stream, text)
	l.logger.WithField("stream", stream).Debug(rec.Text)
	if l.onLog != nil {
		l.onLog(l.id, rec)
	}
}

func (l *Launcher) appendOutput(stream string, out []byte) {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			l.appendLog(stream, line)
		}
	}
}

func (l *Launcher) doLog(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	// Gather output in chunks of lines
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); len(line) != 0 {
			l.appendLog(stream, line)
		}
		if err != nil {
			return
		}
	}
}

// doWait reaps the process.  An exit nobody asked for is a crash.
// Helpers left behind in the group are killed, and their hold on the
// output pipes lasts at most drainTimeout.  done is closed only after
// onExit has returned.
func (l *Launcher) doWait(cmd *exec.Cmd, done chan struct{}, pumps *sync.WaitGroup, pipes ...io.Closer) {
	e := cmd.Wait()

	l.mx.Lock()
	l.exited = true
	pid := l.pid
	ran := time.Since(l.started)
	crashed := !l.stopping
	changed := false
	if crashed {
		if e == nil {
			e = errors.New("unexpected termination")
		}
		l.reason = e
		changed = l.setStatus(StatusError)
	}
	l.mx.Unlock()

	killGroup(pid)
	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		l.logger.WithField("pid", pid).Warn("bot output still open after exit")
	}
	for _, p := range pipes {
		p.Close()
	}
	<-drained

	if crashed {
		l.logger.WithFields(logrus.Fields{"pid": pid, "error": e}).Warn("bot exited unexpectedly")
		l.appendLog(StreamSystem, fmt.Sprintf("process %d exited: %v", pid, e))
	} else {
		l.appendLog(StreamSystem, fmt.Sprintf("process %d stopped", pid))
	}
	if changed {
		l.statusChanged(StatusError)
	}
	if l.onExit != nil {
		l.onExit(l.id, Exit{PID: pid, Ran: ran, Crashed: crashed, Err: e})
	}
	close(done)
}

// runningLocked must be called with mx held.
func (l *Launcher) runningLocked() bool {
	return l.cmd != nil && !l.exited && processAlive(l.pid)
}

func (l *Launcher) createServerDirectory() error {
	if e := os.MkdirAll(l.dir, 0o755); e != nil {
		return &ProvisionError{Stage: StageDirectory, Err: errors.Wrapf(e, "create %s", l.dir)}
	}
	return nil
}

func isRemoteSource(src string) bool {
	for _, pfx := range []string{"https://", "http://", "ssh://", "git@"} {
		if strings.HasPrefix(src, pfx) {
			return true
		}
	}
	return strings.HasSuffix(src, ".git")
}

func (l *Launcher) cloneSource(ctx context.Context, src string) error {
	tmp, e := os.MkdirTemp(filepath.Dir(l.dir), ".clone-")
	if e != nil {
		return errors.Wrap(e, "clone workspace")
	}
	defer os.RemoveAll(tmp)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.InstallTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--quiet", src, tmp)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, e := cmd.CombinedOutput(); e != nil {
		return errors.Wrapf(e, "git clone %s: %s", src, strings.TrimSpace(string(out)))
	}
	return copyTree(tmp, l.dir)
}

func (l *Launcher) downloadBotFiles(ctx context.Context) error {
	src := l.cfg.BotSource
	var e error
	switch {
	case src == "":
		e = errors.New("no bot source configured")
	case isRemoteSource(src):
		e = l.cloneSource(ctx, src)
	default:
		e = copyTree(src, l.dir)
	}
	if e != nil {
		return &ProvisionError{Stage: StageDownload, Err: e}
	}
	return nil
}

func (l *Launcher) createEnvFile(env map[string]string) error {
	data, e := marshalEnv(env)
	if e == nil {
		e = os.WriteFile(l.envPath(), data, 0o600)
	}
	if e == nil {
		e = verifyEnvFile(l.envPath(), env)
	}
	if e != nil {
		return &ProvisionError{Stage: StageEnvironment, Err: errors.Wrap(e, "write .env")}
	}
	return nil
}

func (l *Launcher) defaultManifest() map[string]interface{} {
	return map[string]interface{}{
		"version": "1.0.0",
		"main":    l.cfg.EntryPoint,
		"scripts": map[string]interface{}{
			"start": "node " + l.cfg.EntryPoint,
		},
		"dependencies": map[string]interface{}{},
	}
}

func (l *Launcher) createPackageJSON() error {
	path := filepath.Join(l.dir, "package.json")
	var manifest map[string]interface{}
	b, e := os.ReadFile(path)
	switch {
	case e == nil:
		if e = json.Unmarshal(b, &manifest); e != nil {
			return &ProvisionError{Stage: StageManifest, Err: errors.Wrap(e, "parse package.json")}
		}
	case os.IsNotExist(e):
	default:
		return &ProvisionError{Stage: StageManifest, Err: errors.Wrap(e, "read package.json")}
	}
	if manifest == nil {
		manifest = l.defaultManifest()
	}
	manifest["name"] = "botvisor-" + l.id
	manifest["private"] = true

	out, e := json.MarshalIndent(manifest, "", "  ")
	if e == nil {
		e = os.WriteFile(path, append(out, '\n'), 0o644)
	}
	if e != nil {
		return &ProvisionError{Stage: StageManifest, Err: errors.Wrap(e, "write package.json")}
	}
	return nil
}

func (l *Launcher) installDependencies(ctx context.Context) error {
	argv := l.cfg.InstallCommand
	if len(argv) == 0 {
		l.appendLog(StreamSystem, "dependency installation skipped")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.InstallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.dir
	// The package cache stays inside the server directory, so that
	// tenants never share or pollute a global cache.
	cmd.Env = mergeEnv(os.Environ(), map[string]string{
		"HOME":                       l.dir,
		"npm_config_cache":           filepath.Join(l.dir, ".npm-cache"),
		"npm_config_update_notifier": "false",
	})
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		if e := kill(cmd.Process.Pid); e != nil && !errors.Is(e, errProcessGone) {
			return e
		}
		return nil
	}
	cmd.WaitDelay = l.cfg.StopTimeout

	l.appendLog(StreamSystem, "installing dependencies: "+strings.Join(argv, " "))
	start := time.Now()
	out, e := cmd.CombinedOutput()
	l.appendOutput(StreamSystem, out)
	if e != nil {
		if ctx.Err() == context.DeadlineExceeded {
			e = fmt.Errorf("timed out after %v", l.cfg.InstallTimeout)
		}
		return &ProvisionError{
			Stage: StageDependencies,
			Err: &DependencyError{
				Command: append([]string(nil), argv...),
				Output:  string(out),
				Err:     e,
			},
		}
	}
	l.logger.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("dependencies installed")
	return nil
}

// provision runs every step that precedes a spawn, in order.  The first
// failure leaves the launcher in the error state.
func (l *Launcher) provision(ctx context.Context, env map[string]string) error {
	l.transition(StatusProvisioning)
	steps := []func() error{
		l.createServerDirectory,
		func() error { return l.downloadBotFiles(ctx) },
		func() error { return l.createEnvFile(env) },
		l.createPackageJSON,
		func() error { return l.installDependencies(ctx) },
	}
	for _, step := range steps {
		if e := step(); e != nil {
			l.appendLog(StreamSystem, e.Error())
			l.fail(e)
			return e
		}
	}
	return nil
}

func (l *Launcher) readEnv() (map[string]string, error) {
	env, e := readEnvFile(l.envPath())
	if errors.Is(e, os.ErrNotExist) {
		return nil, nil
	}
	return env, e
}

// settle waits for the waiter of the previous run, so the next transition
// cannot be overtaken by that run's exit callbacks.  Only call it once the
// process is known to be gone.
func (l *Launcher) settle() {
	l.mx.Lock()
	done := l.done
	l.mx.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Launcher) startBot() (int, error) {
	l.mx.Lock()
	if l.runningLocked() {
		pid := l.pid
		l.mx.Unlock()
		return pid, ErrAlreadyRunning
	}
	l.mx.Unlock()
	l.settle()

	env, e := l.readEnv()
	if e != nil {
		err := &ProcessError{Op: "spawn", Err: errors.Wrap(e, "read .env")}
		l.fail(err)
		return 0, err
	}

	argv := l.cfg.BotCommand
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.dir
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.SysProcAttr = sysProcAttr()

	// Plain pipes rather than cmd.StdoutPipe, so that Wait does not
	// depend on the output being closed.
	stdout, stdoutW, e := os.Pipe()
	if e != nil {
		err := &ProcessError{Op: "spawn", Err: e}
		l.fail(err)
		return 0, err
	}
	stderr, stderrW, e := os.Pipe()
	if e != nil {
		stdout.Close()
		stdoutW.Close()
		err := &ProcessError{Op: "spawn", Err: e}
		l.fail(err)
		return 0, err
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	l.transition(StatusStarting)
	e = cmd.Start()
	// The child has its own copies now.
	stdoutW.Close()
	stderrW.Close()
	if e != nil {
		stdout.Close()
		stderr.Close()
		err := &ProcessError{Op: "spawn", Err: e}
		l.appendLog(StreamSystem, err.Error())
		l.fail(err)
		return 0, err
	}

	pid := cmd.Process.Pid
	done := make(chan struct{})
	l.mx.Lock()
	l.cmd, l.pid, l.done = cmd, pid, done
	l.exited, l.stopping = false, false
	l.started = time.Now()
	l.reason = nil
	l.mx.Unlock()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go l.doLog(stdout, StreamStdout, &pumps)
	go l.doLog(stderr, StreamStderr, &pumps)
	go l.doWait(cmd, done, &pumps, stdout, stderr)

	l.appendLog(StreamSystem, fmt.Sprintf("started pid %d", pid))

	// The waiter may already have seen a crash.
	l.mx.Lock()
	changed := !l.exited && l.setStatus(StatusRunning)
	l.mx.Unlock()
	if changed {
		l.statusChanged(StatusRunning)
	}
	return pid, nil
}

func (l *Launcher) stopBot() error {
	l.mx.Lock()
	if l.cmd == nil || l.exited {
		l.mx.Unlock()
		l.settle()
		l.mx.Lock()
		changed := false
		if l.status.Live() || l.status == StatusError {
			changed = l.setStatus(StatusStopped)
		}
		l.mx.Unlock()
		if changed {
			l.statusChanged(StatusStopped)
		}
		return nil
	}
	pid, done := l.pid, l.done
	l.stopping = true
	changed := l.setStatus(StatusStopping)
	l.mx.Unlock()
	if changed {
		l.statusChanged(StatusStopping)
	}

	l.appendLog(StreamSystem, fmt.Sprintf("stopping pid %d", pid))
	if e := terminate(pid); e != nil && !errors.Is(e, errProcessGone) {
		err := &ProcessError{Op: "signal", PID: pid, Err: e}
		l.fail(err)
		return err
	}

	timer := time.NewTimer(l.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.logger.WithField("pid", pid).Warn("graceful shutdown timed out")
		l.appendLog(StreamSystem, "graceful shutdown timed out, killing")
		if e := kill(pid); e != nil && !errors.Is(e, errProcessGone) {
			err := &ProcessError{Op: "kill", PID: pid, Err: e}
			l.fail(err)
			return err
		}
		timer.Reset(l.cfg.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			err := &ProcessError{Op: "kill", PID: pid, Err: errors.New("process did not exit")}
			l.fail(err)
			return err
		}
	}
	l.transition(StatusStopped)
	return nil
}

func (l *Launcher) restartBot() (int, error) {
	if e := l.stopBot(); e != nil {
		return 0, e
	}
	return l.startBot()
}

// cleanup stops the bot and removes the working directory.  Missing files
// are not an error.
func (l *Launcher) cleanup() error {
	var first error
	l.mx.Lock()
	live := l.cmd != nil && !l.exited
	l.mx.Unlock()
	if live {
		if e := l.stopBot(); e != nil {
			l.logger.WithError(e).Warn("stop during cleanup failed")
			first = e
		}
	}
	if e := os.RemoveAll(l.dir); e != nil {
		l.logger.WithError(e).Warn("removing server directory failed")
		if first == nil {
			first = errors.Wrapf(e, "remove %s", l.dir)
		}
	}
	l.transition(StatusUninitialized)
	return first
}

// CreateServerDirectory creates the working directory.
func (l *Launcher) CreateServerDirectory() error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.createServerDirectory()
}

// DownloadBotFiles copies the configured bot source into the working
// directory.
func (l *Launcher) DownloadBotFiles(ctx context.Context) error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.downloadBotFiles(ctx)
}

// CreateEnvFile writes env as the .env file, replacing any earlier one.
func (l *Launcher) CreateEnvFile(env map[string]string) error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.createEnvFile(env)
}

func (l *Launcher) CreatePackageJSON() error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.createPackageJSON()
}

func (l *Launcher) InstallDependencies(ctx context.Context) error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.installDependencies(ctx)
}

// Provision runs directory, download, environment, manifest and
// dependency steps in that order.
func (l *Launcher) Provision(ctx context.Context, env map[string]string) error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.provision(ctx, env)
}

// StartBot spawns the bot and returns its pid.
func (l *Launcher) StartBot() (int, error) {
	if e := l.acquire(); e != nil {
		return 0, e
	}
	defer l.release()
	return l.startBot()
}

// StopBot stops the bot.  Stopping a bot that is not running succeeds.
func (l *Launcher) StopBot() error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.stopBot()
}

func (l *Launcher) RestartBot() (int, error) {
	if e := l.acquire(); e != nil {
		return 0, e
	}
	defer l.release()
	return l.restartBot()
}

func (l *Launcher) Cleanup() error {
	if e := l.acquire(); e != nil {
		return e
	}
	defer l.release()
	return l.cleanup()
}

// BotStatus reports the live state.  It only takes the state lock, so a
// status check does not wait for a slow install in progress; such a
// launcher reports provisioning.
func (l *Launcher) BotStatus() BotStatus {
	l.mx.Lock()
	alive := l.runningLocked()
	changed := false
	if !alive && l.status == StatusRunning {
		l.reason = errors.New("process is no longer running")
		changed = l.setStatus(StatusError)
	}
	st := BotStatus{IsRunning: alive, Status: l.status, Port: l.port}
	if alive {
		started := l.started
		st.PID = l.pid
		st.StartedAt = &started
		st.Uptime = time.Since(started).Round(time.Second)
	}
	if l.reason != nil {
		st.LastError = l.reason.Error()
	}
	l.mx.Unlock()
	if changed {
		l.statusChanged(StatusError)
	}
	return st
}

// Logs returns at most limit of the newest log records, oldest first.
func (l *Launcher) Logs(limit int) []LogRecord {
	return l.log.Tail(limit)
}
