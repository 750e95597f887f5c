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
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMinPort      = 3001
	DefaultMaxPort      = 4000
	DefaultProbeTimeout = 2 * time.Second
)

// A Prober checks whether a port can be bound right now.  It returns nil
// when the port is free.
type Prober func(ctx context.Context, port int) error

// ProbeTCP binds a listener on the loopback address and closes it again.
// It is the authoritative check that no process, managed by us or not,
// currently holds the port.
func ProbeTCP(ctx context.Context, port int) error {
	var lc net.ListenConfig
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	l, e := lc.Listen(ctx, "tcp", addr)
	if e != nil {
		return e
	}
	return l.Close()
}

// PortPool hands out ports from a closed range [min, max].  Membership in
// the pool is an optimization; the probe decides whether a port is really
// free.  All mutation happens under one lock, so a probe and the removal
// that follows it are atomic with respect to other Acquire calls.
type PortPool struct {
	min     int
	max     int
	free    []bool
	avail   int
	probe   Prober
	timeout time.Duration
	logger  logrus.FieldLogger
	mx      sync.Mutex
}

type PortOption func(*PortPool)

// WithProber replaces ProbeTCP, mostly for tests.
func WithProber(p Prober) PortOption {
	return func(pp *PortPool) {
		pp.probe = p
	}
}

// WithProbeTimeout bounds each individual probe.  A probe that does not
// answer in time counts as occupied.
func WithProbeTimeout(d time.Duration) PortOption {
	return func(pp *PortPool) {
		if d > 0 {
			pp.timeout = d
		}
	}
}

func WithPortLogger(l logrus.FieldLogger) PortOption {
	return func(pp *PortPool) {
		if l != nil {
			pp.logger = l
		}
	}
}

// NewPortPool returns a pool holding every port in [min, max].
func NewPortPool(min, max int, opts ...PortOption) (*PortPool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, min, max)
	}
	pp := &PortPool{
		min:     min,
		max:     max,
		free:    make([]bool, max-min+1),
		avail:   max - min + 1,
		probe:   ProbeTCP,
		timeout: DefaultProbeTimeout,
		logger:  logrus.StandardLogger(),
	}
	for i := range pp.free {
		pp.free[i] = true
	}
	for _, o := range opts {
		o(pp)
	}
	return pp, nil
}

func (pp *PortPool) contains(port int) bool {
	return port >= pp.min && port <= pp.max
}

// probeOne runs the prober with a hard deadline.  The prober goroutine is
// abandoned on timeout; it will finish on its own.
func (pp *PortPool) probeOne(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, pp.timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		ch <- pp.probe(ctx, port)
	}()
	select {
	case e := <-ch:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire removes and returns the lowest pooled port that probes free.
func (pp *PortPool) Acquire(ctx context.Context) (int, error) {
	pp.mx.Lock()
	defer pp.mx.Unlock()

	for i, ok := range pp.free {
		if !ok {
			continue
		}
		if e := ctx.Err(); e != nil {
			return 0, e
		}
		port := pp.min + i
		if e := pp.probeOne(ctx, port); e != nil {
			if errors.Is(e, syscall.EADDRINUSE) {
				pp.logger.WithField("port", port).Debug("Port held outside the pool")
			} else {
				pp.logger.WithField("port", port).WithError(e).Debug("Port probe failed")
			}
			continue
		}
		pp.free[i] = false
		pp.avail--
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Release returns a port to the pool.  Ports outside the range and ports
// already in the pool are ignored.
func (pp *PortPool) Release(port int) {
	pp.mx.Lock()
	defer pp.mx.Unlock()
	if !pp.contains(port) {
		return
	}
	if i := port - pp.min; !pp.free[i] {
		pp.free[i] = true
		pp.avail++
	}
}

// Reserve removes a specific port without probing it.  It reports whether
// the port was in the pool.
func (pp *PortPool) Reserve(port int) bool {
	pp.mx.Lock()
	defer pp.mx.Unlock()
	if !pp.contains(port) {
		return false
	}
	i := port - pp.min
	if !pp.free[i] {
		return false
	}
	pp.free[i] = false
	pp.avail--
	return true
}

// Available returns the number of pooled ports.
func (pp *PortPool) Available() int {
	pp.mx.Lock()
	defer pp.mx.Unlock()
	return pp.avail
}

// Size returns the number of ports in the configured range.
func (pp *PortPool) Size() int {
	return pp.max - pp.min + 1
}

func (pp *PortPool) Range() (int, int) {
	return pp.min, pp.max
}
