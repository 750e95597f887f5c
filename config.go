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
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	DefaultInstallTimeout = 5 * time.Minute
	DefaultStopTimeout    = 10 * time.Second
	DefaultPersistedLogs  = 100
	DefaultEntryPoint     = "index.js"
)

// Config controls where servers live and how their bots are provisioned
// and run.
type Config struct {
	MinPort int `yaml:"minPort"`
	MaxPort int `yaml:"maxPort"`

	// BaseDir holds one working directory per server, under
	// BaseDir/servers/<id>.
	BaseDir string `yaml:"baseDir"`

	// BotSource is a local directory or a git URL holding the bot
	// runtime source tree.
	BotSource string `yaml:"botSource"`

	// EntryPoint is used in the generated package.json when the source
	// tree does not carry one.
	EntryPoint string `yaml:"entryPoint"`

	// InstallCommand is run in the server directory to install runtime
	// dependencies.  Empty skips the step.
	InstallCommand []string `yaml:"installCommand"`

	// BotCommand starts the bot, with the server directory as working
	// directory.
	BotCommand []string `yaml:"botCommand"`

	InstallTimeout time.Duration `yaml:"installTimeout"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"`
	StopTimeout    time.Duration `yaml:"stopTimeout"`

	// LogRetention bounds the in-memory log ring of each launcher.
	LogRetention int `yaml:"logRetention"`

	// PersistedLogs is how many of the newest log records are copied
	// into the persisted server record when a bot stops or crashes.
	PersistedLogs int `yaml:"persistedLogs"`
}

// DefaultConfig returns a Config with every field set.
func DefaultConfig() Config {
	return Config{
		MinPort:        DefaultMinPort,
		MaxPort:        DefaultMaxPort,
		BaseDir:        defaultBaseDir(),
		EntryPoint:     DefaultEntryPoint,
		InstallCommand: []string{"npm", "install", "--omit=dev", "--no-audit", "--no-fund"},
		BotCommand:     []string{"node", DefaultEntryPoint},
		InstallTimeout: DefaultInstallTimeout,
		ProbeTimeout:   DefaultProbeTimeout,
		StopTimeout:    DefaultStopTimeout,
		LogRetention:   DefaultLogRetention,
		PersistedLogs:  DefaultPersistedLogs,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinPort == 0 && c.MaxPort == 0 {
		c.MinPort, c.MaxPort = d.MinPort, d.MaxPort
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.EntryPoint == "" {
		c.EntryPoint = d.EntryPoint
	}
	if len(c.BotCommand) == 0 {
		c.BotCommand = []string{"node", c.EntryPoint}
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = d.InstallTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.LogRetention <= 0 {
		c.LogRetention = d.LogRetention
	}
	if c.PersistedLogs < 0 {
		c.PersistedLogs = 0
	}
	return c
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.MinPort <= 0 || c.MaxPort > 65535 || c.MinPort > c.MaxPort {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, c.MinPort, c.MaxPort)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base directory is required")
	}
	if len(c.BotCommand) == 0 || c.BotCommand[0] == "" {
		return fmt.Errorf("bot command is required")
	}
	return nil
}

// ServersDir is the parent of all server working directories.
func (c Config) ServersDir() string {
	return filepath.Join(c.BaseDir, "servers")
}

func defaultBaseDir() string {
	dir := os.Getenv("BOTVISORDIR")
	if dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("LOCALAPPDATA")
		if dir == "" {
			dir = os.Getenv("HOME")
		}
	default:
		if os.Geteuid() == 0 {
			return "/var/lib/botvisor"
		}
		dir = os.Getenv("HOME")
	}
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, ".botvisor")
}
