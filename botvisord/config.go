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

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/sessiongen"
)

type logConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	Listen     string `yaml:"listen"`
	MaxConns   int    `yaml:"maxConns"`
	Database   string `yaml:"database"`
	SessionURL string `yaml:"sessionGeneratorUrl"`
	AdminUser  string `yaml:"adminUser"`
	AdminHash  string `yaml:"adminPasswordHash"`

	Log logConfig `yaml:"log"`

	botvisor.Config `yaml:",inline"`
}

func defaultConfig() config {
	return config{
		Listen:     "127.0.0.1:8321",
		MaxConns:   256,
		SessionURL: sessiongen.DefaultURL,
		AdminUser:  "admin",
		Log: logConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Config: botvisor.DefaultConfig(),
	}
}

// loadFile overlays the YAML file at path.  A missing file is only an
// error when the user named it explicitly.
func (c *config) loadFile(path string, explicit bool) error {
	b, e := os.ReadFile(path)
	if e != nil {
		if !explicit && errors.Is(e, fs.ErrNotExist) {
			return nil
		}
		return e
	}
	if e := yaml.Unmarshal(b, c); e != nil {
		return fmt.Errorf("parse %s: %w", path, e)
	}
	return nil
}

// loadEnv reads .env files into the process environment (without
// replacing variables already set) and overlays BOTVISOR_* keys.
func (c *config) loadEnv(files ...string) error {
	for _, f := range files {
		if e := godotenv.Load(f); e != nil && !errors.Is(e, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, e)
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, e := strconv.Atoi(v)
			if e != nil {
				return fmt.Errorf("%s: %w", key, e)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, e := time.ParseDuration(v)
			if e != nil {
				return fmt.Errorf("%s: %w", key, e)
			}
			*dst = d
		}
		return nil
	}
	str("BOTVISOR_LISTEN", &c.Listen)
	str("BOTVISOR_DATABASE", &c.Database)
	str("BOTVISOR_BASE_DIR", &c.BaseDir)
	str("BOTVISOR_BOT_SOURCE", &c.BotSource)
	str("BOTVISOR_ADMIN_USER", &c.AdminUser)
	str("BOTVISOR_ADMIN_PASSWORD_HASH", &c.AdminHash)
	str("BOTVISOR_LOG_LEVEL", &c.Log.Level)
	str("BOTVISOR_LOG_FILE", &c.Log.File)
	str("SESSION_GENERATOR_URL", &c.SessionURL)
	str("BOTVISOR_SESSION_GENERATOR_URL", &c.SessionURL)
	for _, e := range []error{
		num("BOTVISOR_MIN_PORT", &c.MinPort),
		num("BOTVISOR_MAX_PORT", &c.MaxPort),
		num("BOTVISOR_MAX_CONNS", &c.MaxConns),
		num("BOTVISOR_LOG_RETENTION", &c.LogRetention),
		dur("BOTVISOR_INSTALL_TIMEOUT", &c.InstallTimeout),
		dur("BOTVISOR_STOP_TIMEOUT", &c.StopTimeout),
		dur("BOTVISOR_PROBE_TIMEOUT", &c.ProbeTimeout),
	} {
		if e != nil {
			return e
		}
	}
	if v := os.Getenv("BOTVISOR_BOT_COMMAND"); v != "" {
		c.BotCommand = strings.Fields(v)
	}
	if v, ok := os.LookupEnv("BOTVISOR_INSTALL_COMMAND"); ok {
		c.InstallCommand = strings.Fields(v)
	}
	return nil
}

// flags binds the command line options.  Only options the user actually
// gave are applied, see applyFlags.
type flags struct {
	config   string
	listen   string
	database string
	baseDir  string
	source   string
	minPort  int
	maxPort  int
	logLevel string
	logFile  string
}

func (f *flags) register(set *pflag.FlagSet) {
	set.StringVarP(&f.config, "config", "c", "/etc/botvisor/botvisor.yaml", "configuration file")
	set.StringVarP(&f.listen, "listen", "a", "", "listen address")
	set.StringVar(&f.database, "database", "", "SQLite database path")
	set.StringVarP(&f.baseDir, "dir", "d", "", "base directory for server working trees")
	set.StringVar(&f.source, "bot-source", "", "bot source directory or git URL")
	set.IntVar(&f.minPort, "min-port", 0, "lowest port handed to bots")
	set.IntVar(&f.maxPort, "max-port", 0, "highest port handed to bots")
	set.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	set.StringVar(&f.logFile, "log-file", "", "log file, rotated; empty logs to stderr only")
}

func (f *flags) apply(set *pflag.FlagSet, c *config) {
	if set.Changed("listen") {
		c.Listen = f.listen
	}
	if set.Changed("database") {
		c.Database = f.database
	}
	if set.Changed("dir") {
		c.BaseDir = f.baseDir
	}
	if set.Changed("bot-source") {
		c.BotSource = f.source
	}
	if set.Changed("min-port") {
		c.MinPort = f.minPort
	}
	if set.Changed("max-port") {
		c.MaxPort = f.maxPort
	}
	if set.Changed("log-level") {
		c.Log.Level = f.logLevel
	}
	if set.Changed("log-file") {
		c.Log.File = f.logFile
	}
}

// loadConfig layers defaults, the YAML file, .env and environment, and
// finally the command line.
func loadConfig(set *pflag.FlagSet, f *flags) (config, error) {
	c := defaultConfig()
	if e := c.loadFile(f.config, set.Changed("config")); e != nil {
		return c, e
	}
	if e := c.loadEnv(".env"); e != nil {
		return c, e
	}
	f.apply(set, &c)
	if c.Database == "" {
		c.Database = filepath.Join(c.BaseDir, "botvisor.db")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultConfig().MaxConns
	}
	return c, c.Validate()
}

func newLogger(lc logConfig, stderr io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, e := logrus.ParseLevel(lc.Level)
	if e != nil {
		return nil, e
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})
	out := stderr
	if lc.File != "" {
		if e := os.MkdirAll(filepath.Dir(lc.File), 0o755); e != nil {
			return nil, e
		}
		out = io.MultiWriter(stderr, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		})
	}
	l.SetOutput(out)
	return l, nil
}
