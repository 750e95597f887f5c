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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const sampleYAML = `
listen: 0.0.0.0:9000
minPort: 5000
maxPort: 5099
baseDir: /srv/botvisor
botSource: https://github.com/example/bot.git
installTimeout: 2m
stopTimeout: 3s
botCommand: [node, main.js]
log:
  level: debug
  file: /var/log/botvisor/botvisord.log
`

func parseFlags(t *testing.T, args ...string) (*pflag.FlagSet, *flags) {
	t.Helper()
	set := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := &flags{}
	f.register(set)
	require.NoError(t, set.Parse(args))
	return set, f
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "botvisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Run("file overlays defaults", func(t *testing.T) {
		set, f := parseFlags(t, "--config", path)
		c, err := loadConfig(set, f)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9000", c.Listen)
		assert.Equal(t, 5000, c.MinPort)
		assert.Equal(t, 5099, c.MaxPort)
		assert.Equal(t, 2*time.Minute, c.InstallTimeout)
		assert.Equal(t, 3*time.Second, c.StopTimeout)
		assert.Equal(t, []string{"node", "main.js"}, c.BotCommand)
		assert.Equal(t, "debug", c.Log.Level)
		assert.Equal(t, 256, c.MaxConns)
		assert.Equal(t, "/srv/botvisor/botvisor.db", c.Database)
		// Untouched keys keep their defaults.
		assert.Equal(t, 2*time.Second, c.ProbeTimeout)
	})

	t.Run("environment beats the file", func(t *testing.T) {
		t.Setenv("BOTVISOR_MAX_PORT", "5010")
		t.Setenv("BOTVISOR_STOP_TIMEOUT", "7s")
		t.Setenv("SESSION_GENERATOR_URL", "http://gen.local/")
		set, f := parseFlags(t, "--config", path)
		c, err := loadConfig(set, f)
		require.NoError(t, err)
		assert.Equal(t, 5010, c.MaxPort)
		assert.Equal(t, 7*time.Second, c.StopTimeout)
		assert.Equal(t, "http://gen.local/", c.SessionURL)
	})

	t.Run("flags beat everything", func(t *testing.T) {
		t.Setenv("BOTVISOR_LISTEN", "10.0.0.1:1")
		set, f := parseFlags(t, "--config", path, "-a", "127.0.0.1:7000", "--min-port", "5050")
		c, err := loadConfig(set, f)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7000", c.Listen)
		assert.Equal(t, 5050, c.MinPort)
	})

	t.Run("bad values are reported", func(t *testing.T) {
		t.Setenv("BOTVISOR_MIN_PORT", "lots")
		set, f := parseFlags(t, "--config", path)
		_, err := loadConfig(set, f)
		assert.ErrorContains(t, err, "BOTVISOR_MIN_PORT")

		set, f = parseFlags(t, "--config", path, "--min-port", "6000")
		t.Setenv("BOTVISOR_MIN_PORT", "")
		_, err = loadConfig(set, f)
		assert.Error(t, err)
	})

	t.Run("a named file must exist", func(t *testing.T) {
		set, f := parseFlags(t, "--config", filepath.Join(dir, "missing.yaml"))
		_, err := loadConfig(set, f)
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	l, err := newLogger(logConfig{
		Level:     "warn",
		File:      filepath.Join(dir, "logs", "botvisord.log"),
		MaxSizeMB: 1,
	}, &stderr)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "shown")

	b, err := os.ReadFile(filepath.Join(dir, "logs", "botvisord.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "shown"))

	_, err = newLogger(logConfig{Level: "loud"}, &stderr)
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password", "--cost", "4", "s3cret"})
	require.NoError(t, cmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
