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

// Package botvisor hosts many tenant chat bots on a single machine.
// Each tenant server gets its own working directory, its own copy of the
// bot runtime with locally installed dependencies, its own environment
// file and a TCP port of its own, and runs as a supervised child process.
//
// The Manager is the entry point.  It hands out ports from a PortPool,
// persists Server records through a Store, and keeps one Launcher per
// server id that provisions the directory and supervises the process.
// Status changes and process output are published through a Notifier.
//
// A Manager is an ordinary value; the botvisord daemon creates one and
// serves it over HTTP using the rest package, so it can equally be
// embedded in another program.
package botvisor
