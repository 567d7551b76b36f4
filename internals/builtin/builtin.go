// Copyright (c) 2014-2020 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package builtin is the external built-in command table the Pipeline
// Launcher delegates to for single-command, non-pipeline, non-background
// invocations (spec.md §1 lists built-in dispatch as out of the core's
// scope; spec.md §6 only specifies the calling convention). It implements
// the five built-ins original_source/jobs.c and shell.c dispatch: jobs, fg,
// bg, kill and quit — addressed only by numeric job index, per spec.md's
// Non-goal of job specifications by name.
package builtin

import (
	"fmt"
	"io"
	"strconv"
)

// NotBuiltin is the sentinel a Dispatch returns when argv[0] doesn't name a
// built-in, per spec.md §6.
const NotBuiltin = -1

// Controller is the subset of the Job Monitor / Controller (spec.md §4.5)
// the built-ins need. Kept narrow and defined here, rather than imported
// from internals/monitor, so builtin has no compile-time dependency on the
// monitor's terminal/reaper plumbing — only cmd/wrench needs to know both
// concrete types.
type Controller interface {
	ResumeJob(index int, background bool) bool
	KillJob(index int) bool
	WatchJobs(w io.Writer, filter string)
}

// Dispatcher is the built-in command table.
type Dispatcher struct {
	Controller Controller
	Exit       func(code int)
}

// Dispatch runs argv as a built-in if it names one, writing any output to
// stdout. It returns (exitCode, true) if handled, or (NotBuiltin, false)
// otherwise.
func (d *Dispatcher) Dispatch(argv []string, stdout io.Writer) (int, bool) {
	if len(argv) == 0 {
		return NotBuiltin, false
	}
	switch argv[0] {
	case "jobs":
		return d.jobs(argv, stdout), true
	case "fg":
		return d.fg(argv, stdout), true
	case "bg":
		return d.bg(argv, stdout), true
	case "kill":
		return d.kill(argv, stdout), true
	case "quit", "exit":
		d.Exit(0)
		return 0, true
	default:
		return NotBuiltin, false
	}
}

func (d *Dispatcher) jobs(argv []string, stdout io.Writer) int {
	filter := "all"
	if len(argv) > 1 {
		filter = argv[1]
	}
	d.Controller.WatchJobs(stdout, filter)
	return 0
}

func (d *Dispatcher) fg(argv []string, stdout io.Writer) int {
	index, err := parseOptionalIndex(argv)
	if err != nil {
		fmt.Fprintln(stdout, err)
		return 1
	}
	if !d.Controller.ResumeJob(index, false) {
		fmt.Fprintln(stdout, "fg: no such job")
		return 1
	}
	return 0
}

func (d *Dispatcher) bg(argv []string, stdout io.Writer) int {
	index, err := parseOptionalIndex(argv)
	if err != nil {
		fmt.Fprintln(stdout, err)
		return 1
	}
	if !d.Controller.ResumeJob(index, true) {
		fmt.Fprintln(stdout, "bg: no such job")
		return 1
	}
	return 0
}

func (d *Dispatcher) kill(argv []string, stdout io.Writer) int {
	if len(argv) < 2 {
		fmt.Fprintln(stdout, "kill: usage: kill <job-index>")
		return 1
	}
	index, err := strconv.Atoi(argv[1])
	if err != nil {
		fmt.Fprintf(stdout, "kill: %s: not a job index\n", argv[1])
		return 1
	}
	if !d.Controller.KillJob(index) {
		fmt.Fprintln(stdout, "kill: no such job")
		return 1
	}
	return 0
}

// parseOptionalIndex parses the optional numeric job-index argument shared
// by fg and bg. Returning -1 means "most recent", per spec.md §9.
func parseOptionalIndex(argv []string) (int, error) {
	if len(argv) < 2 {
		return -1, nil
	}
	index, err := strconv.Atoi(argv[1])
	if err != nil {
		return 0, fmt.Errorf("%s: %s: not a job index", argv[0], argv[1])
	}
	return index, nil
}
