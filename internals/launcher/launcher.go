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

// Package launcher is the Pipeline Launcher (spec.md §4.4): it parses a
// tokenized command line into pipeline stages, resolves redirections,
// shortcuts to a built-in when appropriate, and otherwise forks and execs
// one process per stage, wires their stdio together with pipes, places them
// all in one new process group, and registers the result as a job.
//
// Ported from original_source/shell.c's do_redir/do_stage/do_pipeline/
// do_job, generalized from that code's single in-process global job table
// to this module's shared jobtable.Table, and from its single hard-coded
// pipeline-vs-single-command split to one unified N-stage construction path.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wrenchshell/wrench/internals/builtin"
	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/logger"
	"github.com/wrenchshell/wrench/internals/termctl"
)

// Stage is one command in a pipeline, together with the redirections that
// apply to it once do_redir-style token consumption has run.
type Stage struct {
	Argv    []string
	InPath  string
	HasIn   bool
	OutPath string
	HasOut  bool
}

// SyntaxError reports a malformed command line: a missing filename after a
// redirection operator, an empty stage, or an empty pipeline. It is a
// category-1 error (spec.md §7): the prompt loop reports it and continues.
type SyntaxError struct{ msg string }

func (e *SyntaxError) Error() string { return e.msg }

// FatalError wraps an OS-level failure the Launcher cannot recover from
// mid-construction: a redirection target that won't open, a pipe that can't
// be created, or a fork/exec that fails. Category 2/3 (spec.md §7).
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "launcher: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// ParseStages splits tokens on "|" into pipeline stages and resolves each
// stage's own "<" / ">" redirection tokens, per original_source/shell.c's
// do_redir: the last occurrence of a given direction in a stage wins.
func ParseStages(tokens []string) ([]Stage, error) {
	var stages []Stage
	start := 0
	for i := 0; i <= len(tokens); i++ {
		if i < len(tokens) && tokens[i] != "|" {
			continue
		}
		stage, err := parseStage(tokens[start:i])
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
		start = i + 1
	}
	if len(stages) == 0 {
		return nil, &SyntaxError{"command line is not well formed"}
	}
	return stages, nil
}

func parseStage(tokens []string) (Stage, error) {
	var stage Stage
	var argv []string
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "<":
			if i+1 >= len(tokens) {
				return Stage{}, &SyntaxError{"missing filename after '<'"}
			}
			stage.InPath = tokens[i+1]
			stage.HasIn = true
			i++
		case ">":
			if i+1 >= len(tokens) {
				return Stage{}, &SyntaxError{"missing filename after '>'"}
			}
			stage.OutPath = tokens[i+1]
			stage.HasOut = true
			i++
		default:
			argv = append(argv, tokens[i])
		}
	}
	if len(argv) == 0 {
		return Stage{}, &SyntaxError{"command line is not well formed"}
	}
	stage.Argv = argv
	return stage, nil
}

// LaunchResult tells the caller what happened and, for a non-built-in
// command, whether to wait on it as the foreground job.
type LaunchResult struct {
	// Ran is true when a built-in executed synchronously; no job was
	// created and ExitCode is already final.
	Ran      bool
	ExitCode int

	// JobIndex and Foreground are set when Ran is false: the caller must
	// call the Monitor's foreground wait on JobIndex if Foreground.
	JobIndex   int
	Foreground bool
}

// Launcher builds jobs from tokenized command lines.
type Launcher struct {
	table      *jobtable.Table
	arbiter    *termctl.Arbiter
	dispatcher *builtin.Dispatcher
}

// New returns a Launcher that registers jobs in table and hands the
// terminal to foreground jobs through arbiter. dispatcher may be nil if
// built-ins should never shortcut (tests only).
func New(table *jobtable.Table, arbiter *termctl.Arbiter, dispatcher *builtin.Dispatcher) *Launcher {
	return &Launcher{table: table, arbiter: arbiter, dispatcher: dispatcher}
}

// IgnoreTTYSignals puts the shell's own SIGTSTP/SIGTTIN/SIGTTOU disposition
// into its idle-at-the-prompt state (SIG_IGN), so Ctrl-Z and background
// terminal I/O at the shell's own process don't stop it. Call once at
// startup; Launch brackets every fork with the opposite state so children
// still get the default disposition despite SIG_IGN otherwise surviving
// exec (unlike a signal.Notify-installed handler, SIG_IGN is not reset on
// exec by the kernel).
func IgnoreTTYSignals() {
	signal.Ignore(syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU)
}

func resetTTYSignalsForFork() {
	signal.Reset(syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU)
}

// Launch parses tokens, runs a lone non-background built-in in-process, and
// otherwise forks, execs and registers a pipeline job. background requests
// bg-style job placement: its job starts in slot 1.. rather than slot 0, its
// index and pgid are printed, and the terminal is not handed to it.
func (l *Launcher) Launch(tokens []string, background bool) (LaunchResult, error) {
	stages, err := ParseStages(tokens)
	if err != nil {
		return LaunchResult{}, err
	}

	if len(stages) == 1 && !background && l.dispatcher != nil {
		if code, handled := l.dispatcher.Dispatch(stages[0].Argv, os.Stdout); handled {
			return LaunchResult{Ran: true, ExitCode: code}, nil
		}
	}

	return l.launchPipeline(stages, background)
}

func (l *Launcher) launchPipeline(stages []Stage, background bool) (LaunchResult, error) {
	n := len(stages)
	cmds := make([]*exec.Cmd, 0, n)
	pids := make([]int, 0, n)
	pgid := 0

	resetTTYSignalsForFork()
	defer IgnoreTTYSignals()

	// The table lock is held from before the first fork through the last
	// AddProcLocked call below, standing in for spec.md §4.4/§5's "mask the
	// child-state-change signal from just before the first fork through job
	// registration": it excludes the reaper (internals/reaper.Drain also
	// takes this lock) so a fast-exiting child can never be reaped and
	// discarded before its process record exists in the table.
	l.table.Lock()
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			l.table.Unlock()
		}
	}
	defer unlock()

	var prevRead *os.File
	for i, stage := range stages {
		cmd := exec.Command(stage.Argv[0], stage.Argv[1:]...)
		cmd.Stderr = os.Stderr

		stdin, closeStdinNow, err := openStageStdin(stage, prevRead)
		if err != nil {
			killStarted(cmds)
			return LaunchResult{}, &FatalError{err}
		}
		cmd.Stdin = stdin

		stdout, nextRead, closeStdoutNow, err := openStageStdout(stage, i, n)
		if err != nil {
			if closeStdinNow {
				stdin.Close()
			}
			killStarted(cmds)
			return LaunchResult{}, &FatalError{err}
		}
		cmd.Stdout = stdout

		if i == 0 {
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		} else {
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
		}

		if err := cmd.Start(); err != nil {
			if closeStdinNow {
				stdin.Close()
			}
			if closeStdoutNow {
				stdout.Close()
			}
			if nextRead != nil {
				nextRead.Close()
			}
			killStarted(cmds)
			return LaunchResult{}, &FatalError{fmt.Errorf("%s: %w", stage.Argv[0], err)}
		}

		if i == 0 {
			pgid = cmd.Process.Pid
		}
		// Redundant parent-side setpgid, mirroring original_source/shell.c's
		// "both sides call setpgid" discipline: the child may already have
		// called Setpgid on itself by the time we get here, or may not have
		// run yet at all, or (rare) may already have exited — ESRCH and
		// EACCES are both expected outcomes of that race, not errors.
		if err := syscall.Setpgid(cmd.Process.Pid, pgid); err != nil && err != syscall.ESRCH && err != syscall.EACCES {
			logger.Noticef("launcher: setpgid %d -> %d: %v", cmd.Process.Pid, pgid, err)
		}

		if closeStdinNow {
			stdin.Close()
		}
		if closeStdoutNow {
			stdout.Close()
		}

		cmds = append(cmds, cmd)
		pids = append(pids, cmd.Process.Pid)
		prevRead = nextRead
	}

	var tmodes unix.Termios
	if l.arbiter != nil {
		tmodes = l.arbiter.ShellModes()
	}

	jobIndex := l.table.AddJobLocked(pgid, background, tmodes)
	for i, stage := range stages {
		if err := l.table.AddProcLocked(jobIndex, pids[i], stage.Argv); err != nil {
			logger.Noticef("launcher: register stage %d of job %d: %v", i, jobIndex, err)
		}
	}
	unlock()

	if background {
		fmt.Printf("[%d] %d\n", jobIndex, pgid)
		return LaunchResult{JobIndex: jobIndex, Foreground: false}, nil
	}

	if l.arbiter != nil {
		if err := l.arbiter.SetForegroundGroup(pgid); err != nil {
			logger.Noticef("launcher: hand terminal to job %d: %v", jobIndex, err)
		}
	}
	return LaunchResult{JobIndex: jobIndex, Foreground: true}, nil
}

// openStageStdin resolves a stage's stdin: its own "<" redirection wins,
// then the previous stage's pipe, then the shell's own stdin.
func openStageStdin(stage Stage, prevRead *os.File) (f *os.File, shouldClose bool, err error) {
	if stage.HasIn {
		if prevRead != nil {
			// The "<" redirection overrides the previous stage's pipe, so
			// that pipe's read end is closed here rather than leaked.
			prevRead.Close()
		}
		f, err = os.Open(stage.InPath)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", stage.InPath, err)
		}
		return f, true, nil
	}
	if prevRead != nil {
		return prevRead, true, nil
	}
	return os.Stdin, false, nil
}

// openStageStdout resolves a stage's stdout: its own ">" redirection wins,
// then a freshly created pipe if another stage follows, then the shell's
// own stdout. nextRead is the read end of that pipe, to be threaded into
// the next stage's openStageStdin call.
func openStageStdout(stage Stage, index, n int) (f *os.File, nextRead *os.File, shouldClose bool, err error) {
	if stage.HasOut {
		f, err = os.OpenFile(stage.OutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, nil, false, fmt.Errorf("%s: %w", stage.OutPath, err)
		}
		return f, nil, true, nil
	}
	if index < n-1 {
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, nil, false, fmt.Errorf("pipe: %w", perr)
		}
		return w, r, true, nil
	}
	return os.Stdout, nil, false, nil
}

// killStarted sends SIGKILL to every stage already forked when a later
// stage's construction fails mid-pipeline, so the partial pipeline doesn't
// outlive the shell's attempt to launch it.
func killStarted(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// CommandName returns a stage's argv joined by spaces (or "" for an empty
// stage), the form original_source/shell.c's error_handler callers used to
// report which stage of a pipeline failed.
func CommandName(stage Stage) string {
	if len(stage.Argv) == 0 {
		return ""
	}
	return strings.Join(stage.Argv, " ")
}
