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

// Package monitor is the Job Monitor / Controller (spec.md §4.5): it waits
// for the foreground job to leave the Running state, moves jobs between the
// foreground slot and the background, signals them, and reports their
// status, coordinating the job table, the terminal arbiter and the reaper.
package monitor

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/logger"
	"github.com/wrenchshell/wrench/internals/reaper"
	"github.com/wrenchshell/wrench/internals/termctl"
)

// Monitor implements monitor_fg, resume_job, kill_job and watch_jobs from
// original_source/jobs.c, generalized from a single in-process job table to
// the shared jobtable.Table this module uses throughout.
type Monitor struct {
	table   *jobtable.Table
	arbiter *termctl.Arbiter
	reaper  *reaper.Reaper
}

// New returns a Monitor wired to the given job table, terminal arbiter and
// reaper. The reaper must already be running (Reaper.Start) before
// MonitorForeground is called.
func New(table *jobtable.Table, arbiter *termctl.Arbiter, r *reaper.Reaper) *Monitor {
	return &Monitor{table: table, arbiter: arbiter, reaper: r}
}

// MonitorForeground blocks until the job in the foreground slot is no
// longer Running, then either harvests its exit code (Finished) or demotes
// it to a background slot and returns terminal ownership to the shell
// (Stopped), per spec.md §4.5 and §5.
//
// In place of the C original's sigsuspend-style "atomically unblock SIGCHLD
// and sleep until a signal arrives" primitive, MonitorForeground selects on
// the reaper's Changed channel — Go's closest equivalent of "wake up when
// child state might have changed" without true signal masking. A SIGINT
// delivered to the shell also wakes the wait; the loop then re-checks the
// foreground job's state and keeps waiting while it is still Running.
func (m *Monitor) MonitorForeground() (int, error) {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)
	defer signal.Stop(sigint)

	for {
		state, exitCode, ok := m.table.JobState(jobtable.FgIndex)
		if !ok {
			return 0, fmt.Errorf("monitor: no foreground job")
		}
		switch state {
		case jobtable.Finished:
			return m.reclaimTerminal(exitCode)
		case jobtable.Stopped:
			return m.demoteForeground()
		case jobtable.Running:
			select {
			case <-m.reaper.Changed():
			case <-sigint:
			}
		}
	}
}

func (m *Monitor) reclaimTerminal(exitCode int) (int, error) {
	if err := m.arbiter.RestoreShellModes(); err != nil {
		logger.Noticef("monitor: restore shell terminal modes: %v", err)
	}
	if err := m.arbiter.SetForegroundGroup(m.arbiter.ShellPgid()); err != nil {
		logger.Noticef("monitor: reclaim terminal: %v", err)
	}
	return exitCode, nil
}

func (m *Monitor) demoteForeground() (int, error) {
	m.table.Lock()
	target := m.table.FirstFreeBackgroundSlotLocked()
	err := m.table.MoveJobLocked(jobtable.FgIndex, target)
	if err == nil {
		if job, ok := m.table.JobLocked(target); ok {
			if saveErr := m.arbiter.SaveModesInto(job.Tmodes); saveErr != nil {
				logger.Noticef("monitor: save stopped job's terminal modes: %v", saveErr)
			}
		}
	}
	m.table.Unlock()
	if err != nil {
		return 0, err
	}

	if err := m.arbiter.RestoreShellModes(); err != nil {
		logger.Noticef("monitor: restore shell terminal modes: %v", err)
	}
	if err := m.arbiter.SetForegroundGroup(m.arbiter.ShellPgid()); err != nil {
		logger.Noticef("monitor: reclaim terminal: %v", err)
	}
	if cmd, ok := m.table.JobCommand(target); ok {
		fmt.Printf("[%d] suspended '%s'\n", target, cmd)
	}
	return 0, nil
}

// ResumeJob implements resume_job: it signals the job at index (or, if
// index is negative, the highest-numbered background job) with SIGCONT. If
// background is false, it first hands the job the terminal and, once
// continued, promotes it to the foreground slot and calls
// MonitorForeground on its behalf. It returns false if index names no job
// or a job that has already finished.
func (m *Monitor) ResumeJob(index int, background bool) bool {
	m.table.Lock()
	if index < 0 {
		index = m.table.HighestNonFreeLocked()
	}
	job, ok := m.table.JobLocked(index)
	if !ok || job.State == jobtable.Finished {
		m.table.Unlock()
		return false
	}
	pgid := job.Pgid
	cmd := job.Command
	m.table.Unlock()

	fmt.Printf("[%d] continue '%s'\n", index, cmd)
	if !background {
		if err := m.arbiter.SetForegroundGroup(pgid); err != nil {
			logger.Noticef("monitor: hand terminal to job %d: %v", index, err)
		}
	}

	if err := unix.Kill(-pgid, unix.SIGCONT); err != nil {
		logger.Noticef("monitor: SIGCONT job %d: %v", index, err)
	}

	if background {
		return true
	}

	m.table.Lock()
	err := m.table.MoveJobLocked(index, jobtable.FgIndex)
	m.table.Unlock()
	if err != nil {
		logger.Noticef("monitor: promote job %d to foreground: %v", index, err)
		return false
	}

	if _, err := m.MonitorForeground(); err != nil {
		logger.Noticef("monitor: %v", err)
	}
	return true
}

// KillJob implements kill_job: it sends SIGTERM to every process in the
// job's group, followed by SIGCONT so a stopped job can act on the
// termination request, per spec.md §4.5. It returns false if index names no
// job or a job that has already finished.
func (m *Monitor) KillJob(index int) bool {
	m.table.Lock()
	job, ok := m.table.JobLocked(index)
	if !ok || job.State == jobtable.Finished {
		m.table.Unlock()
		return false
	}
	pgid := job.Pgid
	m.table.Unlock()

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		logger.Noticef("monitor: SIGTERM job %d: %v", index, err)
	}
	if err := unix.Kill(-pgid, unix.SIGCONT); err != nil {
		logger.Noticef("monitor: SIGCONT job %d: %v", index, err)
	}
	return true
}

// WatchJobs implements watch_jobs: it forces a reaper pass, then writes one
// report line per job slot matching filter ("running", "stopped",
// "finished" or "all"/"" for every slot), in slot order. Every job observed
// Finished on this pass is removed from the table, matching JobState's
// destroy-on-observe semantics, whether or not filter selects it for a
// report line.
func (m *Monitor) WatchJobs(w io.Writer, filter string) {
	m.reaper.Drain()

	m.table.Lock()
	n := m.table.NumSlotsLocked()
	type report struct {
		index    int
		command  string
		state    jobtable.State
		exitCode int
	}
	var reports []report
	for i := 0; i < n; i++ {
		cmd, ok := m.table.JobCommandLocked(i)
		if !ok {
			continue
		}
		state, exitCode, ok := m.table.JobStateLocked(i)
		if !ok {
			continue
		}
		if matchesFilter(filter, state) {
			reports = append(reports, report{i, cmd, state, exitCode})
		}
	}
	m.table.Unlock()

	for _, r := range reports {
		writeReportLine(w, r.index, r.command, r.state, r.exitCode)
	}
}

func matchesFilter(filter string, state jobtable.State) bool {
	switch filter {
	case "", "all":
		return true
	case "running":
		return state == jobtable.Running
	case "stopped":
		return state == jobtable.Stopped
	case "finished":
		return state == jobtable.Finished
	default:
		return true
	}
}

// writeReportLine formats one job status line per spec.md §4.5 and §6: a
// job is reported as running, suspended, or (on the Finished observation
// that destroys its slot) exited or killed, distinguished via the §3
// exit-code encoding.
func writeReportLine(w io.Writer, index int, command string, state jobtable.State, exitCode int) {
	switch state {
	case jobtable.Running:
		fmt.Fprintf(w, "[%d] running '%s'\n", index, command)
	case jobtable.Stopped:
		fmt.Fprintf(w, "[%d] suspended '%s'\n", index, command)
	case jobtable.Finished:
		if jobtable.KilledBySignal(exitCode) {
			fmt.Fprintf(w, "[%d] killed '%s' by signal %d\n", index, command, exitCode-128)
		} else {
			fmt.Fprintf(w, "[%d] exited '%s', status=%d\n", index, command, exitCode)
		}
	}
}

// Shutdown terminates every remaining job, waits for the reaper to observe
// them all finish, flushes their reports, and releases the terminal
// descriptor. Called once, as the shell exits.
func (m *Monitor) Shutdown() {
	m.table.Lock()
	n := m.table.NumSlotsLocked()
	var indices []int
	for i := 0; i < n; i++ {
		if _, ok := m.table.JobLocked(i); ok {
			indices = append(indices, i)
		}
	}
	m.table.Unlock()

	for _, i := range indices {
		m.KillJob(i)
	}

	for _, i := range indices {
		m.waitForFree(i)
	}

	m.WatchJobs(io.Discard, "all")

	if err := m.arbiter.Shutdown(); err != nil {
		logger.Noticef("monitor: release terminal: %v", err)
	}
}

// waitForFree blocks until the job at index has reached the Finished state
// (or its slot has already been freed by some other observer), without
// itself destroying the slot — Shutdown's final WatchJobs pass is what
// harvests and reports the exit code.
func (m *Monitor) waitForFree(index int) {
	for {
		m.table.Lock()
		job, ok := m.table.JobLocked(index)
		done := !ok || job.State == jobtable.Finished
		m.table.Unlock()
		if done {
			return
		}
		<-m.reaper.Changed()
		m.reaper.Drain()
	}
}
