// Copyright (c) 2022 Canonical Ltd
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

// Package reaper is the asynchronous, signal-driven handler that consumes
// child-state-change notifications (SIGCHLD) and updates the job table.
//
// Ported from the teacher's own internals/reaper, which runs a
// tomb.v2-supervised goroutine fed by signal.Notify(SIGCHLD) rather than a
// true in-process signal handler — Go has no way to install one. Unlike the
// teacher's version (which only tracks EXITED/SIGNALED for a single
// in-flight os/exec.Cmd, reported back through a per-PID channel), this
// reaper also observes STOPPED and CONTINUED transitions and updates a
// shared jobtable.Table directly, per spec.md §4.2.
package reaper

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/logger"
)

// Reaper drains SIGCHLD notifications into a jobtable.Table.
type Reaper struct {
	table *jobtable.Table

	mu      sync.Mutex
	started bool
	t       tomb.Tomb

	changed chan struct{}
}

// New returns a reaper that will update table.
func New(table *jobtable.Table) *Reaper {
	return &Reaper{table: table, changed: make(chan struct{}, 1)}
}

// Changed returns a channel that receives a value after every Drain pass,
// whether or not it observed a state change. The Monitor selects on it
// instead of busy-polling while waiting for a foreground job to leave the
// Running state. The channel is buffered and never closed; a send is
// dropped rather than blocking the reaper if nobody is receiving.
func (r *Reaper) Changed() <-chan struct{} {
	return r.changed
}

func (r *Reaper) notifyChanged() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Start starts the reaper's background goroutine. Safe to call more than
// once; subsequent calls are no-ops.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.started = true
	r.t.Go(r.run)
	return nil
}

// Stop stops the reaper and waits for its goroutine to exit.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.t.Kill(nil)
	err := r.t.Wait()

	r.mu.Lock()
	r.started = false
	r.t = tomb.Tomb{}
	r.mu.Unlock()
	return err
}

func (r *Reaper) run() error {
	logger.Debugf("reaper: started, waiting for SIGCHLD")
	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, unix.SIGCHLD)
	defer signal.Stop(sigChld)
	for {
		select {
		case <-sigChld:
			r.Drain()
		case <-r.t.Dying():
			logger.Debugf("reaper: stopped")
			return nil
		}
	}
}

// Drain performs one non-blocking poll-and-update pass over every child
// whose state has changed since the last call, per spec.md §4.2: repeatedly
// poll for a changed child, stopping on "no state change yet" or "no
// children", then recompute every job's composite state. It is exported so
// a caller can force a pass (e.g. the Monitor, right before reporting)
// without waiting for a real SIGCHLD.
func (r *Reaper) Drain() {
	defer r.notifyChanged()

	r.table.Lock()
	defer r.table.Unlock()

	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
		switch {
		case err == unix.ECHILD:
			// No children at all left to wait for: drain is done.
			recomputeAllLocked(r.table)
			return
		case err != nil:
			// The only expected failure is ECHILD (spec.md §4.2); anything
			// else is unexpected, but the reaper itself never aborts the
			// process on it (spec.md §7) — it's logged and the drain ends.
			logger.Noticef("reaper: wait4 failed: %v", err)
			recomputeAllLocked(r.table)
			return
		case pid <= 0:
			// No state change available right now.
			recomputeAllLocked(r.table)
			return
		}

		job, proc, ok := r.table.FindProcLocked(pid)
		if !ok {
			// A reparented grandchild, or a PID observed before add_proc
			// ran (shouldn't happen under the table-lock discipline);
			// nothing in the table to update.
			continue
		}
		updateProcLocked(proc, status)
		jobtable.RecomputeStateLocked(job)
		logger.Debugf("reaper: pid %d now %s", pid, proc.State)
	}
}

func updateProcLocked(proc *jobtable.Process, status unix.WaitStatus) {
	switch {
	case status.Exited():
		proc.State = jobtable.Finished
		proc.ExitCode = jobtable.SignalExitCode(false, 0, status.ExitStatus())
	case status.Signaled():
		proc.State = jobtable.Finished
		proc.ExitCode = jobtable.SignalExitCode(true, int(status.Signal()), 0)
	case status.Stopped():
		proc.State = jobtable.Stopped
	case status.Continued():
		proc.State = jobtable.Running
	}
}

// recomputeAllLocked recomputes the composite state of every occupied slot,
// per spec.md §4.2's "after the drain, recompute every non-free job's
// composite state from its processes" step.
func recomputeAllLocked(table *jobtable.Table) {
	table.ForEachLocked(func(_ int, job *jobtable.Job) {
		jobtable.RecomputeStateLocked(job)
	})
}
