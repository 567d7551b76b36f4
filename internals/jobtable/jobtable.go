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

// Package jobtable is the process-wide registry of jobs and their
// constituent processes: the shell's job table.
//
// The table is guarded by a single mutex rather than a blocked signal, since
// Go has no equivalent of masking SIGCHLD around a critical section (signal
// delivery in the runtime is per-M, not per-goroutine). Holding Table's lock
// plays the role spec.md §5 assigns to masking the child-state-change
// signal: the reaper (internals/reaper) takes the same lock before mutating
// any process or job record, so a caller holding it excludes the reaper just
// as masking SIGCHLD would. Methods whose names end in "Locked" assume the
// caller already holds the lock (multi-step critical sections, e.g. the
// Launcher's add-job-then-add-proc sequence); the unsuffixed wrappers take
// the lock for a single call.
package jobtable

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// State is the composite state of a job, or the state of a single process.
type State int

const (
	Running State = iota
	Stopped
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// ExitCodeUnknown is the sentinel exit code for a process that has not yet
// finished.
const ExitCodeUnknown = -1

// FgIndex is the reserved slot index for the foreground job.
const FgIndex = 0

// Process is a single stage of a pipeline.
type Process struct {
	Pid      int
	Argv     []string
	State    State
	ExitCode int
}

// Job is a single pipeline submitted by the user: one or more processes
// sharing a process group.
type Job struct {
	Pgid    int
	Procs   []Process
	Tmodes  *unix.Termios
	State   State
	Command string
}

// free reports whether this slot is unoccupied.
func (j *Job) free() bool {
	return j.Pgid == 0
}

// Table is the job table: slot 0 is the foreground job, slots 1.. are
// background jobs.
type Table struct {
	mu    sync.Mutex
	slots []Job
}

// New returns an empty job table with the foreground slot reserved.
func New() *Table {
	return &Table{slots: make([]Job, 1)}
}

// Lock acquires the table's critical-section lock. Callers must Unlock it
// exactly once. Used to bracket a sequence of *Locked calls that must be
// atomic with respect to the reaper (see package doc).
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the lock acquired by Lock.
func (t *Table) Unlock() { t.mu.Unlock() }

// AddJobLocked is AddJob, for callers that already hold the table lock.
func (t *Table) AddJobLocked(pgid int, background bool, tmodes unix.Termios) int {
	job := Job{
		Pgid:   pgid,
		State:  Running,
		Tmodes: &tmodes,
	}
	if !background {
		t.slots[FgIndex] = job
		return FgIndex
	}
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].free() {
			t.slots[i] = job
			return i
		}
	}
	t.slots = append(t.slots, job)
	return len(t.slots) - 1
}

// AddJob allocates a job slot: slot 0 for a foreground job, or the first
// free background slot (growing the table by one if none is free). tmodes
// is the shell's current terminal-mode snapshot.
func (t *Table) AddJob(pgid int, background bool, tmodes unix.Termios) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AddJobLocked(pgid, background, tmodes)
}

// AddProcLocked is AddProc, for callers that already hold the table lock.
func (t *Table) AddProcLocked(index int, pid int, argv []string) error {
	if index < 0 || index >= len(t.slots) || t.slots[index].free() {
		return fmt.Errorf("jobtable: no such job %d", index)
	}
	job := &t.slots[index]
	job.Procs = append(job.Procs, Process{
		Pid:      pid,
		Argv:     argv,
		State:    Running,
		ExitCode: ExitCodeUnknown,
	})
	if job.Command == "" {
		job.Command = strings.Join(argv, " ")
	} else {
		job.Command += " | " + strings.Join(argv, " ")
	}
	return nil
}

// AddProc appends a process record to the job at index and extends its
// command string. The job must already exist (AddJob must have been called).
func (t *Table) AddProc(index int, pid int, argv []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AddProcLocked(index, pid, argv)
}

// JobStateLocked is JobState, for callers that already hold the table lock.
func (t *Table) JobStateLocked(index int) (state State, exitCode int, ok bool) {
	if index < 0 || index >= len(t.slots) || t.slots[index].free() {
		return 0, 0, false
	}
	job := &t.slots[index]
	if job.State == Finished {
		exitCode = lastExitCode(job)
		t.slots[index] = Job{}
		return Finished, exitCode, true
	}
	return job.State, 0, true
}

// JobState returns the composite state of the job at index. If the state is
// Finished, it also returns the job's exit code and destroys the slot: a
// second call observes "no such job" (ok == false).
func (t *Table) JobState(index int) (state State, exitCode int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.JobStateLocked(index)
}

// JobCommandLocked is JobCommand, for callers that already hold the table
// lock. The returned string must not be retained across a later mutation.
func (t *Table) JobCommandLocked(index int) (string, bool) {
	if index < 0 || index >= len(t.slots) || t.slots[index].free() {
		return "", false
	}
	return t.slots[index].Command, true
}

// JobCommand returns the job's textual command representation.
func (t *Table) JobCommand(index int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.JobCommandLocked(index)
}

// MoveJobLocked is MoveJob, for callers that already hold the table lock.
func (t *Table) MoveJobLocked(from, to int) error {
	if from < 0 || from >= len(t.slots) || t.slots[from].free() {
		return fmt.Errorf("jobtable: no such job %d", from)
	}
	for to >= len(t.slots) {
		t.slots = append(t.slots, Job{})
	}
	if !t.slots[to].free() {
		return fmt.Errorf("jobtable: slot %d is not free", to)
	}
	t.slots[to] = t.slots[from]
	t.slots[from] = Job{}
	return nil
}

// MoveJob moves a job's full record from slot "from" to slot "to" (which
// must be free), freeing "from". Used to demote a stopped foreground job to
// a background slot and to promote a resumed background job to foreground.
func (t *Table) MoveJob(from, to int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.MoveJobLocked(from, to)
}

// JobLocked returns a pointer to the job record at index for in-place
// mutation by the reaper. The caller must hold the table lock and must not
// retain the pointer past Unlock.
func (t *Table) JobLocked(index int) (*Job, bool) {
	if index < 0 || index >= len(t.slots) || t.slots[index].free() {
		return nil, false
	}
	return &t.slots[index], true
}

// NumSlotsLocked returns the current number of slots, including slot 0.
func (t *Table) NumSlotsLocked() int {
	return len(t.slots)
}

// FindProcLocked scans every non-free slot for the process with the given
// pid, returning pointers into the table for in-place mutation by the
// reaper. The caller must hold the table lock and must not retain the
// pointers past Unlock.
func (t *Table) FindProcLocked(pid int) (job *Job, proc *Process, ok bool) {
	for i := range t.slots {
		if t.slots[i].free() {
			continue
		}
		for j := range t.slots[i].Procs {
			if t.slots[i].Procs[j].Pid == pid {
				return &t.slots[i], &t.slots[i].Procs[j], true
			}
		}
	}
	return nil, nil, false
}

// ForEachLocked calls fn once for every non-free job slot, with its index.
// The caller must hold the table lock.
func (t *Table) ForEachLocked(fn func(index int, job *Job)) {
	for i := range t.slots {
		if t.slots[i].free() {
			continue
		}
		fn(i, &t.slots[i])
	}
}

// FirstFreeBackgroundSlotLocked returns the first free slot at index 1 or
// above without occupying it, or, if none is free, the index one past the
// last slot (the table itself is not grown here; MoveJobLocked grows it
// when moving a job to that index). Used to pick a destination before
// MoveJobLocked demotes a stopped foreground job.
func (t *Table) FirstFreeBackgroundSlotLocked() int {
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].free() {
			return i
		}
	}
	return len(t.slots)
}

// HighestNonFreeLocked returns the index of the highest-numbered background
// slot that is occupied and not yet Finished, or 0 if none qualifies. It
// backs the "most recent job" addressing fg and bg fall back to when no
// index is given (spec.md §4.5/§9: "the highest-indexed slot whose state is
// not FINISHED"), mirroring original_source/jobs.c's scan, which likewise
// skips slots in state FINISHED.
func (t *Table) HighestNonFreeLocked() int {
	for i := len(t.slots) - 1; i >= 1; i-- {
		if !t.slots[i].free() && t.slots[i].State != Finished {
			return i
		}
	}
	return 0
}

// RecomputeStateLocked recomputes job.State from the states of its
// processes, per spec.md §3: Finished iff every process is Finished;
// Stopped iff every process is Stopped or Finished and at least one is
// Stopped; otherwise Running.
func RecomputeStateLocked(job *Job) {
	allFinished := true
	anyStopped := false
	allStoppedOrFinished := true
	for _, p := range job.Procs {
		if p.State != Finished {
			allFinished = false
		}
		if p.State == Stopped {
			anyStopped = true
		}
		if p.State != Stopped && p.State != Finished {
			allStoppedOrFinished = false
		}
	}
	switch {
	case allFinished:
		job.State = Finished
	case allStoppedOrFinished && anyStopped:
		job.State = Stopped
	default:
		job.State = Running
	}
}

// lastExitCode returns the exit code of a job's last (rightmost) stage.
func lastExitCode(job *Job) int {
	if len(job.Procs) == 0 {
		return 0
	}
	return job.Procs[len(job.Procs)-1].ExitCode
}

// SignalExitCode encodes a process's recorded exit code per spec.md §3:
// 128+N when killed by signal N, or the raw exit status otherwise.
func SignalExitCode(signaled bool, signal int, status int) int {
	if signaled {
		return 128 + signal
	}
	return status
}

// KilledBySignal reports whether an exit code in the §3 encoding indicates
// termination by signal (as opposed to a normal exit).
func KilledBySignal(exitCode int) bool {
	return exitCode > 128
}
