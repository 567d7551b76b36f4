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

// Package termctl is the Terminal Arbiter (spec.md §4.3): it owns the
// controlling-terminal file descriptor and the shell's saved terminal-mode
// snapshot, and transfers terminal ownership between the shell and
// foreground job process groups.
//
// The termios manipulation is ported from the teacher's own
// internal/ptyutil, which pairs golang.org/x/sys/unix (IoctlGetTermios /
// IoctlSetTermios) with github.com/pkg/term/termios (Tcsetattr) rather than
// using just one of the two — kept here for the same reason the teacher
// keeps both: Tcsetattr's TCSADRAIN mode gives the "let pending output
// drain before changing modes" discipline spec.md §4.3 asks for, which the
// raw ioctl wrapper alone doesn't name.
package termctl

import (
	"fmt"
	"os"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
	xterm "golang.org/x/term"
)

// Arbiter is the controlling-terminal single-writer gatekeeper.
type Arbiter struct {
	fd          int
	shellPgid   int
	shellTmodes unix.Termios
}

// Init asserts stdin refers to a terminal, duplicates it (marking the copy
// close-on-exec so children never inherit it), makes the shell's own
// process group the terminal's foreground group, and snapshots the shell's
// terminal modes. Non-interactive invocation is rejected, per spec.md §4.3
// and §6: "the shell refuses to start if stdin is not a terminal".
func Init() (*Arbiter, error) {
	if !xterm.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("termctl: stdin is not a terminal; this shell is interactive-only")
	}

	fd, err := unix.FcntlInt(os.Stdin.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("termctl: dup stdin: %w", err)
	}

	shellPgid := unix.Getpgrp()

	// Make a single attempt to make the shell's process group the
	// foreground group; there is no retry loop. A shell started in the
	// background of another shell is not handled specially: this call
	// either succeeds or Init returns its error.
	if err := unix.IoctlSetInt(fd, unix.TIOCSPGRP, shellPgid); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("termctl: claim controlling terminal: %w", err)
	}

	tmodes, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("termctl: snapshot terminal modes: %w", err)
	}

	return &Arbiter{fd: fd, shellPgid: shellPgid, shellTmodes: *tmodes}, nil
}

// Fd returns the duplicated controlling-terminal descriptor.
func (a *Arbiter) Fd() int { return a.fd }

// ShellModes returns the shell's startup terminal-mode snapshot.
func (a *Arbiter) ShellModes() unix.Termios { return a.shellTmodes }

// ShellPgid returns the shell's own process group, the group terminal
// ownership is returned to whenever no job is in the foreground.
func (a *Arbiter) ShellPgid() int { return a.shellPgid }

// SetForegroundGroup hands terminal ownership to pgid.
func (a *Arbiter) SetForegroundGroup(pgid int) error {
	if err := unix.IoctlSetInt(a.fd, unix.TIOCSPGRP, pgid); err != nil {
		return fmt.Errorf("termctl: set foreground group %d: %w", pgid, err)
	}
	return nil
}

// SaveModesInto snapshots the terminal's current modes into tmodes (used
// when a job stops from the foreground, so its modes can be restored when
// it's resumed).
func (a *Arbiter) SaveModesInto(tmodes *unix.Termios) error {
	current, err := unix.IoctlGetTermios(a.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("termctl: save terminal modes: %w", err)
	}
	*tmodes = *current
	return nil
}

// RestoreShellModes restores the terminal to the shell's startup snapshot,
// using TCSADRAIN so pending output is flushed first.
func (a *Arbiter) RestoreShellModes() error {
	return a.restore(&a.shellTmodes)
}

// RestoreModes restores the terminal to a previously saved snapshot (e.g. a
// resumed job's own modes).
func (a *Arbiter) RestoreModes(tmodes *unix.Termios) error {
	return a.restore(tmodes)
}

func (a *Arbiter) restore(tmodes *unix.Termios) error {
	if err := termios.Tcsetattr(uintptr(a.fd), termios.TCSADRAIN, tmodes); err != nil {
		return fmt.Errorf("termctl: restore terminal modes: %w", err)
	}
	return nil
}

// Shutdown closes the duplicated terminal descriptor.
func (a *Arbiter) Shutdown() error {
	return unix.Close(a.fd)
}
