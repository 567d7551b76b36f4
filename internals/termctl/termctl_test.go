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

package termctl_test

import (
	"fmt"
	"os"
	"testing"
	"unsafe"

	. "gopkg.in/check.v1"

	"golang.org/x/sys/unix"

	"github.com/wrenchshell/wrench/internals/termctl"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&TermctlSuite{})

type TermctlSuite struct{}

// openPtyPair opens a minimal PTY pair, trimmed from the approach the
// teacher's internal/ptyutil.OpenPtyInDevpts uses for the non-container
// (plain /dev/ptmx) path. Tests that need a real terminal descriptor call
// this instead of relying on the test runner's own stdin, which may not be
// a terminal at all (e.g. under a CI runner or a piped test harness).
func openPtyPair() (ptx, pty *os.File, err error) {
	ptx, err = os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			ptx.Close()
		}
	}()

	val := 0
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, ptx.Fd(), uintptr(unix.TIOCSPTLCK), uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return nil, nil, errno
	}

	id := 0
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, ptx.Fd(), uintptr(unix.TIOCGPTN), uintptr(unsafe.Pointer(&id)))
	if errno != 0 {
		return nil, nil, errno
	}

	pty, err = os.OpenFile(fmt.Sprintf("/dev/pts/%d", id), os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, err
	}
	return ptx, pty, nil
}

// withPty runs fn with the read end of a freshly opened PTY temporarily
// swapped in for os.Stdin, then restores it. Tests skip rather than fail
// when no PTY is available in the sandbox running them.
func withPty(c *C, fn func(ptyFd int)) {
	ptx, pty, err := openPtyPair()
	if err != nil {
		c.Skip(fmt.Sprintf("no PTY available in this sandbox: %v", err))
		return
	}
	defer ptx.Close()
	defer pty.Close()

	oldStdin := os.Stdin
	os.Stdin = pty
	defer func() { os.Stdin = oldStdin }()

	fn(int(pty.Fd()))
}

func (s *TermctlSuite) TestInitRejectsNonTerminalStdin(c *C) {
	r, w, err := os.Pipe()
	c.Assert(err, IsNil)
	defer r.Close()
	defer w.Close()

	oldStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = oldStdin }()

	_, err = termctl.Init()
	c.Assert(err, NotNil)
}

func (s *TermctlSuite) TestInitAndShutdown(c *C) {
	withPty(c, func(ptyFd int) {
		arbiter, err := termctl.Init()
		c.Assert(err, IsNil)
		c.Assert(arbiter.Fd() >= 0, Equals, true)
		c.Assert(arbiter.Shutdown(), IsNil)
	})
}

func (s *TermctlSuite) TestSaveAndRestoreModesRoundTrip(c *C) {
	withPty(c, func(ptyFd int) {
		arbiter, err := termctl.Init()
		c.Assert(err, IsNil)
		defer arbiter.Shutdown()

		var saved unix.Termios
		c.Assert(arbiter.SaveModesInto(&saved), IsNil)
		c.Assert(arbiter.RestoreModes(&saved), IsNil)
		c.Assert(arbiter.RestoreShellModes(), IsNil)
	})
}

func (s *TermctlSuite) TestSetForegroundGroup(c *C) {
	withPty(c, func(ptyFd int) {
		arbiter, err := termctl.Init()
		c.Assert(err, IsNil)
		defer arbiter.Shutdown()

		err = arbiter.SetForegroundGroup(unix.Getpgrp())
		c.Assert(err, IsNil)
	})
}
