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

package launcher_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/launcher"
	"github.com/wrenchshell/wrench/internals/reaper"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&ParseStagesSuite{})

type ParseStagesSuite struct{}

func (s *ParseStagesSuite) TestSingleStageNoRedirection(c *C) {
	stages, err := launcher.ParseStages([]string{"echo", "hi"})
	c.Assert(err, IsNil)
	c.Assert(stages, HasLen, 1)
	c.Assert(stages[0].Argv, DeepEquals, []string{"echo", "hi"})
	c.Assert(stages[0].HasIn, Equals, false)
	c.Assert(stages[0].HasOut, Equals, false)
}

func (s *ParseStagesSuite) TestPipelineSplitsOnPipe(c *C) {
	stages, err := launcher.ParseStages([]string{"yes", "|", "head", "-n", "3"})
	c.Assert(err, IsNil)
	c.Assert(stages, HasLen, 2)
	c.Assert(stages[0].Argv, DeepEquals, []string{"yes"})
	c.Assert(stages[1].Argv, DeepEquals, []string{"head", "-n", "3"})
}

func (s *ParseStagesSuite) TestRedirectionTokensRemovedFromArgv(c *C) {
	stages, err := launcher.ParseStages([]string{"sort", "<", "in.txt", ">", "out.txt"})
	c.Assert(err, IsNil)
	c.Assert(stages, HasLen, 1)
	c.Assert(stages[0].Argv, DeepEquals, []string{"sort"})
	c.Assert(stages[0].HasIn, Equals, true)
	c.Assert(stages[0].InPath, Equals, "in.txt")
	c.Assert(stages[0].HasOut, Equals, true)
	c.Assert(stages[0].OutPath, Equals, "out.txt")
}

func (s *ParseStagesSuite) TestLastRedirectionWins(c *C) {
	stages, err := launcher.ParseStages([]string{"cat", "<", "a.txt", "<", "b.txt"})
	c.Assert(err, IsNil)
	c.Assert(stages[0].InPath, Equals, "b.txt")
}

func (s *ParseStagesSuite) TestMissingFilenameIsSyntaxError(c *C) {
	_, err := launcher.ParseStages([]string{"cat", ">"})
	c.Assert(err, FitsTypeOf, &launcher.SyntaxError{})
}

func (s *ParseStagesSuite) TestEmptyStageIsSyntaxError(c *C) {
	_, err := launcher.ParseStages([]string{"cat", "|", "|", "wc"})
	c.Assert(err, FitsTypeOf, &launcher.SyntaxError{})
}

func (s *ParseStagesSuite) TestEmptyCommandLineIsSyntaxError(c *C) {
	_, err := launcher.ParseStages(nil)
	c.Assert(err, FitsTypeOf, &launcher.SyntaxError{})
}

var _ = Suite(&LaunchSuite{})

// LaunchSuite exercises launchPipeline end to end without a real terminal:
// it runs only background jobs, since foreground handoff needs a
// termctl.Arbiter backed by an actual tty.
type LaunchSuite struct {
	table  *jobtable.Table
	reaper *reaper.Reaper
}

func (s *LaunchSuite) SetUpTest(c *C) {
	s.table = jobtable.New()
	s.reaper = reaper.New(s.table)
}

func (s *LaunchSuite) TestSingleCommandBackgroundIsRegistered(c *C) {
	l := launcher.New(s.table, nil, nil)
	result, err := l.Launch([]string{"true"}, true)
	c.Assert(err, IsNil)
	c.Assert(result.Ran, Equals, false)
	c.Assert(result.Foreground, Equals, false)

	waitForFinished(c, s.table, s.reaper, result.JobIndex)
}

func (s *LaunchSuite) TestPipelineConnectsStagesThroughPipes(c *C) {
	dir := c.MkDir()
	out := filepath.Join(dir, "out.txt")

	l := launcher.New(s.table, nil, nil)
	result, err := l.Launch([]string{"printf", "a\\nb\\nc\\n", "|", "wc", "-l", ">", out}, true)
	c.Assert(err, IsNil)

	waitForFinished(c, s.table, s.reaper, result.JobIndex)

	data, err := os.ReadFile(out)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "3\n")
}

func (s *LaunchSuite) TestRedirectionOpenFailureIsFatal(c *C) {
	l := launcher.New(s.table, nil, nil)
	_, err := l.Launch([]string{"cat", "<", "/no/such/path/at/all"}, true)
	c.Assert(err, FitsTypeOf, &launcher.FatalError{})
}

func waitForFinished(c *C, table *jobtable.Table, r *reaper.Reaper, idx int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.Drain()
		table.Lock()
		job, present := table.JobLocked(idx)
		finished := !present
		if present {
			finished = job.State == jobtable.Finished
		}
		table.Unlock()
		if finished {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("job %d did not finish", idx)
}
