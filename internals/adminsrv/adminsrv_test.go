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

package adminsrv_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/sys/unix"
	. "gopkg.in/check.v1"

	"github.com/wrenchshell/wrench/internals/adminsrv"
	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/reaper"
)

func Test(t *testing.T) { TestingT(t) }

type adminsrvSuite struct {
	table *jobtable.Table
	r     *reaper.Reaper
	srv   *httptest.Server
}

var _ = Suite(&adminsrvSuite{})

func (s *adminsrvSuite) SetUpTest(c *C) {
	s.table = jobtable.New()
	s.r = reaper.New(s.table)
	srv := adminsrv.New(s.table, s.r)
	s.srv = httptest.NewServer(srv.Router())
}

func (s *adminsrvSuite) TearDownTest(c *C) {
	s.srv.Close()
}

func (s *adminsrvSuite) TestSnapshotEmpty(c *C) {
	resp, err := http.Get(s.srv.URL + "/v1/jobs")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)

	var jobs []map[string]any
	c.Assert(json.NewDecoder(resp.Body).Decode(&jobs), IsNil)
	c.Assert(jobs, HasLen, 0)
}

func (s *adminsrvSuite) TestSnapshotReportsOccupiedSlot(c *C) {
	idx := s.table.AddJob(123, true, unix.Termios{})
	c.Assert(s.table.AddProc(idx, 123, []string{"sleep", "5"}), IsNil)

	resp, err := http.Get(s.srv.URL + "/v1/jobs")
	c.Assert(err, IsNil)
	defer resp.Body.Close()

	var jobs []map[string]any
	c.Assert(json.NewDecoder(resp.Body).Decode(&jobs), IsNil)
	c.Assert(jobs, HasLen, 1)
	c.Assert(jobs[0]["index"], Equals, float64(idx))
	c.Assert(jobs[0]["pgid"], Equals, float64(123))
	c.Assert(jobs[0]["command"], Equals, "sleep 5")
	c.Assert(jobs[0]["state"], Equals, "running")
}

func (s *adminsrvSuite) TestMetricsEndpointServesPrometheusFormat(c *C) {
	resp, err := http.Get(s.srv.URL + "/metrics")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, Equals, http.StatusOK)
}
