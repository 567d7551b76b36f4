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

// Package adminsrv is an optional, read-only HTTP introspection surface for
// the job table: a JSON snapshot endpoint, a websocket stream of snapshot
// changes, and a Prometheus metrics endpoint. It never affects job control
// itself — nothing under internals/jobtable, internals/launcher or
// internals/monitor depends on it — and is only started when the shell is
// given an admin listen address.
//
// Routing follows the same mux.Router-plus-http.Server shape as the
// teacher's internals/daemon; the tomb.v2 lifecycle matches
// internals/reaper. gorilla/websocket and prometheus/client_golang are both
// direct dependencies the teacher carries in its go.mod but never actually
// imports (it rolls its own metrics and has no websocket-streamed
// endpoint); this package is where this module puts them to work instead.
package adminsrv

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/tomb.v2"

	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/logger"
	"github.com/wrenchshell/wrench/internals/reaper"
)

// jobSnapshot is the JSON (and websocket) wire shape for one job slot.
type jobSnapshot struct {
	Index   int    `json:"index"`
	Pgid    int    `json:"pgid"`
	Command string `json:"command"`
	State   string `json:"state"`
}

// Server serves job-table introspection over HTTP.
type Server struct {
	table  *jobtable.Table
	reaper *reaper.Reaper

	router   *mux.Router
	upgrader websocket.Upgrader
	jobState *prometheus.GaugeVec

	httpSrv *http.Server
	t       tomb.Tomb
}

// New builds a Server backed by table, forcing a reaper pass before every
// snapshot so reports reflect the latest process state.
//
// Metrics are registered against a registry private to this Server, rather
// than prometheus.DefaultRegisterer: the global registry panics on a
// second registration of the same collector name, which a test suite that
// constructs a fresh Server per test (as adminsrv_test.go does) would hit
// on its second test method.
func New(table *jobtable.Table, r *reaper.Reaper) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		table:  table,
		reaper: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		jobState: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wrench",
			Subsystem: "jobs",
			Name:      "state_count",
			Help:      "Number of jobs currently in each composite state.",
		}, []string{"state"}),
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/v1/jobs", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/jobs/stream", s.handleStream).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

// Router returns the server's http.Handler, for wiring into an http.Server
// or, in tests, an httptest.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// snapshot forces a reaper pass, then takes a consistent read of every
// occupied job slot and refreshes the Prometheus state gauges from it.
func (s *Server) snapshot() []jobSnapshot {
	s.reaper.Drain()

	s.table.Lock()
	defer s.table.Unlock()

	n := s.table.NumSlotsLocked()
	counts := map[jobtable.State]int{}
	var jobs []jobSnapshot
	for i := 0; i < n; i++ {
		job, ok := s.table.JobLocked(i)
		if !ok {
			continue
		}
		counts[job.State]++
		jobs = append(jobs, jobSnapshot{
			Index:   i,
			Pgid:    job.Pgid,
			Command: job.Command,
			State:   job.State.String(),
		})
	}

	s.jobState.WithLabelValues("running").Set(float64(counts[jobtable.Running]))
	s.jobState.WithLabelValues("stopped").Set(float64(counts[jobtable.Stopped]))
	s.jobState.WithLabelValues("finished").Set(float64(counts[jobtable.Finished]))

	return jobs
}

func (s *Server) handleSnapshot(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		logger.Noticef("adminsrv: encode jobs snapshot: %v", err)
	}
}

// handleStream pushes a new snapshot over the websocket connection whenever
// it differs from the last one sent, polling at a fixed interval rather
// than hooking the reaper directly, since several streams may be open at
// once.
func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Noticef("adminsrv: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last []jobSnapshot
	for {
		select {
		case <-ticker.C:
			jobs := s.snapshot()
			if snapshotsEqual(jobs, last) {
				continue
			}
			if err := conn.WriteJSON(jobs); err != nil {
				return
			}
			last = jobs
		case <-s.t.Dying():
			return
		}
	}
}

func snapshotsEqual(a, b []jobSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Start begins serving on addr in the background. Safe to call at most
// once per Server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.router}
	s.t.Go(func() error {
		err := s.httpSrv.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	logger.Noticef("adminsrv: listening on %s", listener.Addr())
	return nil
}

// Stop closes the listener and any open websocket streams and waits for
// the serving goroutine to exit.
func (s *Server) Stop() error {
	s.t.Kill(nil)
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	return s.t.Wait()
}
