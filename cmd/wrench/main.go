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

// Command wrench is an interactive job-controlling shell: the read-eval-print
// loop that drives the job-control engine under internals/.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/go-flags"
	"github.com/canonical/x-go/strutil/shlex"

	"github.com/wrenchshell/wrench/internals/adminsrv"
	"github.com/wrenchshell/wrench/internals/builtin"
	"github.com/wrenchshell/wrench/internals/jobtable"
	"github.com/wrenchshell/wrench/internals/launcher"
	"github.com/wrenchshell/wrench/internals/logger"
	"github.com/wrenchshell/wrench/internals/monitor"
	"github.com/wrenchshell/wrench/internals/osutil"
	"github.com/wrenchshell/wrench/internals/reaper"
	"github.com/wrenchshell/wrench/internals/termctl"
)

// Version is overwritten at build time, in the same spirit as the teacher's
// own cmd.Version.
var Version = "unknown"

// prompt is the fixed prompt string spec.md §6 requires.
const prompt = "# "

type options struct {
	Version   func() `long:"version" description:"Print the version and exit"`
	Debug     bool   `short:"d" long:"debug" description:"Raise the logger to debug level"`
	AdminAddr string `long:"admin-addr" description:"Optional address for the read-only job introspection HTTP/metrics surface" default:""`
}

func main() {
	var opts options
	opts.Version = func() {
		fmt.Println(Version)
		os.Exit(0)
	}
	flagopts := flags.Options(flags.HelpFlag | flags.PassDoubleDash)
	parser := flags.NewParser(&opts, flagopts)
	parser.ShortDescription = "An interactive job-controlling shell"
	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	stderrLogger := logger.New(os.Stderr, "[wrench] ")
	logger.SetDebug(stderrLogger, opts.Debug)
	logger.SetLogger(stderrLogger)

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "wrench: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	arbiter, err := termctl.Init()
	if err != nil {
		return err
	}
	launcher.IgnoreTTYSignals()
	// Catch and discard SIGINT so a Ctrl-C at the prompt does not end the
	// shell. A caught signal reverts to its default in exec'd children, so
	// foreground jobs still receive Ctrl-C normally.
	signal.Notify(make(chan os.Signal, 1), syscall.SIGINT)

	table := jobtable.New()
	r := reaper.New(table)
	if err := r.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer r.Stop()

	mon := monitor.New(table, arbiter, r)

	dispatcher := &builtin.Dispatcher{
		Controller: mon,
		Exit: func(code int) {
			mon.Shutdown()
			os.Exit(code)
		},
	}
	l := launcher.New(table, arbiter, dispatcher)

	if opts.AdminAddr != "" {
		srv := adminsrv.New(table, r)
		osutil.MustSucceed(srv.Start(opts.AdminAddr), "start admin surface on %s", opts.AdminAddr)
		defer srv.Stop()
	}

	repl(l, mon)
	return nil
}

// repl is the outer read-eval loop described in spec.md §2 and §6: print the
// prompt, read a line, hand its tokens to the Launcher, monitor a foreground
// job to completion, and between every command ask the Job Table (via the
// Monitor) to report and reap any background job that has finished.
func repl(l *launcher.Launcher, mon *monitor.Monitor) {
	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(prompt)

		line, err := in.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				mon.Shutdown()
				os.Exit(0)
			}
			logger.Noticef("wrench: read prompt: %v", err)
			continue
		}

		runLine(l, mon, line)
	}
}

func runLine(l *launcher.Launcher, mon *monitor.Monitor, line string) {
	tokens, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wrench: %v\n", err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	background := false
	if tokens[len(tokens)-1] == "&" {
		background = true
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		fmt.Fprintln(os.Stderr, "wrench: command line is not well formed")
		return
	}

	result, err := l.Launch(tokens, background)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wrench: %v\n", err)
		return
	}

	if !result.Ran && result.Foreground {
		if _, err := mon.MonitorForeground(); err != nil {
			logger.Noticef("wrench: %v", err)
		}
	}

	// Between commands, reap and report any background job that has
	// finished since the last prompt (spec.md §2).
	mon.WatchJobs(os.Stdout, "finished")
}
