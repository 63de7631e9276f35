/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexandremahdhaoui/dst/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/dst/internal/util/logging"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const Name = "dst"

var (
	Version        = "dev"
	CommitSHA      = "n/a"
	BuildTimestamp = "n/a"
)

// app carries the persistent flags and the exit code chosen by a command.
type app struct {
	verbose     bool
	historyPath string
	metricsFile string
	reportDir   string

	out      io.Writer
	log      logr.Logger
	exitCode int
}

func main() {
	gs := gracefulshutdown.New(Name)

	done := gs.Track()
	code := run(gs, os.Args[1:])
	done()

	gs.Shutdown(code)
}

func run(gs *gracefulshutdown.GracefulShutdown, args []string) int {
	a := &app{out: os.Stdout}

	cmd := newRootCmd(a)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(gs.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	return a.exitCode
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dst", "history.db")
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           Name,
		Short:         "Deploy and validate Dynamic Split Tunnel VPN configurations",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, CommitSHA, BuildTimestamp),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts := logging.DefaultOptions()
			if a.verbose {
				opts.Level = slog.LevelDebug
			}
			a.log = logging.Setup(opts)
			a.out = cmd.OutOrStdout()
		},
	}

	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug messages")
	cmd.PersistentFlags().StringVar(&a.historyPath, "history", defaultHistoryPath(),
		"sqlite database recording past runs, empty disables")
	cmd.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "",
		"write run metrics to this Prometheus textfile")
	cmd.PersistentFlags().StringVar(&a.reportDir, "report-dir", "",
		"write JSON and text run reports under this directory")

	cmd.AddCommand(
		newDeployCmd(a),
		newTestCmd(a),
		newHistoryCmd(a),
		newLabsCmd(a),
	)

	return cmd
}
