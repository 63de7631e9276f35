// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the shared logger setup for the dst binary.
// It uses log/slog as the standard library logger and bridges the same
// handler to logr for components that take a logr.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables human-readable, colored output regardless of
	// whether the output is a terminal.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output is where records are written. Defaults to os.Stderr.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the default slog logger and returns a logr.Logger backed by
// the same handler.
//
// A terminal gets a tint handler (colored, no timestamps), anything else gets
// JSON so that CI logs stay machine-readable.
func Setup(opts Options) logr.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	handler := NewHandler(opts)
	slog.SetDefault(slog.New(handler))

	return logr.FromSlogHandler(handler)
}

// NewHandler builds the slog.Handler selected by opts without installing it.
func NewHandler(opts Options) slog.Handler {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	if opts.Development || isTerminal(opts.Output) {
		return tint.NewHandler(opts.Output, &tint.Options{
			Level:      opts.Level,
			NoColor:    !isTerminal(opts.Output),
			TimeFormat: time.Kitchen,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
	}

	return slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{
		Level: opts.Level,
	})
}

// SetupVerbose sets up logging at debug level.
func SetupVerbose() logr.Logger {
	opts := DefaultOptions()
	opts.Level = slog.LevelDebug
	return Setup(opts)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
