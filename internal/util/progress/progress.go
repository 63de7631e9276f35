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

// Package progress prints stage markers on the console and animates a
// spinner while a blocking stage runs. The spinner goroutine only draws; it
// holds no orchestration state.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

var frames = []string{"-", "/", "|", "\\"}

// Console writes "<msg>" on Start and "<msg>DONE." on Done, with a spinner in
// between when the output is a terminal. It is also the io.Writer for
// operator prompts printed while a stage is running.
type Console struct {
	out   io.Writer
	tty   bool
	delay time.Duration

	mu sync.Mutex
	// open is set while a stage line has no line break yet.
	open    bool
	stop    chan struct{}
	stopped chan struct{}
}

var _ io.Writer = &Console{}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer) *Console {
	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	return &Console{
		out:   out,
		tty:   tty,
		delay: 100 * time.Millisecond,
	}
}

// Start announces a stage and starts the spinner.
func (c *Console) Start(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	fmt.Fprint(c.out, msg)
	c.open = true

	if !c.tty {
		return
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})
	go c.spin(c.stop, c.stopped)
}

// Done stops the spinner and prints the completion marker.
func (c *Console) Done(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	c.open = false
	fmt.Fprintf(c.out, "\r%sDONE.\n", msg)
}

// Fail stops the spinner and terminates the current line without a
// completion marker.
func (c *Console) Fail(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	c.open = false
	fmt.Fprintf(c.out, "\r%sFAILED.\n", msg)
}

// Warn prints a highlighted warning on its own line.
func (c *Console) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	c.open = false
	fmt.Fprintf(c.out, "\n%s: %s\n", c.color(colorYellow, "WARNING"), fmt.Sprintf(format, args...))
}

// Verdict prints the final aggregate line.
func (c *Console) Verdict(passed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	c.open = false
	if passed {
		fmt.Fprintf(c.out, "All tests %s!\n", c.color(colorGreen, "PASSED"))
		return
	}
	fmt.Fprintf(c.out, "One or more tests %s!\n", c.color(colorRed, "FAILED"))
}

// Write stops the spinner and writes p on a line of its own. The spinner
// stays stopped until the next Start.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinnerLocked()
	if c.open {
		fmt.Fprintln(c.out)
		c.open = false
	}

	return c.out.Write(p)
}

func (c *Console) color(code, s string) string {
	if !c.tty {
		return s
	}
	return code + s + colorReset
}

func (c *Console) spin(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	t := time.NewTicker(c.delay)
	defer t.Stop()

	for i := 0; ; i++ {
		fmt.Fprint(c.out, frames[i%len(frames)])
		select {
		case <-stop:
			fmt.Fprint(c.out, "\b \b")
			return
		case <-t.C:
			fmt.Fprint(c.out, "\b")
		}
	}
}

func (c *Console) stopSpinnerLocked() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.stopped
	c.stop = nil
	c.stopped = nil
}

// Discard is a reporter that prints nothing.
type Discard struct{}

func (Discard) Start(string) {}
func (Discard) Done(string) {}
func (Discard) Fail(string) {}
func (Discard) Warn(string, ...any) {}
func (Discard) Verdict(bool) {}
