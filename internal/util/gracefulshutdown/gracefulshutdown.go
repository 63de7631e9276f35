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

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitInterrupted is the exit code used when a signal stops the process.
const ExitInterrupted = 130

// GracefulShutdown cancels a context on SIGINT or SIGTERM and exits the
// process once every tracked task returned.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once
	wg   sync.WaitGroup

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit returns a GracefulShutdown with a custom exit function.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		exitFunc: exitFunc,
	}

	// A signal shuts down with ExitInterrupted. A context cancelled by
	// Shutdown finds the once already taken.
	go func() {
		<-ctx.Done()
		gs.Shutdown(ExitInterrupted)
	}()

	return gs
}

// New returns a GracefulShutdown that exits with os.Exit.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Track registers a task that must return before the process exits. The
// returned function marks it done.
func (s *GracefulShutdown) Track() func() {
	s.wg.Add(1)
	return s.wg.Done
}

// Shutdown cancels the context, waits for tracked tasks and exits with
// exitCode. Only the first call has an effect; concurrent callers block
// until it completes.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		if exitCode == ExitInterrupted {
			slog.Info("interrupted, waiting for cleanup", "name", s.name)
		}

		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the context cancelled on shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}
