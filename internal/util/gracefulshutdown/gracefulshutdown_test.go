//go:build unit

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

package gracefulshutdown_test

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("dst", func(int) {})
	require.NotNil(t, gs)

	assert.NoError(t, gs.Context().Err(), "context should not be cancelled initially")
}

func TestGracefulShutdown_Shutdown(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		tracked  int
	}{
		{name: "exit code 0", exitCode: 0},
		{name: "exit code 1", exitCode: 1},
		{name: "waits for tracked tasks", exitCode: 0, tracked: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				captured int
				called   bool
				finished atomic.Int32
			)

			gs := gracefulshutdown.NewWithExit("dst", func(code int) {
				captured, called = code, true
			})

			for range tt.tracked {
				done := gs.Track()
				go func() {
					time.Sleep(10 * time.Millisecond)
					finished.Add(1)
					done()
				}()
			}

			gs.Shutdown(tt.exitCode)

			assert.True(t, called)
			assert.Equal(t, tt.exitCode, captured)
			assert.Equal(t, int32(tt.tracked), finished.Load())
			assert.Error(t, gs.Context().Err(), "context should be cancelled")
		})
	}
}

func TestGracefulShutdown_ShutdownIdempotency(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)

	gs := gracefulshutdown.NewWithExit("dst", func(int) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gs.Shutdown(i)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestGracefulShutdown_Signal(t *testing.T) {
	codes := make(chan int, 1)
	gs := gracefulshutdown.NewWithExit("dst", func(code int) { codes <- code })

	done := gs.Track()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-gs.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by the signal")
	}

	select {
	case <-codes:
		t.Fatal("exited before the tracked task returned")
	case <-time.After(20 * time.Millisecond):
	}

	done()

	select {
	case code := <-codes:
		assert.Equal(t, gracefulshutdown.ExitInterrupted, code)
	case <-time.After(5 * time.Second):
		t.Fatal("did not exit after the tracked task returned")
	}
}
