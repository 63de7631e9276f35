//go:build unit

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

package progress

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConsole_StartDone(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Start("Creating test topology...")
	c.Done("Creating test topology...")

	assert.Equal(t, "Creating test topology...\rCreating test topology...DONE.\n", buf.String())
}

func TestConsole_Verdict(t *testing.T) {
	tests := []struct {
		name   string
		passed bool
		want   string
	}{
		{name: "pass", passed: true, want: "All tests PASSED!\n"},
		{name: "fail", passed: false, want: "One or more tests FAILED!\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewConsole(&buf).Verdict(tt.passed)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestConsole_Warn(t *testing.T) {
	var buf bytes.Buffer

	NewConsole(&buf).Warn("host %s misrouted", "10.0.0.5")

	assert.Equal(t, "\nWARNING: host 10.0.0.5 misrouted\n", buf.String())
}

func TestConsole_Write(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Start("Waiting for the VPN client to connect...")
	fmt.Fprintln(c, "Point AnyConnect to 198.51.100.1")
	fmt.Fprintln(c, "Point AnyConnect to 198.51.100.1")
	c.Done("Waiting for the VPN client to connect...")

	assert.Equal(t,
		"Waiting for the VPN client to connect...\n"+
			"Point AnyConnect to 198.51.100.1\n"+
			"Point AnyConnect to 198.51.100.1\n"+
			"\rWaiting for the VPN client to connect...DONE.\n",
		buf.String())
}

func TestConsole_WriteStopsSpinner(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.tty = true
	c.delay = time.Millisecond

	c.Start("Waiting...")
	time.Sleep(10 * time.Millisecond)

	_, err := c.Write([]byte("prompt\n"))
	assert.NoError(t, err)

	written := buf.String()
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, written, buf.String(), "spinner kept writing after a prompt")
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\b \b\nprompt\n")))
}
