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

package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/config"
	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"
	"github.com/alexandremahdhaoui/dst/pkg/route"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result() *orchestrator.Result {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	return &orchestrator.Result{
		RunID: "run-1",
		Mode:  config.ModeTest,
		Stages: []orchestrator.StageRecord{
			{Stage: orchestrator.StageValidate, Started: start, Finished: start.Add(time.Second)},
			{Stage: orchestrator.StageDeploy, Started: start.Add(time.Second), Finished: start.Add(4 * time.Second), Err: errors.New("x")},
		},
		Outcomes: []route.Outcome{
			{Kind: route.Tunneled, Verdict: route.OK},
			{Kind: route.Tunneled, Verdict: route.Anomalous},
			{Kind: route.Local, Verdict: route.OK},
		},
		Status:   orchestrator.StatusError,
		ExitCode: 1,
	}
}

func TestMetrics_Observe(t *testing.T) {
	m := New()
	m.Observe(result())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runInfo.WithLabelValues("run-1", "test", "ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exitCode))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stageDuration.WithLabelValues("deploy", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("tunneled", "ANOMALOUS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("local", "OK")))
	assert.Equal(t, float64(time.Date(2024, 5, 1, 12, 0, 4, 0, time.UTC).Unix()), testutil.ToFloat64(m.finished))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.Observe(result())

	path := filepath.Join(t.TempDir(), "dst.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `dst_run_info{mode="test",run_id="run-1",status="ERROR"} 1`)
	assert.Contains(t, string(data), "dst_run_exit_code 1")
}

func TestMetrics_WriteTextfile_Error(t *testing.T) {
	err := New().WriteTextfile(filepath.Join(t.TempDir(), "missing", "dst.prom"))

	assert.ErrorIs(t, err, ErrWriteMetrics)
}
