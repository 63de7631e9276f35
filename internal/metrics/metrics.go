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

// Package metrics exports the result of a run in the Prometheus text format,
// to be picked up by a node exporter textfile collector.
package metrics

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dst"

var ErrWriteMetrics = errors.New("failed to write metrics")

// Metrics holds the collectors of one run.
type Metrics struct {
	registry *prometheus.Registry

	runInfo       *prometheus.GaugeVec
	exitCode      prometheus.Gauge
	finished      prometheus.Gauge
	stageDuration *prometheus.GaugeVec
	outcomes      *prometheus.CounterVec
}

// New returns Metrics registered on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Information about the last run, always 1.",
		}, []string{"run_id", "mode", "status"}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_exit_code",
			Help:      "Exit code of the last run.",
		}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each stage of the last run.",
		}, []string{"stage", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_outcomes_total",
			Help:      "Route classifications of the last run by kind and verdict.",
		}, []string{"kind", "verdict"}),
	}

	m.registry.MustRegister(m.runInfo, m.exitCode, m.finished, m.stageDuration, m.outcomes)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records res.
func (m *Metrics) Observe(res *orchestrator.Result) {
	m.runInfo.WithLabelValues(res.RunID, string(res.Mode), string(res.Status)).Set(1)
	m.exitCode.Set(float64(res.ExitCode))

	for _, rec := range res.Stages {
		result := "ok"
		if rec.Err != nil {
			result = "error"
		}
		m.stageDuration.WithLabelValues(string(rec.Stage), result).Set(rec.Duration().Seconds())
	}

	for _, o := range res.Outcomes {
		m.outcomes.WithLabelValues(string(o.Kind), string(o.Verdict)).Inc()
	}

	if n := len(res.Stages); n > 0 {
		m.finished.Set(float64(res.Stages[n-1].Finished.Unix()))
	}
}

// WriteTextfile writes the collected metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), ErrWriteMetrics)
	}

	return nil
}
