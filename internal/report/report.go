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

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"
	"github.com/alexandremahdhaoui/dst/pkg/route"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported report format")
	ErrWriteReport       = errors.New("failed to write report")
)

// Format specifies the output format of a report.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Report is the serializable form of a run result.
type Report struct {
	RunID     string          `json:"runId"`
	Mode      string          `json:"mode"`
	Status    string          `json:"status"`
	ExitCode  int             `json:"exitCode"`
	Gateway   string          `json:"gateway,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  float64         `json:"durationSeconds"`
	Stages    []Stage         `json:"stages"`
	Outcomes  []route.Outcome `json:"outcomes,omitempty"`
	Error     string          `json:"error,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// Stage is one executed stage of a run.
type Stage struct {
	Name     string  `json:"name"`
	Duration float64 `json:"durationSeconds"`
	Error    string  `json:"error,omitempty"`
}

// FromResult builds the report of res.
func FromResult(res *orchestrator.Result) Report {
	r := Report{
		RunID:    res.RunID,
		Mode:     string(res.Mode),
		Status:   string(res.Status),
		ExitCode: res.ExitCode,
		Gateway:  res.Gateway,
		Outcomes: res.Outcomes,
		Stages:   make([]Stage, 0, len(res.Stages)),
	}

	for _, s := range res.Stages {
		st := Stage{Name: string(s.Stage), Duration: s.Duration().Seconds()}
		if s.Err != nil {
			st.Error = s.Err.Error()
		}
		r.Stages = append(r.Stages, st)
	}

	if n := len(res.Stages); n > 0 {
		r.StartedAt = res.Stages[0].Started
		r.Duration = res.Stages[n-1].Finished.Sub(r.StartedAt).Seconds()
	}

	if res.Err != nil {
		r.Error = res.Err.Error()
	}

	if res.ResetWarning != nil {
		r.Warnings = append(r.Warnings, "reset: "+res.ResetWarning.Error())
	}

	if res.CleanupErr != nil {
		r.Warnings = append(r.Warnings, "cleanup: "+res.CleanupErr.Error())
	}

	return r
}

// Reporter writes run reports under an artifact directory.
type Reporter struct {
	artifactDir string
}

// NewReporter returns a Reporter writing to artifactDir.
func NewReporter(artifactDir string) *Reporter {
	return &Reporter{artifactDir: artifactDir}
}

// Generate renders res in format.
func (r *Reporter) Generate(res *orchestrator.Result, format Format) (string, error) {
	rep := FromResult(res)

	switch format {
	case FormatJSON:
		return formatJSON(rep)
	case FormatText:
		return formatText(rep, res), nil
	default:
		return "", errors.Join(fmt.Errorf("format=%s", format), ErrUnsupportedFormat)
	}
}

// Write renders res in every format and writes the reports to
// <artifactDir>/<runID>/. It returns the directory.
func (r *Reporter) Write(res *orchestrator.Result, formats ...Format) (string, error) {
	dir := filepath.Join(r.artifactDir, res.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Join(err, fmt.Errorf("dir=%s", dir), ErrWriteReport)
	}

	for _, format := range formats {
		content, err := r.Generate(res, format)
		if err != nil {
			return "", err
		}

		path := filepath.Join(dir, fileName(format))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", errors.Join(err, fmt.Errorf("path=%s", path), ErrWriteReport)
		}
	}

	return dir, nil
}

func fileName(format Format) string {
	if format == FormatJSON {
		return "report.json"
	}

	return "report.txt"
}

func formatJSON(rep Report) (string, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}

func formatText(rep Report, res *orchestrator.Result) string {
	var sb strings.Builder

	rule := strings.Repeat("=", 80) + "\n"

	sb.WriteString(rule)
	sb.WriteString("DYNAMIC SPLIT TUNNEL RUN REPORT\n")
	sb.WriteString(rule + "\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Run ID:    %s\n", rep.RunID)
	fmt.Fprintf(&sb, "Mode:      %s\n", rep.Mode)
	fmt.Fprintf(&sb, "Status:    %s\n", formatStatus(rep.Status))
	fmt.Fprintf(&sb, "Exit code: %d\n", rep.ExitCode)
	if rep.Gateway != "" {
		fmt.Fprintf(&sb, "Gateway:   %s\n", rep.Gateway)
	}
	if !rep.StartedAt.IsZero() {
		fmt.Fprintf(&sb, "Started:   %s\n", rep.StartedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "Duration:  %.2fs\n\n", rep.Duration)

	sb.WriteString("STAGES\n")
	sb.WriteString(strings.Repeat("-", 6) + "\n")
	for i, s := range rep.Stages {
		symbol := "✓"
		if s.Error != "" {
			symbol = "✗"
		}
		fmt.Fprintf(&sb, "[%02d] %s %-20s %8.2fs\n", i+1, symbol, s.Name, s.Duration)
		if s.Error != "" {
			fmt.Fprintf(&sb, "     Error: %s\n", wrapText(s.Error, 12))
		}
	}
	sb.WriteString("\n")

	if len(rep.Outcomes) > 0 {
		sb.WriteString("ROUTES\n")
		sb.WriteString(strings.Repeat("-", 6) + "\n")
		for _, o := range rep.Outcomes {
			symbol := "✓"
			if !o.OK() {
				symbol = "✗"
			}
			fmt.Fprintf(&sb, "%s %-8s %-16s %s\n", symbol, o.Kind, o.Host, strings.Join(o.Observed, " -> "))
			if !o.OK() {
				fmt.Fprintf(&sb, "    Expected: %s\n", strings.Join(o.Expected, ", "))
				fmt.Fprintf(&sb, "    Hop:      %d\n", o.Position+1)
			}
		}
		sb.WriteString("\n")
	}

	if rep.Error != "" {
		sb.WriteString("FAILURE\n")
		sb.WriteString(strings.Repeat("-", 7) + "\n")
		fmt.Fprintf(&sb, "Message: %s\n\n", wrapText(rep.Error, 9))
		sb.WriteString(failureGuidance(res.Err))
		sb.WriteString("\n")
	}

	if len(rep.Warnings) > 0 {
		sb.WriteString("WARNINGS\n")
		sb.WriteString(strings.Repeat("-", 8) + "\n")
		for i, w := range rep.Warnings {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, wrapText(w, 4))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(rule)
	fmt.Fprintf(&sb, "RESULT: %s\n", formatStatus(rep.Status))
	sb.WriteString(rule)

	return sb.String()
}

func formatStatus(status string) string {
	switch orchestrator.Status(status) {
	case orchestrator.StatusPass:
		return "✓ PASS"
	case orchestrator.StatusFail:
		return "✗ FAIL"
	case orchestrator.StatusError:
		return "⚠ ERROR"
	default:
		return status
	}
}

// failureGuidance lists likely causes and next steps for the error class of
// err.
func failureGuidance(err error) string {
	var g strings.Builder

	g.WriteString("Possible Causes:\n")

	switch {
	case errors.Is(err, orchestrator.ErrConfigValidation):
		g.WriteString("- A required section or variable is missing from the configuration file\n")
		g.WriteString("- canary_host is not an IPv4 address\n\n")
		g.WriteString("Next Steps:\n")
		g.WriteString("1. Compare the configuration file with the documented sections\n")
	case errors.Is(err, orchestrator.ErrTimeout):
		g.WriteString("- A lab node never booted or converged\n")
		g.WriteString("- The HQ firewall management address is not routable from this host\n\n")
		g.WriteString("Next Steps:\n")
		g.WriteString("1. Inspect the lab with the labs command\n")
		g.WriteString("2. Raise --ready-timeout or --reach-timeout\n")
	case errors.Is(err, orchestrator.ErrProvisioning):
		g.WriteString("- The lab controller is unreachable or rejected the credentials\n")
		g.WriteString("- A node configuration payload is missing from the base configs directory\n")
		g.WriteString("- No gateway address was discovered and test.firewall_ip is unset\n\n")
		g.WriteString("Next Steps:\n")
		g.WriteString("1. Verify the cml section of the configuration file\n")
		g.WriteString("2. Check that every node has a payload in the base configs directory\n")
	case errors.Is(err, orchestrator.ErrDeployment):
		g.WriteString("- An Ansible task failed on a firewall\n")
		g.WriteString("- The Ansible credentials are wrong\n\n")
		g.WriteString("Next Steps:\n")
		g.WriteString("1. Re-run with --verbose and read the failed task output\n")
	default:
		g.WriteString("- See the stage errors above\n\n")
		g.WriteString("Next Steps:\n")
		g.WriteString("1. Re-run with --verbose\n")
	}

	return g.String()
}

// wrapText wraps text at word boundaries, indenting continuation lines.
func wrapText(text string, indent int) string {
	if len(text) <= 64 {
		return text
	}

	var out strings.Builder
	lineLen := 0
	pad := strings.Repeat(" ", indent)

	for i, word := range strings.Fields(text) {
		if i > 0 && lineLen+len(word)+1 > 64 {
			out.WriteString("\n" + pad)
			lineLen = 0
		} else if i > 0 {
			out.WriteString(" ")
			lineLen++
		}
		out.WriteString(word)
		lineLen += len(word)
	}

	return out.String()
}
