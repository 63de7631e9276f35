package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/config"
	"github.com/alexandremahdhaoui/dst/pkg/cleanup"
	"github.com/alexandremahdhaoui/dst/pkg/route"
)

var (
	ErrConfigValidation = config.ErrConfigValidation
	ErrProvisioning     = errors.New("provisioning failed")
	ErrDeployment       = errors.New("deployment failed")
	ErrTimeout          = errors.New("timed out")
	ErrCleanup          = cleanup.ErrCleanup
)

// Stage names one step of a run.
type Stage string

const (
	StageValidate          Stage = "validate"
	StageProvision         Stage = "provision"
	StageStart             Stage = "start"
	StageAwaitReady        Stage = "await-ready"
	StageResolveGateway    Stage = "resolve-gateway"
	StageAwaitReachable    Stage = "await-reachable"
	StageDeploy            Stage = "deploy"
	StageBaseline          Stage = "baseline"
	StageAwaitConfirmation Stage = "await-confirmation"
	StageClassifyTunneled  Stage = "classify-tunneled"
	StageClassifyLocal     Stage = "classify-local"
	StageReset             Stage = "reset"
	StageCleanup           Stage = "cleanup"
)

// StageError is the failure of one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageRecord is the outcome of one executed stage.
type StageRecord struct {
	Stage    Stage
	Started  time.Time
	Finished time.Time
	Err      error
}

// Duration returns how long the stage ran.
func (r StageRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Status is the final status of a run.
type Status string

const (
	// StatusPass means every stage succeeded and no route was anomalous.
	StatusPass Status = "PASS"
	// StatusFail means the harness worked and at least one route was
	// anomalous.
	StatusFail Status = "FAIL"
	// StatusError means the harness itself failed.
	StatusError Status = "ERROR"
)

// Result is the record of one run.
type Result struct {
	RunID    string
	Mode     config.Mode
	Gateway  string
	Stages   []StageRecord
	Outcomes []route.Outcome

	// Err is the primary error that aborted the run.
	Err error
	// ResetWarning is set when the reset playbook failed.
	ResetWarning error
	// CleanupErr is the first cleanup failure.
	CleanupErr error

	Status   Status
	ExitCode int
}

// Anomalies returns the outcomes that are not OK.
func (r *Result) Anomalies() []route.Outcome {
	var out []route.Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}

	return out
}

// Stage returns the record of s, if s ran.
func (r *Result) Stage(s Stage) (StageRecord, bool) {
	for _, rec := range r.Stages {
		if rec.Stage == s {
			return rec, true
		}
	}

	return StageRecord{}, false
}

// finalize applies the exit policy: a harness error wins over anomalies,
// anomalies win over a cleanup failure, and a cleanup failure alone still
// exits non-zero.
func (r *Result) finalize() {
	switch {
	case r.Err != nil:
		r.Status, r.ExitCode = StatusError, 1
	case len(r.Anomalies()) > 0:
		r.Status, r.ExitCode = StatusFail, 1
	case r.CleanupErr != nil:
		r.Status, r.ExitCode = StatusPass, 1
	default:
		r.Status, r.ExitCode = StatusPass, 0
	}
}
