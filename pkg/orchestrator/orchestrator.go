// Package orchestrator drives one deployment or test run: it validates the
// configuration, provisions the lab, applies the split-tunnel playbook,
// classifies routes and always tears down what the run created.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/config"
	"github.com/alexandremahdhaoui/dst/pkg/ansible"
	"github.com/alexandremahdhaoui/dst/pkg/cleanup"
	"github.com/alexandremahdhaoui/dst/pkg/confirm"
	"github.com/alexandremahdhaoui/dst/pkg/reach"
	"github.com/alexandremahdhaoui/dst/pkg/route"
	"github.com/alexandremahdhaoui/dst/pkg/topology"
	"github.com/google/uuid"
)

const (
	DefaultReadyTimeout   = 30 * time.Minute
	DefaultReachTimeout   = 10 * time.Minute
	DefaultPollInterval   = time.Second
	DefaultCleanupTimeout = 10 * time.Minute
)

// Topology is the lab lifecycle a test run drives.
type Topology interface {
	State() topology.State
	Title() string
	Create(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsReady(ctx context.Context) (bool, error)
	GatewayAddress(ctx context.Context, wait bool) (string, error)
	Wipe(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Prober discovers the first hops towards a host.
type Prober interface {
	Probe(ctx context.Context, host string) ([]string, error)
}

// Reporter prints stage progress for the operator.
type Reporter interface {
	Start(msg string)
	Done(msg string)
	Fail(msg string)
	Warn(format string, args ...any)
	Verdict(passed bool)
}

// Options configures a run.
type Options struct {
	Mode   config.Mode
	Config *config.Config

	// BaseDir is passed to the playbooks as dst_base_dir. Defaults to the
	// working directory.
	BaseDir string
	// ArtifactDir receives the inventory and variables files. Defaults to
	// the system temporary directory.
	ArtifactDir string

	// ReadyTimeout bounds the readiness wait. Zero waits forever.
	ReadyTimeout time.Duration
	// ReachTimeout bounds the reachability wait. Zero waits forever.
	ReachTimeout time.Duration
	PollInterval time.Duration
	// CleanupTimeout bounds teardown, which runs on a context detached from
	// the run's cancellation.
	CleanupTimeout time.Duration
}

// DefaultOptions returns Options with the default bounds.
func DefaultOptions() Options {
	return Options{
		ReadyTimeout:   DefaultReadyTimeout,
		ReachTimeout:   DefaultReachTimeout,
		PollInterval:   DefaultPollInterval,
		CleanupTimeout: DefaultCleanupTimeout,
	}
}

// Deps are the collaborators of a run. Topology, Prober, Checker and
// Confirmer are only used by test runs.
type Deps struct {
	Topology  Topology
	Runner    ansible.Runner
	Prober    Prober
	Checker   reach.Checker
	Confirmer confirm.Confirmer
	Reporter  Reporter
}

// Orchestrator runs one deployment or test. It must not be reused.
type Orchestrator struct {
	opts    Options
	deps    Deps
	cleanup *cleanup.Coordinator

	now   func() time.Time
	newID func() string
}

// New returns an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}

	if opts.BaseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.BaseDir = wd
		}
	}

	if opts.ArtifactDir == "" {
		opts.ArtifactDir = os.TempDir()
	}

	return &Orchestrator{
		opts:    opts,
		deps:    deps,
		cleanup: cleanup.New(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// run holds the state of one pipeline execution.
type run struct {
	res       *Result
	resources cleanup.Resources

	inventory *ansible.Artifact
	variables *ansible.Artifact
	gateway   string
	baseline  []string

	classified bool
}

// Run executes the pipeline and returns its result. Cleanup runs on every
// path, after the primary error if any.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	r := &run{res: &Result{RunID: o.newID(), Mode: o.opts.Mode}}

	slog.Info("starting run", "runID", r.res.RunID, "mode", o.opts.Mode)

	if err := o.pipeline(ctx, r); err != nil {
		r.res.Err = err
		slog.Error("run aborted", "runID", r.res.RunID, "err", err)
	}

	o.teardown(ctx, r)

	r.res.Gateway = r.gateway
	r.res.finalize()

	if r.classified {
		o.deps.Reporter.Verdict(r.res.Status == StatusPass)
	}

	slog.Info("run finished", "runID", r.res.RunID, "status", r.res.Status, "exitCode", r.res.ExitCode)

	return r.res
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) error {
	if err := o.stage(r, StageValidate, "Validating configuration...", func() error {
		if o.opts.Config == nil {
			return errors.Join(errors.New("no configuration"), ErrConfigValidation)
		}
		return o.opts.Config.Validate(o.opts.Mode)
	}); err != nil {
		return err
	}

	switch o.opts.Mode {
	case config.ModeProduction:
		return o.deploy(ctx, r, o.opts.Config.Production.Firewalls, []string{"test"},
			"Running Ansible to deploy DST config to production...")
	case config.ModeTest:
		return o.test(ctx, r)
	default:
		return errors.Join(fmt.Errorf("mode=%s", o.opts.Mode), ErrConfigValidation)
	}
}

func (o *Orchestrator) test(ctx context.Context, r *run) error {
	cfg := o.opts.Config.Test
	topo := o.deps.Topology

	if err := o.stage(r, StageProvision, "Creating test topology...", func() error {
		err := topo.Create(ctx)
		if topo.State() != topology.Unbuilt {
			r.resources.Topology = topo
		}
		if err != nil {
			return errors.Join(err, ErrProvisioning)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(r, StageStart, "Starting topology...", func() error {
		if err := topo.Start(ctx); err != nil {
			return errors.Join(err, ErrProvisioning)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(r, StageAwaitReady, "Waiting for topology to be ready...", func() error {
		return poll(ctx, o.opts.PollInterval, o.opts.ReadyTimeout, func(ctx context.Context) (bool, error) {
			ready, err := topo.IsReady(ctx)
			if err != nil {
				return false, errors.Join(err, ErrProvisioning)
			}
			return ready, nil
		})
	}); err != nil {
		return err
	}

	if err := o.stage(r, StageResolveGateway, "Obtaining the firewall address...", func() error {
		gw, err := topo.GatewayAddress(ctx, false)
		if err != nil {
			slog.Warn("dynamic gateway discovery failed", "err", err)
		}

		if gw == "" {
			gw = cfg.FirewallIP
		}

		if gw == "" {
			return errors.Join(
				errors.New("unable to dynamically obtain the firewall IP and a static IP has not been defined; define 'firewall_ip' in the 'test' section"),
				err, ErrProvisioning)
		}

		r.gateway = gw
		slog.Info("resolved gateway", "addr", gw)

		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(r, StageAwaitReachable, "Making sure HQ Firewall is reachable...", func() error {
		err := reach.WaitReachable(ctx, o.deps.Checker, r.gateway, o.opts.PollInterval, o.opts.ReachTimeout)
		if errors.Is(err, reach.ErrTimeout) {
			return errors.Join(err, ErrTimeout)
		}
		return err
	}); err != nil {
		return err
	}

	if err := o.deploy(ctx, r, []string{r.gateway}, nil,
		"Running Ansible to provision the firewall for testing..."); err != nil {
		return err
	}

	if err := o.stage(r, StageBaseline, "Testing canary to get default routing...", func() error {
		hops, err := o.deps.Prober.Probe(ctx, cfg.CanaryHost)
		if err != nil {
			return err
		}

		r.baseline = hops
		slog.Info("captured baseline", "canary", cfg.CanaryHost, "hops", hops)

		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(r, StageAwaitConfirmation, "Waiting for the VPN client to connect...", func() error {
		return o.deps.Confirmer.Confirm(ctx, r.gateway)
	}); err != nil {
		return err
	}

	tunneledErr := o.stage(r, StageClassifyTunneled, "Testing VPN tunneled hosts...", func() error {
		return o.classify(ctx, r, cfg.TunnelHosts, func(host string, hops []string) route.Outcome {
			return route.ClassifyTunneled(host, hops, cfg.VPNHop)
		})
	})

	localErr := o.stage(r, StageClassifyLocal, "Testing Split Tunnel hosts...", func() error {
		return o.classify(ctx, r, cfg.LocalHosts, func(host string, hops []string) route.Outcome {
			return route.ClassifyLocal(host, hops, r.baseline)
		})
	})

	r.classified = tunneledErr == nil && localErr == nil

	if err := o.stage(r, StageReset, "Resetting the test topology...", func() error {
		return o.deps.Runner.Run(ctx, ansible.Playbook{
			Name:      ansible.ResetPlaybook,
			Inventory: r.inventory.Path,
			Variables: r.variables.Path,
		})
	}); err != nil {
		r.res.ResetWarning = err
		o.deps.Reporter.Warn("Failed to reset the topology config: %s", err)
	}

	return errors.Join(tunneledErr, localErr)
}

// deploy writes the run's artifacts and applies the deployment playbook to
// hosts.
func (o *Orchestrator) deploy(ctx context.Context, r *run, hosts, skipTags []string, msg string) error {
	return o.stage(r, StageDeploy, msg, func() error {
		inv, err := ansible.WriteInventory(o.opts.ArtifactDir, hosts)
		if inv != nil {
			r.inventory, r.resources.Inventory = inv, inv
		}
		if err != nil {
			return errors.Join(err, ErrDeployment)
		}

		vars := ansible.Variables(o.opts.Config.Variables(o.opts.Mode), o.opts.BaseDir)

		varsFile, err := ansible.WriteVariables(o.opts.ArtifactDir, vars)
		if varsFile != nil {
			r.variables, r.resources.Variables = varsFile, varsFile
		}
		if err != nil {
			return errors.Join(err, ErrDeployment)
		}

		if err := o.deps.Runner.Run(ctx, ansible.Playbook{
			Name:      ansible.DeployPlaybook,
			Inventory: inv.Path,
			Variables: varsFile.Path,
			SkipTags:  skipTags,
		}); err != nil {
			return errors.Join(err, ErrDeployment)
		}

		return nil
	})
}

// classify probes every host and records its outcome. Anomalies are
// reported and never stop the loop. Probe failures are collected and
// returned once every host was attempted.
func (o *Orchestrator) classify(
	ctx context.Context,
	r *run,
	hosts []string,
	fn func(host string, hops []string) route.Outcome,
) error {
	var errs []error

	for _, host := range hosts {
		hops, err := o.deps.Prober.Probe(ctx, host)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Join(append(errs, ctxErr)...)
			}
			errs = append(errs, err)
			continue
		}

		outcome := fn(host, hops)
		r.res.Outcomes = append(r.res.Outcomes, outcome)

		if !outcome.OK() {
			slog.Warn("route anomaly",
				"host", host,
				"kind", outcome.Kind,
				"hops", strings.Join(outcome.Observed, ","),
				"position", outcome.Position)
			o.deps.Reporter.Warn("%s", outcome.Message())
		}
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) teardown(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CleanupTimeout)
	defer cancel()

	if err := o.stage(r, StageCleanup, "Cleaning up...", func() error {
		return o.cleanup.Run(ctx, r.resources)
	}); err != nil {
		r.res.CleanupErr = err
		o.deps.Reporter.Warn("Failed to cleanup after the run: %s", err)
	}
}

// stage runs fn as stage s, reports its progress and records it.
func (o *Orchestrator) stage(r *run, s Stage, msg string, fn func() error) error {
	rec := StageRecord{Stage: s, Started: o.now()}
	o.deps.Reporter.Start(msg)

	err := fn()
	rec.Finished = o.now()

	if err != nil {
		rec.Err = &StageError{Stage: s, Err: err}
		r.res.Stages = append(r.res.Stages, rec)
		o.deps.Reporter.Fail(msg)
		slog.Debug("stage failed", "stage", s, "err", err)

		return rec.Err
	}

	r.res.Stages = append(r.res.Stages, rec)
	o.deps.Reporter.Done(msg)
	slog.Debug("stage done", "stage", s, "duration", rec.Duration())

	return nil
}

// poll calls fn every interval until it reports done. A zero timeout polls
// until ctx is done.
func poll(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// A check cut short by the deadline is a timeout, not a failure of the
	// check. The cause is kept as text only so that it is not classified.
	expired := func(cause error) error {
		if timeout <= 0 || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		if cause != nil {
			return errors.Join(fmt.Errorf("timeout=%s", timeout), fmt.Errorf("last check: %v", cause), ErrTimeout)
		}
		return errors.Join(fmt.Errorf("timeout=%s", timeout), ErrTimeout)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := fn(ctx)
		if err != nil {
			if terr := expired(err); terr != nil {
				return terr
			}
			return err
		}

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if terr := expired(nil); terr != nil {
				return terr
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
