//go:build unit

package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/dst/internal/config"
	"github.com/alexandremahdhaoui/dst/pkg/ansible"
	"github.com/alexandremahdhaoui/dst/pkg/lab/labfake"
	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"
	"github.com/alexandremahdhaoui/dst/pkg/route"
	"github.com/alexandremahdhaoui/dst/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDocument = `
dst:
  custom_name: acme-dst
  domains: [example.com]
test:
  ansible_user: admin
  ansible_password: secret
  ansible_become_password: enable-secret
  group_policies: [GP-DST]
  local_hosts: [192.0.2.10]
  tunnel_hosts: [10.1.1.1, 10.1.1.2]
  canary_host: 198.51.100.1
  vpn_hop: 10.0.0.9
  %s
cml:
  host: lab.example.com
  user: cml
  pass: cml-pass
`

const productionDocument = `
dst:
  custom_name: acme-dst
  domains: [example.com]
production:
  ansible_user: admin
  ansible_password: secret
  ansible_become_password: enable-secret
  group_policies: [GP-DST]
  firewalls: [198.51.100.10, 198.51.100.11]
`

const gateway = "192.168.255.10"

var (
	canaryPath   = []string{"192.0.2.1", "192.0.2.254", "203.0.113.254"}
	tunneledPath = []string{"192.0.2.1", "172.16.0.1", "10.0.0.9"}
)

// ------------------------------------------------- MOCKS ---------------------------------------------------------- //

type runnerMock struct {
	mock.Mock
}

func (m *runnerMock) Run(ctx context.Context, p ansible.Playbook) error {
	return m.Called(ctx, p).Error(0)
}

type proberMock struct {
	mock.Mock
}

func (m *proberMock) Probe(ctx context.Context, host string) ([]string, error) {
	args := m.Called(ctx, host)
	hops, _ := args.Get(0).([]string)
	return hops, args.Error(1)
}

type checkerMock struct {
	mock.Mock
}

func (m *checkerMock) Reachable(ctx context.Context, addr string) (bool, error) {
	args := m.Called(ctx, addr)
	return args.Bool(0), args.Error(1)
}

type confirmerMock struct {
	mock.Mock
}

func (m *confirmerMock) Confirm(ctx context.Context, gw string) error {
	return m.Called(ctx, gw).Error(0)
}

type reporter struct {
	started  []string
	done     []string
	failed   []string
	warnings []string
	verdicts []bool
}

func (r *reporter) Start(msg string) { r.started = append(r.started, msg) }
func (r *reporter) Done(msg string)  { r.done = append(r.done, msg) }
func (r *reporter) Fail(msg string)  { r.failed = append(r.failed, msg) }
func (r *reporter) Warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}
func (r *reporter) Verdict(passed bool) { r.verdicts = append(r.verdicts, passed) }

// ------------------------------------------------- FIXTURE -------------------------------------------------------- //

func isPlaybook(name string) any {
	return mock.MatchedBy(func(p ansible.Playbook) bool { return p.Name == name })
}

type fixture struct {
	client    *labfake.Client
	runner    *runnerMock
	prober    *proberMock
	checker   *checkerMock
	confirmer *confirmerMock
	reporter  *reporter
	opts      orchestrator.Options

	// artifacts seen by the runner
	inventory string
	variables string
}

func writePayloads(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for _, node := range topology.Nodes {
		if node.ConfigFile == "" {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, node.ConfigFile), []byte("! "+node.Name), 0o600))
	}

	return dir
}

func newFixture(t *testing.T, doc string) *fixture {
	t.Helper()

	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	f := &fixture{
		client:    labfake.NewClient(),
		runner:    &runnerMock{},
		prober:    &proberMock{},
		checker:   &checkerMock{},
		confirmer: &confirmerMock{},
		reporter:  &reporter{},
	}

	f.client.OnCreate = func(l *labfake.Lab) {
		l.Addresses = map[string][]string{
			topology.GatewayNode + "/" + topology.GatewayInterface: {gateway},
		}
	}

	f.opts = orchestrator.DefaultOptions()
	f.opts.Mode = config.ModeTest
	f.opts.Config = cfg
	f.opts.BaseDir = "/srv/dst"
	f.opts.ArtifactDir = t.TempDir()
	f.opts.PollInterval = time.Millisecond
	f.opts.ReadyTimeout = time.Second
	f.opts.ReachTimeout = time.Second

	f.checker.On("Reachable", mock.Anything, mock.Anything).Return(true, nil)
	f.confirmer.On("Confirm", mock.Anything, mock.Anything).Return(nil)

	return f
}

// healthyTest configures a test run in which every route is as expected.
func healthyTest(t *testing.T) *fixture {
	t.Helper()

	f := newFixture(t, fmt.Sprintf(testDocument, ""))

	f.runner.On("Run", mock.Anything, isPlaybook(ansible.DeployPlaybook)).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(ansible.Playbook)
			f.inventory, f.variables = p.Inventory, p.Variables
		}).
		Return(nil).Once()
	f.runner.On("Run", mock.Anything, isPlaybook(ansible.ResetPlaybook)).Return(nil).Once()

	f.prober.On("Probe", mock.Anything, "198.51.100.1").Return(canaryPath, nil)
	f.prober.On("Probe", mock.Anything, "192.0.2.10").Return(canaryPath, nil)

	return f
}

func (f *fixture) run(t *testing.T) *orchestrator.Result {
	t.Helper()

	var topo orchestrator.Topology
	if f.opts.Mode == config.ModeTest {
		topo = topology.New(f.client, topology.Options{
			BaseConfigDir: writePayloads(t),
			PollInterval:  time.Millisecond,
		})
	}

	o := orchestrator.New(f.opts, orchestrator.Deps{
		Topology:  topo,
		Runner:    f.runner,
		Prober:    f.prober,
		Checker:   f.checker,
		Confirmer: f.confirmer,
		Reporter:  f.reporter,
	})

	return o.Run(context.Background())
}

func (f *fixture) lab(t *testing.T) *labfake.Lab {
	t.Helper()
	require.Len(t, f.client.Labs, 1)
	return f.client.Labs[0]
}

func stages(res *orchestrator.Result) []orchestrator.Stage {
	var out []orchestrator.Stage
	for _, rec := range res.Stages {
		out = append(out, rec.Stage)
	}
	return out
}

// ------------------------------------------------- TESTS ---------------------------------------------------------- //

func TestRun_Pass(t *testing.T) {
	f := healthyTest(t)
	f.prober.On("Probe", mock.Anything, "10.1.1.1").Return(tunneledPath, nil)
	f.prober.On("Probe", mock.Anything, "10.1.1.2").Return([]string{"192.0.2.1", "10.1.1.2"}, nil)

	res := f.run(t)

	require.NoError(t, res.Err)
	assert.Equal(t, orchestrator.StatusPass, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, gateway, res.Gateway)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Outcomes, 3)
	assert.Empty(t, res.Anomalies())

	assert.Equal(t, []orchestrator.Stage{
		orchestrator.StageValidate,
		orchestrator.StageProvision,
		orchestrator.StageStart,
		orchestrator.StageAwaitReady,
		orchestrator.StageResolveGateway,
		orchestrator.StageAwaitReachable,
		orchestrator.StageDeploy,
		orchestrator.StageBaseline,
		orchestrator.StageAwaitConfirmation,
		orchestrator.StageClassifyTunneled,
		orchestrator.StageClassifyLocal,
		orchestrator.StageReset,
		orchestrator.StageCleanup,
	}, stages(res))
	assert.Equal(t, f.reporter.started, f.reporter.done)
	assert.Equal(t, []bool{true}, f.reporter.verdicts)

	assert.True(t, f.lab(t).Removed())
	assert.NoFileExists(t, f.inventory)
	assert.NoFileExists(t, f.variables)

	f.runner.AssertExpectations(t)
	f.confirmer.AssertCalled(t, "Confirm", mock.Anything, gateway)
	f.checker.AssertCalled(t, "Reachable", mock.Anything, gateway)
}

func TestRun_Anomaly(t *testing.T) {
	f := healthyTest(t)
	f.prober.On("Probe", mock.Anything, "10.1.1.1").Return([]string{"192.0.2.1", "192.0.2.254", "203.0.113.1"}, nil)
	f.prober.On("Probe", mock.Anything, "10.1.1.2").Return(tunneledPath, nil)

	res := f.run(t)

	require.NoError(t, res.Err)
	assert.Equal(t, orchestrator.StatusFail, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []bool{false}, f.reporter.verdicts)

	anomalies := res.Anomalies()
	require.Len(t, anomalies, 1)
	assert.Equal(t, "10.1.1.1", anomalies[0].Host)
	assert.Equal(t, 2, anomalies[0].Position)
	assert.Contains(t, f.reporter.warnings, anomalies[0].Message())

	// every host is still classified and the run still resets and cleans up
	assert.Len(t, res.Outcomes, 3)
	f.runner.AssertExpectations(t)
	assert.True(t, f.lab(t).Removed())
	assert.NoFileExists(t, f.inventory)
}

func TestRun_LocalAnomaly(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.runner.On("Run", mock.Anything, mock.Anything).Return(nil)
	f.prober.On("Probe", mock.Anything, "198.51.100.1").Return(canaryPath, nil)
	f.prober.On("Probe", mock.Anything, "10.1.1.1").Return(tunneledPath, nil)
	f.prober.On("Probe", mock.Anything, "10.1.1.2").Return(tunneledPath, nil)
	f.prober.On("Probe", mock.Anything, "192.0.2.10").Return(tunneledPath, nil)

	res := f.run(t)

	assert.Equal(t, orchestrator.StatusFail, res.Status)
	require.Len(t, res.Anomalies(), 1)
	assert.Equal(t, route.Local, res.Anomalies()[0].Kind)
	assert.Equal(t, 1, res.Anomalies()[0].Position)
}

func TestRun_ValidationError(t *testing.T) {
	f := newFixture(t, `
dst: {custom_name: acme, domains: [example.com]}
test: {ansible_user: admin}
`)

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrConfigValidation)
	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, f.client.Labs)
	assert.Empty(t, f.client.FindCalls)
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	assert.Equal(t, []orchestrator.Stage{orchestrator.StageValidate, orchestrator.StageCleanup}, stages(res))
	assert.Empty(t, f.reporter.verdicts)
}

func TestRun_ProvisioningError(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.client.OnCreate = func(l *labfake.Lab) { l.StartErr = errors.New("controller unavailable") }

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrProvisioning)
	var stageErr *orchestrator.StageError
	require.ErrorAs(t, res.Err, &stageErr)
	assert.Equal(t, orchestrator.StageStart, stageErr.Stage)

	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.NoError(t, res.CleanupErr)
	assert.True(t, f.lab(t).Removed())
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRun_CreateFailsBeforeLabExists(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.client.CreateErr = errors.New("quota exceeded")

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrProvisioning)
	assert.NoError(t, res.CleanupErr)
	assert.Empty(t, f.client.Labs)
}

func TestRun_ReadyTimeout(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.client.OnCreate = func(l *labfake.Lab) { l.ConvergeAfter = 1 << 30 }
	f.opts.ReadyTimeout = 20 * time.Millisecond

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrTimeout)
	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.True(t, f.lab(t).Removed())
}

func TestRun_ReadyCheckCutByTimeout(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.client.OnCreate = func(l *labfake.Lab) { l.BlockConvergence = true }
	f.opts.ReadyTimeout = 20 * time.Millisecond

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrTimeout)
	assert.NotErrorIs(t, res.Err, orchestrator.ErrProvisioning)
	var stageErr *orchestrator.StageError
	require.ErrorAs(t, res.Err, &stageErr)
	assert.Equal(t, orchestrator.StageAwaitReady, stageErr.Stage)
	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.True(t, f.lab(t).Removed())
}

func TestRun_ReachTimeout(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.checker = &checkerMock{}
	f.checker.On("Reachable", mock.Anything, gateway).Return(false, nil)
	f.opts.ReachTimeout = 20 * time.Millisecond

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrTimeout)
	assert.True(t, f.lab(t).Removed())
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestRun_GatewayFallback(t *testing.T) {
	f := healthyTest(t)
	f.client.OnCreate = nil
	f.opts.Config.Test.FirewallIP = "192.168.255.2"
	f.prober.On("Probe", mock.Anything, mock.Anything).Return(tunneledPath, nil)

	res := f.run(t)

	require.NoError(t, res.Err)
	assert.Equal(t, "192.168.255.2", res.Gateway)
	f.confirmer.AssertCalled(t, "Confirm", mock.Anything, "192.168.255.2")
}

func TestRun_NoGateway(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.client.OnCreate = nil

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrProvisioning)
	assert.ErrorContains(t, res.Err, "firewall_ip")
	assert.True(t, f.lab(t).Removed())
}

func TestRun_DeploymentError(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))

	failure := &ansible.TaskFailure{Task: "Push split-tunnel ACL", Host: gateway, Message: "command timeout"}
	f.runner.On("Run", mock.Anything, isPlaybook(ansible.DeployPlaybook)).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(ansible.Playbook)
			f.inventory, f.variables = p.Inventory, p.Variables
		}).
		Return(failure)

	res := f.run(t)

	assert.ErrorIs(t, res.Err, orchestrator.ErrDeployment)
	var got *ansible.TaskFailure
	require.ErrorAs(t, res.Err, &got)
	assert.Equal(t, gateway, got.Host)

	f.runner.AssertNotCalled(t, "Run", mock.Anything, isPlaybook(ansible.ResetPlaybook))
	f.prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
	assert.True(t, f.lab(t).Removed())
	assert.NoFileExists(t, f.inventory)
	assert.NoFileExists(t, f.variables)
}

func TestRun_ResetWarning(t *testing.T) {
	f := newFixture(t, fmt.Sprintf(testDocument, ""))
	f.runner.On("Run", mock.Anything, isPlaybook(ansible.DeployPlaybook)).Return(nil)
	f.runner.On("Run", mock.Anything, isPlaybook(ansible.ResetPlaybook)).Return(errors.New("unreachable"))
	f.prober.On("Probe", mock.Anything, "198.51.100.1").Return(canaryPath, nil)
	f.prober.On("Probe", mock.Anything, "192.0.2.10").Return(canaryPath, nil)
	f.prober.On("Probe", mock.Anything, mock.Anything).Return(tunneledPath, nil)

	res := f.run(t)

	assert.NoError(t, res.Err)
	assert.Error(t, res.ResetWarning)
	assert.Equal(t, orchestrator.StatusPass, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, f.reporter.warnings, 1)
}

func TestRun_CleanupFailure(t *testing.T) {
	f := healthyTest(t)
	f.client.OnCreate = func(l *labfake.Lab) {
		l.Addresses = map[string][]string{topology.GatewayNode + "/" + topology.GatewayInterface: {gateway}}
		l.RemoveErr = errors.New("lab locked")
	}
	f.prober.On("Probe", mock.Anything, mock.Anything).Return(tunneledPath, nil)

	res := f.run(t)

	assert.NoError(t, res.Err)
	assert.ErrorIs(t, res.CleanupErr, orchestrator.ErrCleanup)
	assert.Equal(t, orchestrator.StatusPass, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.NoFileExists(t, f.inventory)
}

func TestRun_ConfirmationCancelled(t *testing.T) {
	f := healthyTest(t)
	f.confirmer = &confirmerMock{}
	f.confirmer.On("Confirm", mock.Anything, gateway).Return(context.Canceled)

	res := f.run(t)

	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, orchestrator.StatusError, res.Status)
	assert.Empty(t, res.Outcomes)
	assert.True(t, f.lab(t).Removed())
	f.runner.AssertNotCalled(t, "Run", mock.Anything, isPlaybook(ansible.ResetPlaybook))
}

func TestRun_Production(t *testing.T) {
	f := newFixture(t, productionDocument)
	f.opts.Mode = config.ModeProduction

	var inventory []byte
	f.runner.On("Run", mock.Anything, isPlaybook(ansible.DeployPlaybook)).
		Run(func(args mock.Arguments) {
			p := args.Get(1).(ansible.Playbook)
			f.inventory, f.variables = p.Inventory, p.Variables
			inventory, _ = os.ReadFile(p.Inventory)
		}).
		Return(nil).Once()

	res := f.run(t)

	require.NoError(t, res.Err)
	assert.Equal(t, orchestrator.StatusPass, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(inventory), "198.51.100.10")
	assert.Contains(t, string(inventory), "198.51.100.11")
	assert.Equal(t, []orchestrator.Stage{
		orchestrator.StageValidate,
		orchestrator.StageDeploy,
		orchestrator.StageCleanup,
	}, stages(res))

	f.runner.AssertCalled(t, "Run", mock.Anything, mock.MatchedBy(func(p ansible.Playbook) bool {
		return len(p.SkipTags) == 1 && p.SkipTags[0] == "test"
	}))
	assert.Empty(t, f.client.Labs)
	assert.Empty(t, f.reporter.verdicts)
	assert.NoFileExists(t, f.inventory)
	assert.NoFileExists(t, f.variables)
}
