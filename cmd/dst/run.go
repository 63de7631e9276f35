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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alexandremahdhaoui/dst/internal/config"
	"github.com/alexandremahdhaoui/dst/internal/history"
	"github.com/alexandremahdhaoui/dst/internal/metrics"
	"github.com/alexandremahdhaoui/dst/internal/report"
	"github.com/alexandremahdhaoui/dst/internal/util/progress"
	"github.com/alexandremahdhaoui/dst/internal/util/ssh"
	"github.com/alexandremahdhaoui/dst/pkg/ansible"
	"github.com/alexandremahdhaoui/dst/pkg/confirm"
	"github.com/alexandremahdhaoui/dst/pkg/lab/libvirt"
	"github.com/alexandremahdhaoui/dst/pkg/orchestrator"
	"github.com/alexandremahdhaoui/dst/pkg/reach"
	"github.com/alexandremahdhaoui/dst/pkg/route"
	"github.com/alexandremahdhaoui/dst/pkg/topology"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

func newDeployCmd(a *app) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the split-tunnel configuration to the production firewalls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			opts := orchestrator.DefaultOptions()
			opts.Mode = config.ModeProduction
			opts.Config = cfg

			o := orchestrator.New(opts, orchestrator.Deps{
				Runner:   &ansible.PlaybookRunner{},
				Reporter: progress.NewConsole(a.out),
			})

			a.execute(cmd.Context(), o)

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the configuration file")

	return cmd
}

type testFlags struct {
	configPath    string
	baseConfigDir string
	confirm       string
	privileged    bool
	opts          orchestrator.Options
}

func newTestCmd(a *app) *cobra.Command {
	f := &testFlags{opts: orchestrator.DefaultOptions()}

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Provision a lab, deploy the split-tunnel configuration and verify the routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.test(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to the configuration file")
	cmd.Flags().StringVarP(&f.baseConfigDir, "base-config-dir", "b", "base_configs",
		"directory containing the per-node configuration payloads")
	cmd.Flags().DurationVar(&f.opts.ReadyTimeout, "ready-timeout", orchestrator.DefaultReadyTimeout,
		"maximum time to wait for the lab to be ready, 0 waits forever")
	cmd.Flags().DurationVar(&f.opts.ReachTimeout, "reach-timeout", orchestrator.DefaultReachTimeout,
		"maximum time to wait for the firewall to answer, 0 waits forever")
	cmd.Flags().DurationVar(&f.opts.PollInterval, "poll-interval", orchestrator.DefaultPollInterval,
		"interval between readiness and reachability checks")
	cmd.Flags().StringVar(&f.confirm, "confirm", "console",
		"how the VPN connection is confirmed: console, auto or wireguard:<interface>")
	cmd.Flags().BoolVar(&f.privileged, "privileged-icmp", false, "use raw sockets for reachability checks")

	return cmd
}

func (a *app) test(ctx context.Context, f *testFlags) error {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}

	// Nothing is contacted before the document is known to be complete.
	if err := cfg.Validate(config.ModeTest); err != nil {
		return err
	}

	// Prompts go through the reporter so the spinner never draws over them.
	rep := progress.NewConsole(a.out)

	confirmer, err := confirm.Parse(f.confirm, rep)
	if err != nil {
		return err
	}

	tracer, err := newTracer(cfg.Test.Client)
	if err != nil {
		return err
	}

	client, err := libvirt.New(libvirtOptions(cfg.CML, f.opts))
	if err != nil {
		return errors.Join(fmt.Errorf("failed to connect to the lab controller at %s", cfg.CML.Host), err,
			orchestrator.ErrProvisioning)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("closing lab controller connection", "err", err)
		}
	}()

	topo := topology.New(client, topology.Options{
		BaseConfigDir: f.baseConfigDir,
		PollInterval:  f.opts.PollInterval,
		Logger:        a.log.WithName("topology"),
	})

	opts := f.opts
	opts.Mode = config.ModeTest
	opts.Config = cfg

	o := orchestrator.New(opts, orchestrator.Deps{
		Topology:  topo,
		Runner:    &ansible.PlaybookRunner{},
		Prober:    &route.Prober{Tracer: tracer},
		Checker:   &reach.ICMPChecker{Privileged: f.privileged},
		Confirmer: confirmer,
		Reporter:  rep,
	})

	a.execute(ctx, o)

	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s does not exist", path)
	}

	return config.Load(path)
}

func libvirtOptions(c *config.CML, opts orchestrator.Options) libvirt.Options {
	out := libvirt.Options{
		URI:          libvirt.URI(c.Host, c.User),
		User:         c.User,
		Password:     c.Password,
		StateDir:     c.StateDir,
		PollInterval: opts.PollInterval,
	}

	if c.Images != nil {
		out.Images = libvirt.Images{
			Router:   c.Images.Router,
			Firewall: c.Images.Firewall,
			Server:   c.Images.Server,
		}
	}

	return out
}

// newTracer traces from the remote test client when one is configured, and
// from this host otherwise.
func newTracer(c *config.Client) (route.Tracer, error) {
	if c == nil {
		return route.ExecTracer{}, nil
	}

	sc, err := ssh.NewClient(c.Host, c.User, c.Key, c.Port)
	if err != nil {
		return nil, err
	}

	return route.RemoteTracer{Runner: sc}, nil
}

// execute runs o, reports its primary error, records it and sets the exit
// code.
func (a *app) execute(ctx context.Context, o *orchestrator.Orchestrator) {
	res := o.Run(ctx)

	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", res.Err)
	}

	a.record(context.WithoutCancel(ctx), res)
	a.exitCode = res.ExitCode
}

func (a *app) record(ctx context.Context, res *orchestrator.Result) {
	if a.historyPath != "" {
		if err := recordHistory(ctx, a.historyPath, res); err != nil {
			slog.Warn("failed to record run history", "err", err)
		}
	}

	if a.metricsFile != "" {
		m := metrics.New()
		m.Observe(res)

		if err := m.WriteTextfile(a.metricsFile); err != nil {
			slog.Warn("failed to write metrics", "err", err)
		}
	}

	if a.reportDir != "" {
		dir, err := report.NewReporter(a.reportDir).Write(res, report.FormatJSON, report.FormatText)
		if err != nil {
			slog.Warn("failed to write run report", "err", err)
			return
		}

		fmt.Fprintf(a.out, "Report written to %s\n", dir)
	}
}

func recordHistory(ctx context.Context, path string, res *orchestrator.Result) error {
	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Record(ctx, history.FromResult(res))
}
