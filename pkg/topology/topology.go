// Package topology owns the lifecycle of the split-tunnel test lab: a fixed
// set of nodes and links built on a virtual-lab controller, started, polled
// for readiness, and torn down in stop, wipe, remove order.
package topology

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

var (
	ErrConfigurationMissing = errors.New("configuration payload missing")
	ErrNotStarted           = errors.New("topology has not been started")
	ErrNotConverged         = errors.New("node has not converged")
	ErrInvalidState         = errors.New("invalid topology state")
)

// State is a lifecycle state.
type State string

const (
	Unbuilt State = "unbuilt"
	Built   State = "built"
	Started State = "started"
	Stopped State = "stopped"
	Wiped   State = "wiped"
	Removed State = "removed"
)

const (
	// TitlePrefix starts the title of every test lab.
	TitlePrefix = "Dynamic Split Tunnel Test-"

	// GatewayNode and GatewayInterface locate the VPN gateway's management
	// address.
	GatewayNode      = "HQ Firewall"
	GatewayInterface = "Management0/0"

	suffixLen           = 8
	defaultPollInterval = time.Second
)

// NodeSpec is one node of the test topology.
type NodeSpec struct {
	Name string
	Role lab.Role
	// ConfigFile is relative to the base configuration directory. Empty
	// when the node takes no configuration.
	ConfigFile string
}

// Endpoint is a node port.
type Endpoint struct {
	Node  string
	Label string
}

// LinkSpec wires two ports together.
type LinkSpec struct {
	A, B Endpoint
}

// Nodes is the node table of the test topology.
var Nodes = []NodeSpec{
	{Name: "Internet Router", Role: lab.RoleRouter, ConfigFile: "internet_router.txt"},
	{Name: GatewayNode, Role: lab.RoleFirewall, ConfigFile: "hq_firewall.txt"},
	{Name: "HQ Switch", Role: lab.RoleSwitch},
	{Name: "HQ Server", Role: lab.RoleServer, ConfigFile: "hq_server.txt"},
	{Name: "Internet", Role: lab.RoleExternalConnector},
	{Name: "OOB Management", Role: lab.RoleExternalConnector, ConfigFile: "oob_management.txt"},
}

// Links is the link table of the test topology.
var Links = []LinkSpec{
	{A: Endpoint{"Internet Router", "GigabitEthernet0/0"}, B: Endpoint{"Internet", "port"}},
	{A: Endpoint{"Internet Router", "GigabitEthernet0/1"}, B: Endpoint{GatewayNode, "GigabitEthernet0/0"}},
	{A: Endpoint{GatewayNode, "GigabitEthernet0/1"}, B: Endpoint{"HQ Switch", "port0"}},
	{A: Endpoint{GatewayNode, GatewayInterface}, B: Endpoint{"OOB Management", "port"}},
	{A: Endpoint{"HQ Switch", "port1"}, B: Endpoint{"HQ Server", "enp0s2"}},
}

// Options configures a Topology.
type Options struct {
	// BaseConfigDir holds the per-node configuration payloads.
	BaseConfigDir string
	// PollInterval is used by GatewayAddress when waiting for convergence.
	PollInterval time.Duration
	Logger       logr.Logger
	// Suffix generates the random part of the lab title.
	Suffix func() string
	// Now is used for the lab description.
	Now func() time.Time
}

// Topology drives one test lab through its lifecycle. It is owned by a
// single run and holds its own node table.
type Topology struct {
	client lab.Client
	opts   Options
	log    logr.Logger

	mu    sync.Mutex
	state State
	lab   lab.Lab
	nodes map[string]lab.Node
}

// New returns an unbuilt topology.
func New(client lab.Client, opts Options) *Topology {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Suffix == nil {
		opts.Suffix = RandomSuffix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}

	return &Topology{
		client: client,
		opts:   opts,
		log:    opts.Logger.WithName("topology"),
		state:  Unbuilt,
		nodes:  make(map[string]lab.Node),
	}
}

// RandomSuffix returns 8 random lowercase alphanumeric characters.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// State returns the current lifecycle state.
func (t *Topology) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Title returns the lab title, empty before Create.
func (t *Topology) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lab == nil {
		return ""
	}

	return t.lab.Title()
}

// Create allocates a uniquely named lab, creates every node, wires the
// links and applies the configuration payloads. The topology is Built as
// soon as the lab exists, so a partially created lab can still be torn down.
func (t *Topology) Create(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Unbuilt {
		return errors.Join(fmt.Errorf("state=%s, op=create", t.state), ErrInvalidState)
	}

	payloads, err := t.readPayloads()
	if err != nil {
		return err
	}

	title, err := t.uniqueTitle(ctx)
	if err != nil {
		return err
	}

	description := fmt.Sprintf(
		"This lab is for testing a Dynamic Split Tunnel config change (created at: %s)",
		t.opts.Now().Format(time.ANSIC),
	)

	l, err := t.client.CreateLab(ctx, title, description)
	if err != nil {
		return fmt.Errorf("creating lab %q: %w", title, err)
	}

	t.lab = l
	t.state = Built
	t.log.Info("created lab", "title", title)

	for _, spec := range Nodes {
		node, err := l.CreateNode(ctx, spec.Name, spec.Role)
		if err != nil {
			return fmt.Errorf("creating node %q: %w", spec.Name, err)
		}

		t.nodes[spec.Name] = node
	}

	for _, spec := range Links {
		if err := t.link(ctx, spec); err != nil {
			return err
		}
	}

	for _, spec := range Nodes {
		payload, ok := payloads[spec.Name]
		if !ok {
			continue
		}

		if err := t.nodes[spec.Name].SetConfig(ctx, payload); err != nil {
			return fmt.Errorf("configuring node %q: %w", spec.Name, err)
		}
	}

	t.log.V(1).Info("wired topology", "nodes", len(Nodes), "links", len(Links))

	return nil
}

func (t *Topology) readPayloads() (map[string]string, error) {
	out := make(map[string]string)

	for _, spec := range Nodes {
		if spec.ConfigFile == "" {
			continue
		}

		path := filepath.Join(t.opts.BaseConfigDir, spec.ConfigFile)

		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(fmt.Errorf("node=%s, path=%s", spec.Name, path), ErrConfigurationMissing)
		} else if err != nil {
			return nil, fmt.Errorf("reading configuration of node %q: %w", spec.Name, err)
		}

		out[spec.Name] = string(b)
	}

	return out, nil
}

func (t *Topology) uniqueTitle(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		title := TitlePrefix + t.opts.Suffix()

		labs, err := t.client.FindLabsByTitle(ctx, title)
		if err != nil {
			return "", fmt.Errorf("looking up lab %q: %w", title, err)
		}

		if len(labs) == 0 {
			return title, nil
		}

		t.log.V(1).Info("lab title taken, regenerating", "title", title)
	}
}

func (t *Topology) link(ctx context.Context, spec LinkSpec) error {
	a, err := t.iface(spec.A)
	if err != nil {
		return err
	}

	b, err := t.iface(spec.B)
	if err != nil {
		return err
	}

	if err := t.lab.CreateLink(ctx, a, b); err != nil {
		return fmt.Errorf("linking %s %s to %s %s: %w", spec.A.Node, spec.A.Label, spec.B.Node, spec.B.Label, err)
	}

	return nil
}

func (t *Topology) iface(ep Endpoint) (lab.Interface, error) {
	node, ok := t.nodes[ep.Node]
	if !ok {
		return nil, errors.Join(fmt.Errorf("node=%s", ep.Node), lab.ErrNodeNotFound)
	}

	return node.Interface(ep.Label)
}

// Start boots the lab. It is a no-op when already started.
func (t *Topology) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Started:
		return nil
	case Built, Stopped:
	default:
		return errors.Join(fmt.Errorf("state=%s, op=start", t.state), ErrInvalidState)
	}

	if err := t.lab.Start(ctx); err != nil {
		return fmt.Errorf("starting lab %q: %w", t.lab.Title(), err)
	}

	t.state = Started
	t.log.Info("started lab", "title", t.lab.Title())

	return nil
}

// Stop shuts the lab down and blocks until the controller confirms it. It
// is a no-op when not started.
func (t *Topology) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Started {
		return nil
	}

	if err := t.lab.Stop(ctx); err != nil {
		return fmt.Errorf("stopping lab %q: %w", t.lab.Title(), err)
	}

	t.state = Stopped
	t.log.Info("stopped lab", "title", t.lab.Title())

	return nil
}

// IsReady reports whether every node has converged and booted. It does not
// block; callers poll it.
func (t *Topology) IsReady(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Started {
		return false, ErrNotStarted
	}

	for _, spec := range Nodes {
		node := t.nodes[spec.Name]

		converged, err := node.HasConverged(ctx)
		if err != nil {
			return false, fmt.Errorf("checking convergence of %q: %w", spec.Name, err)
		}

		booted, err := node.IsBooted(ctx)
		if err != nil {
			return false, fmt.Errorf("checking boot state of %q: %w", spec.Name, err)
		}

		if !converged || !booted {
			t.log.V(1).Info("node not ready", "node", spec.Name, "converged", converged, "booted", booted)
			return false, nil
		}
	}

	return true, nil
}

// GatewayAddress returns the first IPv4 address discovered on the gateway's
// management interface, or "" when none was assigned. Without wait it fails
// with ErrNotConverged if the gateway has not converged yet; with wait it
// polls until convergence or until ctx is done. The topology is only locked
// during each check, so Stop and State are not held up by the wait.
func (t *Topology) GatewayAddress(ctx context.Context, wait bool) (string, error) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		addr, converged, err := t.gatewayAddress(ctx)
		if err != nil || converged {
			return addr, err
		}

		if !wait {
			return "", errors.Join(fmt.Errorf("node=%s", GatewayNode), ErrNotConverged)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// gatewayAddress checks the gateway once. The address is only read once the
// gateway has converged.
func (t *Topology) gatewayAddress(ctx context.Context) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Started {
		return "", false, ErrNotStarted
	}

	gateway := t.nodes[GatewayNode]

	converged, err := gateway.HasConverged(ctx)
	if err != nil {
		return "", false, fmt.Errorf("checking convergence of %q: %w", GatewayNode, err)
	}

	if !converged {
		return "", false, nil
	}

	iface, err := gateway.Interface(GatewayInterface)
	if err != nil {
		return "", true, err
	}

	addrs, err := iface.DiscoveredIPv4(ctx)
	if err != nil {
		return "", true, fmt.Errorf("reading addresses of %s %s: %w", GatewayNode, GatewayInterface, err)
	}

	if len(addrs) == 0 {
		return "", true, nil
	}

	return addrs[0], true, nil
}

// Wipe erases node state. It fails with ErrInvalidState while started and
// is a no-op once wiped.
func (t *Topology) Wipe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Wiped:
		return nil
	case Built, Stopped:
	default:
		return errors.Join(fmt.Errorf("state=%s, op=wipe", t.state), ErrInvalidState)
	}

	if err := t.lab.Wipe(ctx); err != nil {
		return fmt.Errorf("wiping lab %q: %w", t.lab.Title(), err)
	}

	t.state = Wiped
	t.log.Info("wiped lab", "title", t.lab.Title())

	return nil
}

// Remove deletes the lab. It fails with ErrInvalidState unless wiped.
func (t *Topology) Remove(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Wiped {
		return errors.Join(fmt.Errorf("state=%s, op=remove", t.state), ErrInvalidState)
	}

	if err := t.lab.Remove(ctx); err != nil {
		return fmt.Errorf("removing lab %q: %w", t.lab.Title(), err)
	}

	t.state = Removed
	t.log.Info("removed lab", "title", t.lab.Title())

	return nil
}
