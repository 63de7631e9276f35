// Package labfake provides an in-memory virtual lab for tests. Failures and
// convergence delays are scripted through exported fields.
package labfake

import (
	"context"
	"sync"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
)

var (
	_ lab.Client    = &Client{}
	_ lab.Lab       = &Lab{}
	_ lab.Node      = &Node{}
	_ lab.Interface = &Interface{}
)

// Client is a fake lab controller.
type Client struct {
	mu sync.Mutex

	// Taken lists titles that FindLabsByTitle reports as existing.
	Taken map[string]bool
	// FindErr and CreateErr are returned by the matching calls when set.
	FindErr   error
	CreateErr error
	// OnCreate is called with every new lab, before it is returned.
	OnCreate func(*Lab)

	Labs      []*Lab
	FindCalls []string
}

// NewClient returns an empty fake controller.
func NewClient() *Client {
	return &Client{Taken: make(map[string]bool)}
}

// FindLabsByTitle implements lab.Client.
func (c *Client) FindLabsByTitle(_ context.Context, title string) ([]lab.Lab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.FindCalls = append(c.FindCalls, title)
	if c.FindErr != nil {
		return nil, c.FindErr
	}

	var out []lab.Lab
	if c.Taken[title] {
		out = append(out, &Lab{title: title})
	}
	for _, l := range c.Labs {
		if l.title == title && !l.removed {
			out = append(out, l)
		}
	}

	return out, nil
}

// CreateLab implements lab.Client.
func (c *Client) CreateLab(_ context.Context, title, description string) (lab.Lab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CreateErr != nil {
		return nil, c.CreateErr
	}

	l := &Lab{
		title:       title,
		Description: description,
		Nodes:       make(map[string]*Node),
		Calls:       make(map[string]int),
	}
	if c.OnCreate != nil {
		c.OnCreate(l)
	}

	c.Labs = append(c.Labs, l)

	return l, nil
}

// Link is a recorded link.
type Link struct {
	A, B lab.Interface
}

// Lab is a fake lab. Errors set on it are returned by the matching call.
type Lab struct {
	mu sync.Mutex

	title       string
	Description string
	Nodes       map[string]*Node
	NodeOrder   []string
	Links       []Link

	CreateNodeErr error
	CreateLinkErr error
	StartErr      error
	StopErr       error
	WipeErr       error
	RemoveErr     error

	// ConvergeAfter makes every node report convergence only after that
	// many HasConverged calls.
	ConvergeAfter int
	// BlockConvergence makes HasConverged block until its context is done
	// and return the context error.
	BlockConvergence bool
	// Addresses maps "node/label" to the discovered IPv4 addresses.
	Addresses map[string][]string

	Calls   map[string]int
	started bool
	removed bool
}

// Title implements lab.Lab.
func (l *Lab) Title() string { return l.title }

// Started reports whether the lab is running.
func (l *Lab) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Removed reports whether Remove succeeded.
func (l *Lab) Removed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removed
}

// CallCount returns how many times op was called.
func (l *Lab) CallCount(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Calls[op]
}

func (l *Lab) record(op string) {
	if l.Calls == nil {
		l.Calls = make(map[string]int)
	}
	l.Calls[op]++
}

// CreateNode implements lab.Lab.
func (l *Lab) CreateNode(_ context.Context, name string, role lab.Role) (lab.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("CreateNode")
	if l.CreateNodeErr != nil {
		return nil, l.CreateNodeErr
	}

	if l.Nodes == nil {
		l.Nodes = make(map[string]*Node)
	}

	n := &Node{lab: l, name: name, role: role}
	l.Nodes[name] = n
	l.NodeOrder = append(l.NodeOrder, name)

	return n, nil
}

// CreateLink implements lab.Lab.
func (l *Lab) CreateLink(_ context.Context, a, b lab.Interface) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("CreateLink")
	if l.CreateLinkErr != nil {
		return l.CreateLinkErr
	}

	l.Links = append(l.Links, Link{A: a, B: b})

	return nil
}

// Start implements lab.Lab.
func (l *Lab) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("Start")
	if l.StartErr != nil {
		return l.StartErr
	}

	l.started = true

	return nil
}

// Stop implements lab.Lab.
func (l *Lab) Stop(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("Stop")
	if l.StopErr != nil {
		return l.StopErr
	}

	l.started = false

	return nil
}

// Wipe implements lab.Lab.
func (l *Lab) Wipe(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("Wipe")

	return l.WipeErr
}

// Remove implements lab.Lab.
func (l *Lab) Remove(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record("Remove")
	if l.RemoveErr != nil {
		return l.RemoveErr
	}

	l.removed = true

	return nil
}

// Node is a fake node.
type Node struct {
	lab  *Lab
	name string
	role lab.Role

	Config string
	polls  int
}

// Name implements lab.Node.
func (n *Node) Name() string { return n.name }

// Role implements lab.Node.
func (n *Node) Role() lab.Role { return n.role }

// Interface implements lab.Node. Every label exists.
func (n *Node) Interface(label string) (lab.Interface, error) {
	return &Interface{node: n, label: label}, nil
}

// SetConfig implements lab.Node.
func (n *Node) SetConfig(_ context.Context, config string) error {
	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	n.Config = config

	return nil
}

// HasConverged implements lab.Node.
func (n *Node) HasConverged(ctx context.Context) (bool, error) {
	n.lab.mu.Lock()
	block := n.lab.BlockConvergence
	n.lab.mu.Unlock()

	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}

	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	if !n.lab.started {
		return false, nil
	}

	n.polls++

	return n.polls > n.lab.ConvergeAfter, nil
}

// IsBooted implements lab.Node.
func (n *Node) IsBooted(_ context.Context) (bool, error) {
	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	return n.lab.started, nil
}

// Interface is a fake node port.
type Interface struct {
	node  *Node
	label string
}

// Node implements lab.Interface.
func (i *Interface) Node() lab.Node { return i.node }

// Label implements lab.Interface.
func (i *Interface) Label() string { return i.label }

// DiscoveredIPv4 implements lab.Interface.
func (i *Interface) DiscoveredIPv4(_ context.Context) ([]string, error) {
	i.node.lab.mu.Lock()
	defer i.node.lab.mu.Unlock()

	return i.node.lab.Addresses[i.node.name+"/"+i.label], nil
}
