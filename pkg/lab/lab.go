// Package lab defines the virtual-lab capability: labs made of nodes whose
// interfaces are wired together by links.
package lab

import (
	"context"
	"errors"
)

// Role is the kind of device a node emulates.
type Role string

const (
	RoleRouter            Role = "router"
	RoleFirewall          Role = "firewall"
	RoleSwitch            Role = "switch"
	RoleServer            Role = "server"
	RoleExternalConnector Role = "external-connector"
)

var (
	ErrLabNotFound       = errors.New("lab not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrUnsupportedRole   = errors.New("unsupported node role")
)

// Client creates and looks up labs on a lab controller.
type Client interface {
	// FindLabsByTitle returns every lab whose title equals title.
	FindLabsByTitle(ctx context.Context, title string) ([]Lab, error)
	// CreateLab allocates an empty lab.
	CreateLab(ctx context.Context, title, description string) (Lab, error)
}

// Lab is a named collection of nodes and links.
type Lab interface {
	Title() string

	CreateNode(ctx context.Context, name string, role Role) (Node, error)
	CreateLink(ctx context.Context, a, b Interface) error

	// Start boots every node.
	Start(ctx context.Context) error
	// Stop shuts every node down and returns once the controller confirms it.
	Stop(ctx context.Context) error
	// Wipe erases node runtime state and returns once it is done.
	Wipe(ctx context.Context) error
	// Remove deletes the lab from the controller.
	Remove(ctx context.Context) error
}

// Node is a device in a lab.
type Node interface {
	Name() string
	Role() Role

	// Interface returns the interface with the given label, e.g.
	// "GigabitEthernet0/1" or "port0".
	Interface(label string) (Interface, error)

	// SetConfig stores the configuration applied on first boot.
	SetConfig(ctx context.Context, config string) error

	HasConverged(ctx context.Context) (bool, error)
	IsBooted(ctx context.Context) (bool, error)
}

// Interface is a network port on a node.
type Interface interface {
	Node() Node
	Label() string

	// DiscoveredIPv4 returns the addresses the controller observed on this
	// interface, in discovery order.
	DiscoveredIPv4(ctx context.Context) ([]string, error)
}
