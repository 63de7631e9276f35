package libvirt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"libvirt.org/go/libvirt"
)

var errListAddresses = errors.New("failed to list interface addresses")

var (
	_ lab.Node      = &Node{}
	_ lab.Interface = &Interface{}
)

// Node is a lab node.
type Node struct {
	lab  *Lab
	name string
	role lab.Role
}

// Name implements lab.Node.
func (n *Node) Name() string { return n.name }

// Role implements lab.Node.
func (n *Node) Role() lab.Role { return n.role }

// Interface implements lab.Node.
func (n *Node) Interface(label string) (lab.Interface, error) {
	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	rec := n.lab.rec.node(n.name)
	if rec == nil {
		return nil, errors.Join(fmt.Errorf("node=%s", n.name), lab.ErrNodeNotFound)
	}

	if rec.iface(label) == nil {
		return nil, errors.Join(fmt.Errorf("node=%s, label=%s", n.name, label), lab.ErrInterfaceNotFound)
	}

	return &Interface{node: n, label: label}, nil
}

// SetConfig implements lab.Node. The configuration is written to the config
// drive on the next start.
func (n *Node) SetConfig(_ context.Context, config string) error {
	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	rec := n.lab.rec.node(n.name)
	if rec == nil {
		return errors.Join(fmt.Errorf("node=%s", n.name), lab.ErrNodeNotFound)
	}

	rec.Config = config

	return n.lab.client.store.Save(n.lab.rec)
}

// IsBooted implements lab.Node. Domains are booted when running; switches
// and external connectors when their network is active.
func (n *Node) IsBooted(_ context.Context) (bool, error) {
	n.lab.mu.Lock()
	defer n.lab.mu.Unlock()

	rec := n.lab.rec.node(n.name)
	if rec == nil {
		return false, errors.Join(fmt.Errorf("node=%s", n.name), lab.ErrNodeNotFound)
	}

	switch rec.Role {
	case lab.RoleSwitch:
		return n.networkActive(switchNetworkName(n.lab.rec.ID, rec.Name))
	case lab.RoleExternalConnector:
		return n.networkActive(connectorNetwork(rec))
	}

	dom, err := n.lab.client.lookupDomain(domainName(n.lab.rec.ID, rec.Name))
	if err != nil || dom == nil {
		return false, err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return false, errors.Join(err, fmt.Errorf("node=%s", n.name), errGetDomainState)
	}

	return state == libvirt.DOMAIN_RUNNING, nil
}

// HasConverged implements lab.Node. A node has converged once it is booted
// and, for domains, the lease table of its networks can be queried.
func (n *Node) HasConverged(ctx context.Context) (bool, error) {
	booted, err := n.IsBooted(ctx)
	if err != nil || !booted {
		return false, err
	}

	if _, ok := roleSizing[n.role]; !ok {
		return true, nil
	}

	if _, err := n.leases(); err != nil {
		return false, nil
	}

	return true, nil
}

func (n *Node) networkActive(name string) (bool, error) {
	network, err := n.lab.client.lookupNetwork(name)
	if err != nil || network == nil {
		return false, err
	}
	defer func() { _ = network.Free() }()

	return network.IsActive()
}

func (n *Node) leases() ([]libvirt.DomainInterface, error) {
	dom, err := n.lab.client.lookupDomain(domainName(n.lab.rec.ID, n.name))
	if err != nil {
		return nil, err
	} else if dom == nil {
		return nil, nil
	}
	defer func() { _ = dom.Free() }()

	ifaces, err := dom.ListAllInterfaceAddresses(libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("node=%s", n.name), errListAddresses)
	}

	return ifaces, nil
}

// Interface is a node port.
type Interface struct {
	node  *Node
	label string
}

// Node implements lab.Interface.
func (i *Interface) Node() lab.Node { return i.node }

// Label implements lab.Interface.
func (i *Interface) Label() string { return i.label }

// DiscoveredIPv4 implements lab.Interface. Addresses come from the DHCP
// leases of the network the port is plugged into.
func (i *Interface) DiscoveredIPv4(_ context.Context) ([]string, error) {
	if _, ok := roleSizing[i.node.role]; !ok {
		return nil, nil
	}

	i.node.lab.mu.Lock()
	var mac string
	if rec := i.node.lab.rec.node(i.node.name); rec != nil {
		if port := rec.iface(i.label); port != nil {
			mac = port.MAC
		}
	}
	i.node.lab.mu.Unlock()

	ifaces, err := i.node.leases()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, iface := range ifaces {
		if !strings.EqualFold(iface.Hwaddr, mac) {
			continue
		}

		for _, addr := range iface.Addrs {
			if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
				out = append(out, strings.Split(addr.Addr, "/")[0])
			}
		}
	}

	return out, nil
}
