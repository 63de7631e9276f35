package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"libvirt.org/go/libvirt"
)

var (
	errLookupDomain     = errors.New("failed to lookup domain")
	errLookupNetwork    = errors.New("failed to lookup network")
	errDefineDomain     = errors.New("failed to define domain")
	errCreateDomain     = errors.New("failed to create domain")
	errDestroyDomain    = errors.New("failed to destroy domain")
	errUndefineDomain   = errors.New("failed to undefine domain")
	errGetDomainState   = errors.New("failed to get domain state")
	errDefineNetwork    = errors.New("failed to define network")
	errStartNetwork     = errors.New("failed to start network")
	errDestroyNetwork   = errors.New("failed to destroy network")
	errUndefineNetwork  = errors.New("failed to undefine network")
	errDeleteDisk       = errors.New("failed to delete node disk")
	errNodeExists       = errors.New("node already exists")
	errInterfaceInUse   = errors.New("interface already linked")
	errUnsupportedLink  = errors.New("unsupported link")
	errForeignInterface = errors.New("interface does not belong to this lab")
)

var _ lab.Lab = &Lab{}

// Lab is a lab whose nodes are libvirt domains and networks.
type Lab struct {
	client *Client

	mu  sync.Mutex
	rec *LabRecord
}

// Title implements lab.Lab.
func (l *Lab) Title() string {
	return l.rec.Title
}

// ID is the registry key and the prefix of every libvirt object of the lab.
func (l *Lab) ID() string {
	return l.rec.ID
}

// CreateNode implements lab.Lab.
func (l *Lab) CreateNode(_ context.Context, name string, role lab.Role) (lab.Node, error) {
	labels, ok := portLabels[role]
	if !ok {
		return nil, errors.Join(fmt.Errorf("role=%s", role), lab.ErrUnsupportedRole)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rec.node(name) != nil {
		return nil, errors.Join(fmt.Errorf("node=%s", name), errNodeExists)
	}

	n := NodeRecord{Name: name, Role: role}
	for _, label := range labels {
		n.Interfaces = append(n.Interfaces, InterfaceRecord{
			Label: label,
			MAC:   macAddress(l.rec.ID, name, label),
		})
	}

	l.rec.Nodes = append(l.rec.Nodes, n)
	if err := l.client.store.Save(l.rec); err != nil {
		return nil, err
	}

	return &Node{lab: l, name: name, role: role}, nil
}

// CreateLink implements lab.Lab.
//
// A port linked to a switch joins the switch network, a port linked to an
// external connector joins the connector's network, and two domain ports
// get a dedicated point-to-point network.
func (l *Lab) CreateLink(_ context.Context, a, b lab.Interface) error {
	ea, err := l.endpoint(a)
	if err != nil {
		return err
	}

	eb, err := l.endpoint(b)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	na, nb := l.rec.node(ea.Node), l.rec.node(eb.Node)
	if na == nil || nb == nil {
		return lab.ErrNodeNotFound
	}

	for _, link := range l.rec.Links {
		if slices.Contains([]Endpoint{link.A, link.B}, ea) || slices.Contains([]Endpoint{link.A, link.B}, eb) {
			return errors.Join(fmt.Errorf("a=%v, b=%v", ea, eb), errInterfaceInUse)
		}
	}

	link := LinkRecord{A: ea, B: eb}

	switch {
	case isSegment(na.Role) && isSegment(nb.Role):
		return errors.Join(fmt.Errorf("a=%s, b=%s", na.Role, nb.Role), errUnsupportedLink)
	case na.Role == lab.RoleSwitch:
		link.Network = switchNetworkName(l.rec.ID, na.Name)
	case nb.Role == lab.RoleSwitch:
		link.Network = switchNetworkName(l.rec.ID, nb.Name)
	case na.Role == lab.RoleExternalConnector, nb.Role == lab.RoleExternalConnector:
		// resolved on start, once the connector's configuration is known
	default:
		link.Network = linkNetworkName(l.rec.ID, len(l.rec.Links))
		link.Owned = true
	}

	l.rec.Links = append(l.rec.Links, link)

	return l.client.store.Save(l.rec)
}

func (l *Lab) endpoint(iface lab.Interface) (Endpoint, error) {
	i, ok := iface.(*Interface)
	if !ok || i.node.lab != l {
		return Endpoint{}, errForeignInterface
	}

	return Endpoint{Node: i.node.name, Label: i.label}, nil
}

func isSegment(role lab.Role) bool {
	return role == lab.RoleSwitch || role == lab.RoleExternalConnector
}

// resolveLinks plugs every linked domain port into its network.
func (l *Lab) resolveLinks() {
	for _, link := range l.rec.Links {
		network := link.Network
		if network == "" {
			for _, ep := range []Endpoint{link.A, link.B} {
				if n := l.rec.node(ep.Node); n != nil && n.Role == lab.RoleExternalConnector {
					network = connectorNetwork(n)
				}
			}
		}

		for _, ep := range []Endpoint{link.A, link.B} {
			if n := l.rec.node(ep.Node); n != nil {
				if port := n.iface(ep.Label); port != nil {
					port.Network = network
				}
			}
		}
	}
}

func (l *Lab) domainNodes() []NodeRecord {
	var out []NodeRecord
	for _, n := range l.rec.Nodes {
		if _, ok := roleSizing[n.Role]; ok {
			out = append(out, n)
		}
	}

	return out
}

// Start implements lab.Lab.
func (l *Lab) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rec.State == LabRunning {
		return nil
	}

	l.resolveLinks()

	for _, name := range l.rec.ownedNetworks() {
		if err := l.startNetwork(name); err != nil {
			return err
		}
	}

	for _, n := range l.domainNodes() {
		if err := l.startDomain(ctx, n); err != nil {
			return err
		}
	}

	l.rec.State = LabRunning

	return l.client.store.Save(l.rec)
}

func (l *Lab) startNetwork(name string) error {
	network, err := l.client.lookupNetwork(name)
	if err != nil {
		return err
	}

	if network == nil {
		xml, err := isolatedNetworkXML(name)
		if err != nil {
			return err
		}

		network, err = l.client.conn.NetworkDefineXML(xml)
		if err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name), errDefineNetwork)
		}
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), errStartNetwork)
	}

	if !active {
		if err := network.Create(); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name), errStartNetwork)
		}
	}

	return nil
}

func (l *Lab) startDomain(ctx context.Context, n NodeRecord) error {
	name := domainName(l.rec.ID, n.Name)

	dom, err := l.client.lookupDomain(name)
	if err != nil {
		return err
	}

	if dom == nil {
		image := l.client.images.forRole(n.Role)
		if image == "" {
			return errors.Join(fmt.Errorf("node=%s, role=%s", n.Name, n.Role), ErrMissingImage)
		}

		if err := createOverlay(ctx, image, l.client.diskPath(name)); err != nil {
			return err
		}

		drive, err := buildConfigDrive(ctx, l.client.diskDir, name, n)
		if err != nil {
			return err
		}

		xml, err := domainXML(l.rec.ID, n, l.client.diskPath(name), drive)
		if err != nil {
			return err
		}

		dom, err = l.client.conn.DomainDefineXML(xml)
		if err != nil {
			return errors.Join(err, fmt.Errorf("domain=%s", name), errDefineDomain)
		}
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", name), errGetDomainState)
	}

	if state == libvirt.DOMAIN_RUNNING {
		return nil
	}

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", name), errCreateDomain)
	}

	slog.Debug("started lab domain", "lab", l.rec.ID, "domain", name)

	return nil
}

// Stop implements lab.Lab. It returns once every domain is shut off.
func (l *Lab) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, n := range l.domainNodes() {
		if err := l.stopDomain(ctx, domainName(l.rec.ID, n.Name)); err != nil {
			return err
		}
	}

	l.rec.State = LabStopped

	return l.client.store.Save(l.rec)
}

func (l *Lab) stopDomain(ctx context.Context, name string) error {
	dom, err := l.client.lookupDomain(name)
	if err != nil || dom == nil {
		return err
	}
	defer func() { _ = dom.Free() }()

	state, _, err := dom.GetState()
	if err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", name), errGetDomainState)
	}

	if state == libvirt.DOMAIN_SHUTOFF {
		return nil
	}

	if err := dom.Destroy(); err != nil {
		return errors.Join(err, fmt.Errorf("domain=%s", name), errDestroyDomain)
	}

	ticker := time.NewTicker(l.client.pollInterval)
	defer ticker.Stop()

	for {
		state, _, err := dom.GetState()
		if err != nil {
			return errors.Join(err, fmt.Errorf("domain=%s", name), errGetDomainState)
		}

		if state == libvirt.DOMAIN_SHUTOFF {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("domain=%s", name), errDestroyDomain)
		case <-ticker.C:
		}
	}
}

// Wipe implements lab.Lab. Domains, owned networks and node disks are
// deleted; the registry record is kept until Remove.
func (l *Lab) Wipe(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	for _, n := range l.domainNodes() {
		if err := l.wipeDomain(domainName(l.rec.ID, n.Name)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, name := range l.rec.ownedNetworks() {
		if err := l.wipeNetwork(name); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	l.rec.State = LabWiped

	return l.client.store.Save(l.rec)
}

func (l *Lab) wipeDomain(name string) error {
	dom, err := l.client.lookupDomain(name)
	if err != nil {
		return err
	}

	if dom != nil {
		defer func() { _ = dom.Free() }()

		if state, _, err := dom.GetState(); err == nil && state != libvirt.DOMAIN_SHUTOFF {
			if err := dom.Destroy(); err != nil {
				return errors.Join(err, fmt.Errorf("domain=%s", name), errDestroyDomain)
			}
		}

		if err := dom.Undefine(); err != nil {
			return errors.Join(err, fmt.Errorf("domain=%s", name), errUndefineDomain)
		}
	}

	for _, path := range []string{l.client.diskPath(name), l.client.configDrivePath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Join(err, fmt.Errorf("path=%s", path), errDeleteDisk)
		}
	}

	return nil
}

func (l *Lab) wipeNetwork(name string) error {
	network, err := l.client.lookupNetwork(name)
	if err != nil || network == nil {
		return err
	}
	defer func() { _ = network.Free() }()

	if active, err := network.IsActive(); err == nil && active {
		if err := network.Destroy(); err != nil {
			return errors.Join(err, fmt.Errorf("network=%s", name), errDestroyNetwork)
		}
	}

	if err := network.Undefine(); err != nil {
		return errors.Join(err, fmt.Errorf("network=%s", name), errUndefineNetwork)
	}

	return nil
}

// Remove implements lab.Lab.
func (l *Lab) Remove(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.client.store.Delete(l.rec.ID)
}
