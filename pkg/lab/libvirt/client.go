// Package libvirt implements the virtual-lab capability on top of libvirt.
//
// Routers, firewalls and servers become KVM domains booted from qcow2
// overlays of per-role base images, with their startup configuration on an
// attached config drive. Switches are isolated libvirt networks and external
// connectors map to an existing libvirt network. Lab records are kept in a
// JSON registry so that a fresh process can find and tear down leftovers.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
	"libvirt.org/go/libvirt"
)

// StateDirEnvKey overrides the directory holding the lab registry and disks.
const StateDirEnvKey = "DST_STATE_DIR"

var (
	ErrConnectLibvirt = errors.New("failed to connect to libvirt")
	ErrMissingImage   = errors.New("no base image configured for node role")
	ErrLabExists      = errors.New("lab already exists")
)

var _ lab.Client = &Client{}

// Images maps node roles to base qcow2 images.
type Images struct {
	Router   string
	Firewall string
	Server   string
}

func (i Images) forRole(role lab.Role) string {
	switch role {
	case lab.RoleRouter:
		return i.Router
	case lab.RoleFirewall:
		return i.Firewall
	case lab.RoleServer:
		return i.Server
	default:
		return ""
	}
}

// Options configures a Client.
type Options struct {
	// URI is the libvirt connection URI. See URI.
	URI      string
	User     string
	Password string
	// StateDir holds the lab registry and the node disks. Defaults to
	// DefaultStateDir().
	StateDir string
	Images   Images
	// PollInterval is used while waiting for domains to shut off.
	PollInterval time.Duration
}

// URI returns the libvirt URI of a lab host: the local system daemon for an
// empty or loopback host, and the remote daemon over SSH otherwise.
func URI(host, user string) string {
	switch host {
	case "", "localhost":
		return "qemu:///system"
	}

	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "qemu:///system"
	}

	if user == "" {
		return fmt.Sprintf("qemu+ssh://%s/system", host)
	}

	return fmt.Sprintf("qemu+ssh://%s@%s/system", user, host)
}

// DefaultStateDir returns $DST_STATE_DIR, or ~/.dst.
func DefaultStateDir() string {
	if dir := os.Getenv(StateDirEnvKey); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dst")
	}

	return filepath.Join(home, ".dst")
}

// RegistryDir returns the directory holding the lab records of stateDir.
func RegistryDir(stateDir string) string {
	return filepath.Join(stateDir, "labs")
}

// Client is a lab controller backed by a libvirt daemon.
type Client struct {
	conn         *libvirt.Connect
	store        *Store
	images       Images
	diskDir      string
	pollInterval time.Duration
}

// New connects to libvirt and opens the lab registry.
func New(opts Options) (*Client, error) {
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.URI == "" {
		opts.URI = URI("", "")
	}

	store, err := NewStore(RegistryDir(opts.StateDir))
	if err != nil {
		return nil, err
	}

	diskDir := filepath.Join(opts.StateDir, "disks")
	if err := os.MkdirAll(diskDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk directory: %w", err)
	}

	conn, err := libvirt.NewConnectWithAuth(opts.URI, credentials(opts.User, opts.Password), 0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", opts.URI), ErrConnectLibvirt)
	}

	return &Client{
		conn:         conn,
		store:        store,
		images:       opts.Images,
		diskDir:      diskDir,
		pollInterval: opts.PollInterval,
	}, nil
}

// credentials answers the daemon's authentication prompts.
func credentials(user, password string) *libvirt.ConnectAuth {
	return &libvirt.ConnectAuth{
		CredType: []libvirt.ConnectCredentialType{
			libvirt.CRED_AUTHNAME,
			libvirt.CRED_PASSPHRASE,
		},
		Callback: func(creds []*libvirt.ConnectCredential) {
			for _, cred := range creds {
				switch cred.Type {
				case libvirt.CRED_AUTHNAME:
					cred.Result = user
					cred.ResultLen = len(user)
				case libvirt.CRED_PASSPHRASE:
					cred.Result = password
					cred.ResultLen = len(password)
				}
			}
		},
	}
}

// Close closes the libvirt connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	_, err := c.conn.Close()
	return err
}

// Records lists every lab in the registry, oldest first.
func (c *Client) Records() ([]*LabRecord, error) {
	return c.store.List()
}

// FindLabsByTitle implements lab.Client.
func (c *Client) FindLabsByTitle(_ context.Context, title string) ([]lab.Lab, error) {
	records, err := c.store.List()
	if err != nil {
		return nil, err
	}

	var out []lab.Lab
	for _, rec := range records {
		if rec.Title == title {
			out = append(out, &Lab{client: c, rec: rec})
		}
	}

	return out, nil
}

// CreateLab implements lab.Client.
func (c *Client) CreateLab(_ context.Context, title, description string) (lab.Lab, error) {
	id := slug(title)
	if _, err := c.store.Load(id); err == nil {
		return nil, errors.Join(fmt.Errorf("id=%s", id), ErrLabExists)
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	rec := &LabRecord{
		ID:          id,
		Title:       title,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		State:       LabDefined,
	}
	if err := c.store.Save(rec); err != nil {
		return nil, err
	}

	slog.Debug("created lab record", "lab", id)

	return &Lab{client: c, rec: rec}, nil
}

// lookupDomain returns nil when the domain does not exist.
func (c *Client) lookupDomain(name string) (*libvirt.Domain, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if isCode(err, libvirt.ERR_NO_DOMAIN) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Join(err, fmt.Errorf("domain=%s", name), errLookupDomain)
	}

	return dom, nil
}

// lookupNetwork returns nil when the network does not exist.
func (c *Client) lookupNetwork(name string) (*libvirt.Network, error) {
	network, err := c.conn.LookupNetworkByName(name)
	if isCode(err, libvirt.ERR_NO_NETWORK) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Join(err, fmt.Errorf("network=%s", name), errLookupNetwork)
	}

	return network, nil
}

func (c *Client) diskPath(domain string) string {
	return filepath.Join(c.diskDir, domain+".qcow2")
}

func (c *Client) configDrivePath(domain string) string {
	return filepath.Join(c.diskDir, domain+"-config.iso")
}

func isCode(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == code
}

// connectorNetwork is the libvirt network an external connector attaches to:
// the first line of its configuration, or "default".
func connectorNetwork(n *NodeRecord) string {
	name, _, _ := strings.Cut(strings.TrimSpace(n.Config), "\n")
	if name = strings.TrimSpace(name); name != "" {
		return name
	}

	return "default"
}
