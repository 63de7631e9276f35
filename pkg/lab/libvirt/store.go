package libvirt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/dst/pkg/lab"
)

var (
	// ErrRecordNotFound indicates the requested lab ID was not found.
	ErrRecordNotFound = errors.New("lab record not found")
	// ErrStoreCorrupted indicates a record file is corrupted or invalid.
	ErrStoreCorrupted = errors.New("store corrupted")
	errEmptyRecordID  = errors.New("lab record ID is empty")
)

// LabState is the backend view of a lab's lifecycle.
type LabState string

const (
	LabDefined LabState = "defined"
	LabRunning LabState = "running"
	LabStopped LabState = "stopped"
	LabWiped   LabState = "wiped"
)

// LabRecord is everything needed to find and tear down a lab's libvirt
// objects from a fresh process.
type LabRecord struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"createdAt"`
	State       LabState     `json:"state"`
	Nodes       []NodeRecord `json:"nodes"`
	Links       []LinkRecord `json:"links"`
}

// NodeRecord describes one lab node.
type NodeRecord struct {
	Name       string            `json:"name"`
	Role       lab.Role          `json:"role"`
	Config     string            `json:"config,omitempty"`
	Interfaces []InterfaceRecord `json:"interfaces"`
}

// InterfaceRecord describes one node port.
type InterfaceRecord struct {
	Label string `json:"label"`
	MAC   string `json:"mac,omitempty"`
	// Network is the libvirt network the port is plugged into, empty when
	// unlinked.
	Network string `json:"network,omitempty"`
}

// LinkRecord describes one link between two node ports.
type LinkRecord struct {
	A       Endpoint `json:"a"`
	B       Endpoint `json:"b"`
	Network string   `json:"network"`
	// Owned is true when the lab defined Network itself.
	Owned bool `json:"owned"`
}

// Endpoint is a node port.
type Endpoint struct {
	Node  string `json:"node"`
	Label string `json:"label"`
}

func (r *LabRecord) node(name string) *NodeRecord {
	for i := range r.Nodes {
		if r.Nodes[i].Name == name {
			return &r.Nodes[i]
		}
	}

	return nil
}

func (n *NodeRecord) iface(label string) *InterfaceRecord {
	for i := range n.Interfaces {
		if n.Interfaces[i].Label == label {
			return &n.Interfaces[i]
		}
	}

	return nil
}

// ownedNetworks returns the libvirt networks the lab must define, sorted.
func (r *LabRecord) ownedNetworks() []string {
	var out []string
	for _, l := range r.Links {
		if l.Owned && !slices.Contains(out, l.Network) {
			out = append(out, l.Network)
		}
	}

	for _, n := range r.Nodes {
		if n.Role == lab.RoleSwitch && !slices.Contains(out, switchNetworkName(r.ID, n.Name)) {
			out = append(out, switchNetworkName(r.ID, n.Name))
		}
	}

	slices.Sort(out)

	return out
}

// Store persists lab records, one JSON file per lab.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates dir if needed and returns a store rooted at it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Save persists a record.
func (s *Store) Save(rec *LabRecord) error {
	if rec == nil || rec.ID == "" {
		return errEmptyRecordID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lab record: %w", err)
	}

	if err := os.WriteFile(s.path(rec.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write lab record: %w", err)
	}

	return nil
}

// Load retrieves a record.
func (s *Store) Load(id string) (*LabRecord, error) {
	if id == "" {
		return nil, errEmptyRecordID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, errors.Join(fmt.Errorf("id=%s", id), ErrRecordNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read lab record: %w", err)
	}

	var rec LabRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Join(err, ErrStoreCorrupted)
	}

	return &rec, nil
}

// List returns every readable record. Corrupted files are skipped.
func (s *Store) List() ([]*LabRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var out []*LabRecord

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		var rec LabRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}

		out = append(out, &rec)
	}

	slices.SortFunc(out, func(a, b *LabRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}

// Delete removes a record.
func (s *Store) Delete(id string) error {
	if id == "" {
		return errEmptyRecordID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); os.IsNotExist(err) {
		return errors.Join(fmt.Errorf("id=%s", id), ErrRecordNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to delete lab record: %w", err)
	}

	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// slug turns a lab title into a file and libvirt object name prefix.
func slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}

	return strings.TrimSuffix(b.String(), "-")
}
