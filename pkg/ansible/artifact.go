package ansible

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/ini.v1"
	"sigs.k8s.io/yaml"
)

var (
	ErrWriteArtifact  = errors.New("failed to write artifact")
	ErrRemoveArtifact = errors.New("failed to remove artifact")
	ErrInventoryHost  = errors.New("host cannot be written to an inventory")
)

// inventoryOptions keeps "=" as the only delimiter so that IPv6 addresses
// are written bare instead of quoted.
var inventoryOptions = ini.LoadOptions{AllowBooleanKeys: true, KeyValueDelimiters: "="}

// inventoryReserved are the characters that go-ini quotes or that Ansible
// reads as something other than a host name.
const inventoryReserved = "=\"`#;[] \t\r\n"

// Constant variables required by the network_cli connection to the
// firewalls.
var protocolVariables = map[string]any{
	"ansible_network_os":    "asa",
	"ansible_become_method": "enable",
	"ansible_become":        "yes",
	"ansible_connection":    "network_cli",
}

// Artifact is a transient file owned by one run.
type Artifact struct {
	Path string
}

// Remove deletes the file. Removing an already removed artifact, or a nil
// one, succeeds.
func (a *Artifact) Remove() error {
	if a == nil || a.Path == "" {
		return nil
	}

	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return errors.Join(err, fmt.Errorf("path=%s", a.Path), ErrRemoveArtifact)
	}

	return nil
}

// WriteInventory writes an INI inventory listing one host per line into a
// new file under dir. Hosts are IPv4 or IPv6 addresses or host names; any
// other value fails with ErrInventoryHost before a file is created.
func WriteInventory(dir string, hosts []string) (*Artifact, error) {
	cfg := ini.Empty(inventoryOptions)

	section := cfg.Section(ini.DefaultSection)
	for _, host := range hosts {
		if host == "" || strings.ContainsAny(host, inventoryReserved) {
			return nil, errors.Join(fmt.Errorf("host=%q", host), ErrInventoryHost, ErrWriteArtifact)
		}

		if _, err := section.NewBooleanKey(host); err != nil {
			return nil, errors.Join(err, fmt.Errorf("host=%s", host), ErrWriteArtifact)
		}
	}

	f, err := os.CreateTemp(dir, "dst-inventory-*.ini")
	if err != nil {
		return nil, errors.Join(err, ErrWriteArtifact)
	}
	defer f.Close()

	artifact := &Artifact{Path: f.Name()}

	if _, err := cfg.WriteTo(f); err != nil {
		return artifact, errors.Join(err, fmt.Errorf("path=%s", f.Name()), ErrWriteArtifact)
	}

	return artifact, nil
}

// WriteVariables writes vars as YAML into a new file under dir.
func WriteVariables(dir string, vars map[string]any) (*Artifact, error) {
	data, err := yaml.Marshal(vars)
	if err != nil {
		return nil, errors.Join(err, ErrWriteArtifact)
	}

	f, err := os.CreateTemp(dir, "dst-vars-*.yaml")
	if err != nil {
		return nil, errors.Join(err, ErrWriteArtifact)
	}
	defer f.Close()

	artifact := &Artifact{Path: f.Name()}

	if _, err := f.Write(data); err != nil {
		return artifact, errors.Join(err, fmt.Errorf("path=%s", f.Name()), ErrWriteArtifact)
	}

	return artifact, nil
}

// Variables returns the playbook variables: the merged configuration
// sections, the base directory the playbooks resolve files against, and the
// connection constants.
func Variables(sections map[string]any, baseDir string) map[string]any {
	out := maps.Clone(sections)
	if out == nil {
		out = make(map[string]any)
	}

	out["dst_base_dir"] = baseDir
	maps.Copy(out, protocolVariables)

	return out
}
