// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the run configuration document.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"
)

// Mode selects which sections of the document a run needs.
type Mode string

const (
	// ModeProduction deploys the configuration to the production firewalls.
	ModeProduction Mode = "production"
	// ModeTest builds a lab and validates the routes end to end.
	ModeTest Mode = "test"
)

// Section names.
const (
	SectionDST        = "dst"
	SectionProduction = "production"
	SectionTest       = "test"
	SectionCML        = "cml"
)

var (
	ErrReadConfig       = errors.New("reading config file")
	ErrParseConfig      = errors.New("parsing config file")
	ErrConfigValidation = errors.New("config validation failed")
)

// Config is the parsed run configuration.
//
// The typed fields are what the harness reads. Sections keeps every section
// as decoded so that unknown keys still reach the playbook variables.
type Config struct {
	DST        DST         `json:"dst"`
	Production *Production `json:"production,omitempty"`
	Test       *Test       `json:"test,omitempty"`
	CML        *CML        `json:"cml,omitempty"`

	Sections map[string]map[string]any `json:"-"`
}

// DST holds the variables shared by both modes.
type DST struct {
	CustomName string   `json:"custom_name"`
	Domains    []string `json:"domains"`
}

// Ansible holds the credentials used by the playbook runner.
type Ansible struct {
	User           string   `json:"ansible_user"`
	Password       string   `json:"ansible_password"`
	BecomePassword string   `json:"ansible_become_password"`
	GroupPolicies  []string `json:"group_policies"`
}

// Production is the production deploy section.
type Production struct {
	Ansible
	Firewalls []string `json:"firewalls"`
}

// Test is the lab validation section.
type Test struct {
	Ansible

	LocalHosts  []string `json:"local_hosts"`
	TunnelHosts []string `json:"tunnel_hosts"`
	CanaryHost  string   `json:"canary_host"`
	VPNHop      string   `json:"vpn_hop"`

	// FirewallIP is used when the gateway address cannot be discovered.
	FirewallIP string `json:"firewall_ip,omitempty"`

	// Client runs the route probes over SSH instead of locally.
	Client *Client `json:"client,omitempty"`
}

// Client describes a remote test client.
type Client struct {
	Host string `json:"host"`
	User string `json:"user"`
	Key  string `json:"key"`
	Port string `json:"port,omitempty"`
}

// CML holds the lab controller connection.
type CML struct {
	Host     string  `json:"host"`
	User     string  `json:"user"`
	Password string  `json:"pass"`
	Images   *Images `json:"images,omitempty"`
	StateDir string  `json:"state_dir,omitempty"`
}

// Images maps lab node roles to base disk images.
type Images struct {
	Router   string `json:"router,omitempty"`
	Firewall string `json:"firewall,omitempty"`
	Server   string `json:"server,omitempty"`
}

// Load reads and parses the document at path. It does not validate it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, ErrReadConfig)
	}

	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	sections := make(map[string]map[string]any)
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, errors.Join(err, ErrParseConfig)
	}

	// The typed view reads every scalar as text, as the playbooks do: a
	// numeric password or port is valid.
	normalized, err := yaml.Marshal(scalarsToStrings(sections))
	if err != nil {
		return nil, errors.Join(err, ErrParseConfig)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, errors.Join(err, ErrParseConfig)
	}

	cfg.Sections = sections

	return cfg, nil
}

// scalarsToStrings returns a copy of v where numbers and booleans are
// replaced by their text.
func scalarsToStrings(v any) any {
	switch t := v.(type) {
	case map[string]map[string]any:
		out := make(map[string]any, len(t))
		for k, sec := range t {
			out[k] = scalarsToStrings(sec)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = scalarsToStrings(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = scalarsToStrings(e)
		}
		return out
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return v
	}
}

// Variables returns the flattened merge of the mode's section and the dst
// section. Keys of the dst section win.
func (c *Config) Variables(mode Mode) map[string]any {
	out := make(map[string]any)
	for _, name := range []string{string(mode), SectionDST} {
		maps.Copy(out, c.Sections[name])
	}

	return out
}

// String returns a short description safe to log.
func (c *Config) String() string {
	return fmt.Sprintf("config{custom_name=%q, sections=%d}", c.DST.CustomName, len(c.Sections))
}
