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

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	sharedVars  = []string{"custom_name", "domains"}
	ansibleVars = []string{"ansible_user", "ansible_password", "ansible_become_password", "group_policies"}

	requiredVars = map[Mode]map[string][]string{
		ModeProduction: {
			SectionDST:        sharedVars,
			SectionProduction: append(append([]string{}, ansibleVars...), "firewalls"),
		},
		ModeTest: {
			SectionDST:  sharedVars,
			SectionTest: append(append([]string{}, ansibleVars...), "local_hosts", "tunnel_hosts", "canary_host", "vpn_hop"),
			SectionCML:  {"host", "user", "pass"},
		},
	}

	// requiredSections keeps the order in which problems are reported.
	requiredSections = map[Mode][]string{
		ModeProduction: {SectionProduction, SectionDST},
		ModeTest:       {SectionTest, SectionDST, SectionCML},
	}
)

// ValidationError names one missing or malformed entry of the document.
type ValidationError struct {
	Section  string
	Variable string
	Reason   string
}

func (e ValidationError) Error() string {
	switch {
	case e.Variable == "":
		return fmt.Sprintf("section %q not found in config file", e.Section)
	case e.Reason != "":
		return fmt.Sprintf("variable %q in section %q: %s", e.Variable, e.Section, e.Reason)
	default:
		return fmt.Sprintf("variable %q not defined in section %q", e.Variable, e.Section)
	}
}

// ValidationErrors aggregates every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.Error())
	}

	return strings.Join(msgs, "; ")
}

// Validate checks that every section and variable required by mode is
// present. The returned error wraps ErrConfigValidation and a
// ValidationErrors.
func (c *Config) Validate(mode Mode) error {
	sections, ok := requiredSections[mode]
	if !ok {
		return errors.Join(fmt.Errorf("unknown mode %q", mode), ErrConfigValidation)
	}

	var errs ValidationErrors

	for _, name := range sections {
		section, found := c.Sections[name]
		if !found {
			errs = append(errs, ValidationError{Section: name})
			continue
		}

		for _, v := range requiredVars[mode][name] {
			if _, found := section[v]; !found {
				errs = append(errs, ValidationError{Section: name, Variable: v})
			}
		}
	}

	if mode == ModeTest && c.Test != nil && c.Test.CanaryHost != "" {
		if addr, err := netip.ParseAddr(c.Test.CanaryHost); err != nil || !addr.Is4() {
			errs = append(errs, ValidationError{
				Section:  SectionTest,
				Variable: "canary_host",
				Reason:   "must be an IPv4 address",
			})
		}
	}

	if mode == ModeTest && c.Test != nil && c.Test.Client != nil {
		for _, kv := range [][2]string{
			{"host", c.Test.Client.Host},
			{"user", c.Test.Client.User},
			{"key", c.Test.Client.Key},
		} {
			if kv[1] == "" {
				errs = append(errs, ValidationError{Section: SectionTest, Variable: "client." + kv[0]})
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return errors.Join(errs, ErrConfigValidation)
}
