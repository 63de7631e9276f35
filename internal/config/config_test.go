//go:build unit

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDocument = `
dst:
  custom_name: acme-dst
  domains:
    - example.com
    - example.org
test:
  ansible_user: admin
  ansible_password: secret
  ansible_become_password: enable-secret
  group_policies: [GP-DST]
  local_hosts: [192.0.2.10]
  tunnel_hosts: [10.1.1.1, 10.1.1.2]
  canary_host: 198.51.100.1
  vpn_hop: 10.0.0.9
  firewall_ip: 192.168.255.2
  extra_knob: 42
cml:
  host: lab.example.com
  user: cml
  pass: cml-pass
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme-dst", cfg.DST.CustomName)
	assert.Equal(t, []string{"example.com", "example.org"}, cfg.DST.Domains)
	require.NotNil(t, cfg.Test)
	assert.Equal(t, "admin", cfg.Test.User)
	assert.Equal(t, []string{"GP-DST"}, cfg.Test.GroupPolicies)
	assert.Equal(t, "198.51.100.1", cfg.Test.CanaryHost)
	assert.Equal(t, "192.168.255.2", cfg.Test.FirewallIP)
	assert.Nil(t, cfg.Test.Client)
	require.NotNil(t, cfg.CML)
	assert.Equal(t, "cml-pass", cfg.CML.Password)
	assert.Nil(t, cfg.Production)

	assert.NoError(t, cfg.Validate(ModeTest))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrReadConfig)

	_, err = Parse([]byte("dst: [unterminated"))
	assert.ErrorIs(t, err, ErrParseConfig)
}

func TestParse_NumericScalars(t *testing.T) {
	cfg, err := Parse([]byte(`
dst:
  custom_name: 2024
  domains: [example.com]
test:
  ansible_user: admin
  ansible_password: 12345
  ansible_become_password: true
  group_policies: [100, GP-DST]
  local_hosts: [192.0.2.10]
  tunnel_hosts: [10.1.1.1]
  canary_host: 198.51.100.1
  vpn_hop: 10.0.0.9
  client:
    host: client.example.com
    user: tester
    key: /home/tester/.ssh/id_ed25519
    port: 2222
cml:
  host: lab.example.com
  user: cml
  pass: 987654
`))
	require.NoError(t, err)

	assert.Equal(t, "2024", cfg.DST.CustomName)
	require.NotNil(t, cfg.Test)
	assert.Equal(t, "12345", cfg.Test.Password)
	assert.Equal(t, "true", cfg.Test.BecomePassword)
	assert.Equal(t, []string{"100", "GP-DST"}, cfg.Test.GroupPolicies)
	require.NotNil(t, cfg.Test.Client)
	assert.Equal(t, "2222", cfg.Test.Client.Port)
	require.NotNil(t, cfg.CML)
	assert.Equal(t, "987654", cfg.CML.Password)

	assert.NoError(t, cfg.Validate(ModeTest))

	// The variables keep the document's own values.
	vars := cfg.Variables(ModeTest)
	assert.Equal(t, float64(12345), vars["ansible_password"])
}

func TestConfig_Variables(t *testing.T) {
	cfg, err := Parse([]byte(`
dst:
  custom_name: shared
  domains: [a.example]
test:
  custom_name: overridden
  ansible_user: admin
`))
	require.NoError(t, err)

	vars := cfg.Variables(ModeTest)

	assert.Equal(t, "shared", vars["custom_name"])
	assert.Equal(t, "admin", vars["ansible_user"])
	assert.Equal(t, []any{"a.example"}, vars["domains"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		document string
		want     ValidationErrors
	}{
		{
			name: "production valid",
			mode: ModeProduction,
			document: `
dst: {custom_name: x, domains: []}
production:
  ansible_user: u
  ansible_password: p
  ansible_become_password: b
  group_policies: []
  firewalls: [192.0.2.1]
`,
		},
		{
			name:     "production missing sections",
			mode:     ModeProduction,
			document: `test: {}`,
			want: ValidationErrors{
				{Section: SectionProduction},
				{Section: SectionDST},
			},
		},
		{
			name: "production missing firewalls",
			mode: ModeProduction,
			document: `
dst: {custom_name: x, domains: []}
production: {ansible_user: u, ansible_password: p, ansible_become_password: b, group_policies: []}
`,
			want: ValidationErrors{{Section: SectionProduction, Variable: "firewalls"}},
		},
		{
			name: "test missing cml credentials and shared vars",
			mode: ModeTest,
			document: `
dst: {domains: []}
test:
  ansible_user: u
  ansible_password: p
  ansible_become_password: b
  group_policies: []
  local_hosts: []
  tunnel_hosts: []
  canary_host: 198.51.100.1
  vpn_hop: 10.0.0.9
cml: {host: h}
`,
			want: ValidationErrors{
				{Section: SectionDST, Variable: "custom_name"},
				{Section: SectionCML, Variable: "user"},
				{Section: SectionCML, Variable: "pass"},
			},
		},
		{
			name: "test canary host must be IPv4",
			mode: ModeTest,
			document: `
dst: {custom_name: x, domains: []}
test:
  ansible_user: u
  ansible_password: p
  ansible_become_password: b
  group_policies: []
  local_hosts: []
  tunnel_hosts: []
  canary_host: canary.example.com
  vpn_hop: 10.0.0.9
cml: {host: h, user: u, pass: p}
`,
			want: ValidationErrors{{Section: SectionTest, Variable: "canary_host", Reason: "must be an IPv4 address"}},
		},
		{
			name: "test remote client incomplete",
			mode: ModeTest,
			document: `
dst: {custom_name: x, domains: []}
test:
  ansible_user: u
  ansible_password: p
  ansible_become_password: b
  group_policies: []
  local_hosts: []
  tunnel_hosts: []
  canary_host: 198.51.100.1
  vpn_hop: 10.0.0.9
  client: {host: 192.0.2.50}
cml: {host: h, user: u, pass: p}
`,
			want: ValidationErrors{
				{Section: SectionTest, Variable: "client.user"},
				{Section: SectionTest, Variable: "client.key"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.document))
			require.NoError(t, err)

			err = cfg.Validate(tt.mode)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrConfigValidation)
			var got ValidationErrors
			require.True(t, errors.As(err, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	assert.Equal(t, `section "cml" not found in config file`, ValidationError{Section: "cml"}.Error())
	assert.Equal(t, `variable "vpn_hop" not defined in section "test"`,
		ValidationError{Section: "test", Variable: "vpn_hop"}.Error())
}
