//go:build unit

package execcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatCmd(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		cmd  []string
		want string
	}{
		{
			name: "plain command",
			ctx:  Empty(),
			cmd:  []string{"traceroute", "-n", "10.0.0.1"},
			want: `"traceroute" "-n" "10.0.0.1"`,
		},
		{
			name: "with sudo prefix",
			ctx:  New(nil, []string{"sudo"}),
			cmd:  []string{"traceroute", "-I"},
			want: `"sudo" "traceroute" "-I"`,
		},
		{
			name: "env vars are sorted and operators kept bare",
			ctx:  New(map[string]string{"B": "2", "A": "1"}, nil),
			cmd:  []string{"true", "&&", "false"},
			want: `A="1" B="2" "true" && "false"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatCmd(tt.ctx, tt.cmd...))
		})
	}
}

func TestCommand(t *testing.T) {
	ec := New(map[string]string{"ANSIBLE_HOST_KEY_CHECKING": "False"}, []string{"sudo", "-n"})

	cmd := Command(context.Background(), ec, "ansible-playbook", "-i", "inv")

	assert.Equal(t, []string{"sudo", "-n", "ansible-playbook", "-i", "inv"}, cmd.Args)
	assert.Contains(t, cmd.Env, "ANSIBLE_HOST_KEY_CHECKING=False")
}

func TestWithEnv_DoesNotMutateParent(t *testing.T) {
	parent := New(map[string]string{"A": "1"}, nil)

	child := WithEnv(parent, map[string]string{"B": "2"})

	assert.Equal(t, map[string]string{"A": "1"}, parent.Envs())
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, child.Envs())
}
