// Package execcontext carries the environment and command prefix used to run
// external tools (ansible-playbook, traceroute) so that callers can inject
// sudo, environment overrides or a remote shell without changing call sites.
package execcontext

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
)

// Context describes how a subprocess is launched.
type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

// New returns a Context with the given environment overrides and command
// prefix. Both arguments may be nil.
func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		envs:       maps.Clone(envs),
		prependCmd: slices.Clone(prependCmd),
	}
}

// Empty returns a Context that runs commands as-is.
func Empty() Context {
	return New(nil, nil)
}

// WithEnv returns a copy of ctx with the extra environment variables set.
func WithEnv(ctx Context, envs map[string]string) Context {
	merged := ctx.Envs()
	if merged == nil {
		merged = make(map[string]string, len(envs))
	}
	maps.Copy(merged, envs)
	return New(merged, ctx.PrependCmd())
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	return maps.Clone(c.envs)
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	return slices.Clone(c.prependCmd)
}

// Command builds an *exec.Cmd for name/args with the prefix and environment
// of ec applied. The process inherits the current environment.
func Command(ctx context.Context, ec Context, name string, args ...string) *exec.Cmd {
	argv := append(ec.PrependCmd(), name)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(ec.Envs()) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, ec.Envs()[k]))
	}
	return cmd
}

// FormatCmd renders the command line as it would be typed in a shell, with
// environment assignments first. It is used for logs and remote execution.
func FormatCmd(ec Context, cmd ...string) string {
	var b strings.Builder

	envs := ec.Envs()
	for _, k := range sortedKeys(envs) {
		fmt.Fprintf(&b, "%s=%q ", k, envs[k])
	}
	for _, s := range ec.PrependCmd() {
		appendArg(&b, s)
	}
	for _, s := range cmd {
		appendArg(&b, s)
	}

	return strings.TrimSpace(b.String())
}

var unquotable = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"|":  {},
	"&":  {},
}

func appendArg(b *strings.Builder, s string) {
	if _, ok := unquotable[s]; ok {
		fmt.Fprintf(b, "%s ", s)
		return
	}
	fmt.Fprintf(b, "%q ", s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
