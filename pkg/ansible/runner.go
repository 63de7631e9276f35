// Package ansible applies playbooks to the firewalls with ansible-playbook
// and manages the transient inventory and variables files of a run.
package ansible

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/dst/pkg/execcontext"
	"github.com/tidwall/gjson"
)

const (
	// DeployPlaybook pushes the split-tunnel configuration.
	DeployPlaybook = "dst-playbook.yaml"
	// ResetPlaybook restores the lab firewall after a test.
	ResetPlaybook = "reset-test-playbook.yaml"

	unknownTask = "Unknown Task"
	unknownHost = "Unknown Host"
)

var ErrPlaybookFailed = errors.New("ansible playbook failed")

// Playbook is one ansible-playbook invocation.
type Playbook struct {
	Name      string
	Inventory string
	Variables string
	SkipTags  []string
}

// Runner applies playbooks.
type Runner interface {
	Run(ctx context.Context, p Playbook) error
}

// TaskFailure is the first failed task reported by a playbook run.
type TaskFailure struct {
	Playbook string
	Task     string
	Host     string
	Message  string
}

func (f *TaskFailure) Error() string {
	return fmt.Sprintf("Failed to run the Ansible playbook task '%s' on host %s: %s", f.Task, f.Host, f.Message)
}

func (f *TaskFailure) Unwrap() error {
	return ErrPlaybookFailed
}

var _ Runner = &PlaybookRunner{}

// PlaybookRunner runs ansible-playbook with the JSON stdout callback.
type PlaybookRunner struct {
	// Dir contains the ansible/ directory. Defaults to the working
	// directory.
	Dir string
	// Python is passed as ansible_python_interpreter. Defaults to the
	// python found in PATH.
	Python      string
	ExecContext execcontext.Context
}

func (r *PlaybookRunner) dir() string {
	if r.Dir != "" {
		return r.Dir
	}

	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	return wd
}

func (r *PlaybookRunner) python() string {
	if r.Python != "" {
		return r.Python
	}

	for _, name := range []string{"python", "python3"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	return "python3"
}

// Env returns the environment ansible-playbook runs with.
func (r *PlaybookRunner) Env() map[string]string {
	return map[string]string{
		"ANSIBLE_CONFIG":            filepath.Join(r.dir(), "ansible", "dst.ansible.cfg"),
		"ANSIBLE_HOST_KEY_CHECKING": "False",
		"ANSIBLE_STDOUT_CALLBACK":   "json",
	}
}

// Args returns the ansible-playbook arguments for p.
func (r *PlaybookRunner) Args(p Playbook) []string {
	args := []string{
		"-i", p.Inventory,
		"-e", "dst_variable_file=" + p.Variables,
		"-e", "ansible_python_interpreter=" + r.python(),
		filepath.Join("ansible", p.Name),
	}

	if len(p.SkipTags) > 0 {
		args = append(args, "--skip-tags", strings.Join(p.SkipTags, ","))
	}

	return args
}

// Run implements Runner. A failed run returns a *TaskFailure.
func (r *PlaybookRunner) Run(ctx context.Context, p Playbook) error {
	ec := r.ExecContext
	if ec == nil {
		ec = execcontext.Empty()
	}
	ec = execcontext.WithEnv(ec, r.Env())

	cmd := execcontext.Command(ctx, ec, "ansible-playbook", r.Args(p)...)
	cmd.Dir = r.dir()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("running ansible playbook", "playbook", p.Name, "inventory", p.Inventory)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, fmt.Errorf("playbook=%s", p.Name), ErrPlaybookFailed)
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return errors.Join(err, fmt.Errorf("playbook=%s", p.Name), ErrPlaybookFailed)
		}

		failure := ParseFailure(stdout.Bytes())
		failure.Playbook = p.Name
		if failure.Message == "" {
			failure.Message = strings.TrimSpace(stderr.String())
		}

		return failure
	}

	return nil
}

// ParseFailure extracts the first failed task and host from the output of
// the JSON stdout callback. Output that is not JSON is kept as the message.
func ParseFailure(output []byte) *TaskFailure {
	failure := &TaskFailure{Task: unknownTask, Host: unknownHost}

	start := bytes.IndexByte(output, '{')
	if start < 0 || !gjson.ValidBytes(output[start:]) {
		failure.Message = strings.TrimSpace(string(output))
		return failure
	}

	result := gjson.ParseBytes(output[start:])

	result.Get("plays.0.tasks").ForEach(func(_, block gjson.Result) bool {
		found := false

		block.Get("hosts").ForEach(func(host, props gjson.Result) bool {
			if !props.Get("failed").Bool() {
				return true
			}

			failure.Host = host.String()
			failure.Task = block.Get("task.name").String()
			failure.Message = failureMessage(props)
			found = true

			return false
		})

		return !found
	})

	return failure
}

func failureMessage(props gjson.Result) string {
	var b strings.Builder

	if msg := props.Get("msg"); msg.Exists() {
		b.WriteString(msg.String())
		b.WriteString("\n")
	}

	if stdout := props.Get("stdout"); stdout.IsArray() {
		var lines []string
		for _, l := range stdout.Array() {
			lines = append(lines, l.String())
		}
		b.WriteString(strings.Join(lines, "\n"))
	} else if stdout.Exists() {
		b.WriteString(stdout.String())
	}

	return strings.TrimRight(b.String(), "\n")
}
