// Package route discovers the first hops towards a host and classifies the
// path as tunneled through the VPN or kept local.
package route

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/alexandremahdhaoui/dst/internal/util/ssh"
	"github.com/alexandremahdhaoui/dst/pkg/execcontext"
)

// MaxHops bounds every probe.
const MaxHops = 3

var ErrTrace = errors.New("path discovery failed")

// hopLine matches "<hop> <address|*>" at the start of a traceroute line.
var hopLine = regexp.MustCompile(`(?m)^\s*(\d+)\s+(\d{1,3}(?:\.\d{1,3}){3}|\*)(?:\s|$)`)

// Tracer runs path discovery towards host and returns its raw output.
type Tracer interface {
	Trace(ctx context.Context, host string) (string, error)
}

// Command is the traceroute invocation: ICMP, IPv4, one query per hop,
// numeric output, at most MaxHops hops and a one second wait.
func Command(host string) []string {
	return []string{
		"traceroute", "-I", "-4",
		"-q", "1",
		"-n",
		"-m", strconv.Itoa(MaxHops),
		"-w", "1",
		host,
	}
}

// ParseHops extracts the hop addresses, in hop order, from traceroute
// output. Unanswered hops are Wildcard.
func ParseHops(output string) []string {
	var hops []string
	for _, m := range hopLine.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n != len(hops)+1 {
			continue
		}

		hops = append(hops, m[2])
		if len(hops) == MaxHops {
			break
		}
	}

	return hops
}

// Prober discovers paths with a Tracer.
type Prober struct {
	Tracer Tracer
}

// Probe returns up to MaxHops hop addresses towards host. Every call runs a
// new trace.
func (p *Prober) Probe(ctx context.Context, host string) ([]string, error) {
	out, err := p.Tracer.Trace(ctx, host)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("host=%s", host), err, ErrTrace)
	}

	return ParseHops(out), nil
}

// Hops returns a sequence over the path towards host. The trace runs when
// the sequence is iterated, and again on every new iteration. A failed
// trace yields a single error.
func (p *Prober) Hops(ctx context.Context, host string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		hops, err := p.Probe(ctx, host)
		if err != nil {
			yield("", err)
			return
		}

		for _, hop := range hops {
			if !yield(hop, nil) {
				return
			}
		}
	}
}

// ExecTracer runs traceroute on the local host.
type ExecTracer struct {
	ExecContext execcontext.Context
}

// Trace implements Tracer. A non-zero exit status is not an error: the
// output still lists the hops that answered.
func (t ExecTracer) Trace(ctx context.Context, host string) (string, error) {
	ec := t.ExecContext
	if ec == nil {
		ec = execcontext.Empty()
	}

	argv := Command(host)
	out, err := execcontext.Command(ctx, ec, argv[0], argv[1:]...).CombinedOutput()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	return string(out), nil
}

// RemoteTracer runs traceroute on a remote test client over SSH.
type RemoteTracer struct {
	Runner ssh.Runner
}

// Trace implements Tracer.
func (t RemoteTracer) Trace(ctx context.Context, host string) (string, error) {
	stdout, stderr, err := t.Runner.Run(ctx, execcontext.Empty(), Command(host)...)
	if err != nil && stdout == "" {
		return "", errors.Join(fmt.Errorf("stderr: %s", stderr), err)
	}

	return stdout, nil
}
