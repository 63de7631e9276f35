package route

import (
	"fmt"
	"strings"
)

// Wildcard marks a hop that did not answer.
const Wildcard = "*"

// Kind is the expected routing of a host.
type Kind string

const (
	// Tunneled hosts must leave through the VPN gateway.
	Tunneled Kind = "tunneled"
	// Local hosts must keep the path observed before the VPN came up.
	Local Kind = "local"
)

// Verdict is the result of classifying one host.
type Verdict string

const (
	OK        Verdict = "OK"
	Anomalous Verdict = "ANOMALOUS"
)

// Outcome is the classification of one host.
type Outcome struct {
	Host     string   `json:"host"`
	Kind     Kind     `json:"kind"`
	Observed []string `json:"observed"`
	// Expected is the gateway hop and the host for tunneled hosts, and the
	// baseline path for local hosts.
	Expected []string `json:"expected"`
	Verdict  Verdict  `json:"verdict"`
	// Position is the index of the offending hop, -1 when OK.
	Position int `json:"position"`
}

// OK reports whether the route matched its expectation.
func (o Outcome) OK() bool {
	return o.Verdict == OK
}

// Message describes an anomalous outcome for the operator.
func (o Outcome) Message() string {
	hops := strings.Join(o.Observed, ", ")

	switch o.Kind {
	case Tunneled:
		return fmt.Sprintf("Traffic to host %s is not being properly tunneled over the VPN; first three hops are %s.", o.Host, hops)
	default:
		return fmt.Sprintf("Traffic to host %s is not being properly routed locally; first three hops are %s.", o.Host, hops)
	}
}

// ClassifyTunneled checks that the third hop to host is the VPN gateway hop
// or host itself. When the path has fewer than three hops the destination
// was reached early and its last hop is checked instead. An empty path is
// anomalous.
func ClassifyTunneled(host string, observed []string, gatewayHop string) Outcome {
	out := Outcome{
		Host:     host,
		Kind:     Tunneled,
		Observed: observed,
		Expected: []string{gatewayHop, host},
		Verdict:  OK,
		Position: -1,
	}

	if len(observed) == 0 {
		out.Verdict, out.Position = Anomalous, 0
		return out
	}

	i := min(len(observed), MaxHops) - 1
	if observed[i] != gatewayHop && observed[i] != host {
		out.Verdict, out.Position = Anomalous, i
	}

	return out
}

// ClassifyLocal compares observed with baseline hop by hop up to the
// shorter of the two. The first mismatch is anomalous; a wildcard only
// matches a wildcard. Paths of different lengths are anomalous when the
// shorter one ends with a wildcard, since the unanswered hop may hide a
// divergence.
func ClassifyLocal(host string, observed, baseline []string) Outcome {
	out := Outcome{
		Host:     host,
		Kind:     Local,
		Observed: observed,
		Expected: baseline,
		Verdict:  OK,
		Position: -1,
	}

	n := min(len(observed), len(baseline))
	for i := range n {
		if observed[i] != baseline[i] {
			out.Verdict, out.Position = Anomalous, i
			return out
		}
	}

	if len(observed) != len(baseline) && n > 0 && observed[n-1] == Wildcard {
		out.Verdict, out.Position = Anomalous, n-1
	}

	return out
}
