// Package confirm provides the sources that tell a test run the operator's
// VPN client is connected to the lab gateway.
package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	ErrInputClosed   = errors.New("confirmation input closed")
	ErrUnknownSource = errors.New("unknown confirmation source")
)

// Confirmer blocks until the VPN client is connected to gateway.
type Confirmer interface {
	Confirm(ctx context.Context, gateway string) error
}

// Parse returns the Confirmer named by source: "console", "auto" or
// "wireguard:<interface>". Console prompts are written to out, which should
// be the writer of the stage reporter so prompts do not interleave with its
// output.
func Parse(source string, out io.Writer) (Confirmer, error) {
	switch name, arg, _ := strings.Cut(source, ":"); name {
	case "", "console":
		return &Console{In: os.Stdin, Out: out}, nil
	case "auto":
		return Auto{}, nil
	case "wireguard":
		if arg == "" {
			return nil, fmt.Errorf("wireguard requires an interface name: %w", ErrUnknownSource)
		}
		return &WireGuard{Device: arg, PollInterval: time.Second}, nil
	default:
		return nil, errors.Join(fmt.Errorf("source=%s", source), ErrUnknownSource)
	}
}

// ------------------------------------------------- CONSOLE -------------------------------------------------------- //

var _ Confirmer = &Console{}

// Console asks the operator to connect and waits for a line starting with
// "y".
type Console struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements Confirmer. Lines are read by a goroutine that returns
// once Confirm has returned and its pending read completes. A read blocked
// on a terminal therefore ends with the next line or EOF.
func (c *Console) Confirm(ctx context.Context, gateway string) error {
	fmt.Fprintln(c.Out, "Dynamic Split Tunnel VPN is ready to test.")

	lines := make(chan string)
	done := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		sc := bufio.NewScanner(c.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		done <- errors.Join(sc.Err(), ErrInputClosed)
	}()

	for {
		fmt.Fprintf(c.Out, "Point AnyConnect to %s then when connected, hit 'y' and press Enter in this window to start the test...\n", gateway)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case line := <-lines:
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
				return nil
			}
		}
	}
}

// ------------------------------------------------- AUTO ----------------------------------------------------------- //

var _ Confirmer = Auto{}

// Auto confirms immediately. It is used when an automation harness connects
// the client before the run.
type Auto struct{}

// Confirm implements Confirmer.
func (Auto) Confirm(context.Context, string) error {
	return nil
}

// ------------------------------------------------- WIREGUARD ------------------------------------------------------ //

type wgClient interface {
	Device(name string) (*wgtypes.Device, error)
	Close() error
}

var _ Confirmer = &WireGuard{}

// WireGuard confirms once a peer of Device completes a handshake after
// Confirm was called.
type WireGuard struct {
	Device       string
	PollInterval time.Duration

	newClient func() (wgClient, error)
	now       func() time.Time
}

// Confirm implements Confirmer.
func (w *WireGuard) Confirm(ctx context.Context, gateway string) error {
	newClient := w.newClient
	if newClient == nil {
		newClient = func() (wgClient, error) { return wgctrl.New() }
	}

	now := w.now
	if now == nil {
		now = time.Now
	}

	client, err := newClient()
	if err != nil {
		return fmt.Errorf("creating WireGuard client: %w", err)
	}
	defer client.Close()

	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	since := now()
	for {
		d, err := client.Device(w.Device)
		if err != nil {
			return fmt.Errorf("retrieving WireGuard device '%s': %w", w.Device, err)
		}

		for _, p := range d.Peers {
			if p.LastHandshakeTime.After(since) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
