// Package reach checks that an address answers ICMP echo and waits, with a
// bound, until it does.
package reach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var ErrTimeout = errors.New("timed out waiting for address to become reachable")

// Checker reports whether an address is reachable right now.
type Checker interface {
	Reachable(ctx context.Context, addr string) (bool, error)
}

var _ Checker = &ICMPChecker{}

// ICMPChecker sends a single echo request per check.
type ICMPChecker struct {
	// Privileged uses raw sockets instead of unprivileged datagram ICMP.
	Privileged bool
	// Timeout bounds one check. Defaults to one second.
	Timeout time.Duration
}

// Reachable implements Checker.
func (c *ICMPChecker) Reachable(ctx context.Context, addr string) (bool, error) {
	pr := probing.New(addr)
	pr.SetNetwork("ip4")

	if err := pr.Resolve(); err != nil {
		return false, fmt.Errorf("resolving '%s': %w", addr, err)
	}

	pr.Count = 1
	pr.Timeout = c.Timeout
	if pr.Timeout == 0 {
		pr.Timeout = time.Second
	}
	pr.RecordRtts = false
	pr.SetPrivileged(c.Privileged)
	pr.SetLogger(nil)

	if err := pr.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("pinging '%s': %w", addr, err)
	}

	return pr.Statistics().PacketsRecv > 0, nil
}

// WaitReachable checks addr every interval until it answers. A zero timeout
// waits until ctx is done. Failed checks count as unreachable.
func WaitReachable(ctx context.Context, checker Checker, addr string, interval, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := checker.Reachable(ctx, addr)
		if ok {
			return nil
		}

		if err != nil {
			slog.Debug("reachability check failed", "addr", addr, "err", err)
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
				return errors.Join(fmt.Errorf("addr=%s timeout=%s", addr, timeout), lastErr, ErrTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
