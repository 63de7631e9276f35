// Package cleanup tears down what a run created: the lab topology and the
// transient files handed to the configuration-management runner.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrCleanup = errors.New("cleanup failed")

// Topology is a lab that can be torn down.
type Topology interface {
	Stop(ctx context.Context) error
	Wipe(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Artifact is a transient file.
type Artifact interface {
	Remove() error
}

// Resources lists what a run holds. Nil fields are skipped.
type Resources struct {
	Topology  Topology
	Inventory Artifact
	Variables Artifact
}

// Coordinator runs the teardown of a run once.
type Coordinator struct {
	once sync.Once
	err  error
}

// New returns a Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Run attempts every teardown step, each in its own failure boundary. The
// first error is returned wrapped in ErrCleanup and later ones are logged.
// Subsequent calls return the first call's result without tearing down
// again.
func (c *Coordinator) Run(ctx context.Context, res Resources) error {
	c.once.Do(func() {
		c.err = run(ctx, res)
	})

	return c.err
}

func run(ctx context.Context, res Resources) error {
	var first error

	record := func(what string, err error) {
		if err == nil {
			return
		}

		if first == nil {
			first = errors.Join(fmt.Errorf("resource=%s", what), err, ErrCleanup)
			return
		}

		slog.Error("cleanup step failed", "resource", what, "err", err)
	}

	if res.Topology != nil {
		record("topology", teardown(ctx, res.Topology))
	}

	if res.Inventory != nil {
		record("inventory", res.Inventory.Remove())
	}

	if res.Variables != nil {
		record("variables", res.Variables.Remove())
	}

	return first
}

func teardown(ctx context.Context, t Topology) error {
	if err := t.Stop(ctx); err != nil {
		return err
	}

	if err := t.Wipe(ctx); err != nil {
		return err
	}

	return t.Remove(ctx)
}
