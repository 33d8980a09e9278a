package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/modempeer/pkg/log"
)

// Runner is a long-running daemon component.
type Runner interface {
	Start(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Start(ctx context.Context) error { return f(ctx) }

// Manager runs a daemon's components together. The first one to fail
// cancels the others.
type Manager struct {
	names   []string
	runners []Runner
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers a component under a name used in logs.
func (m *Manager) Add(name string, r Runner) {
	m.names = append(m.names, name)
	m.runners = append(m.runners, r)
}

// Start launches all components in parallel and waits for termination.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, r := range m.runners {
		name := m.names[i]
		g.Go(func() error {
			err := r.Start(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error(err, "Component stopped", "component", name)
			}
			return err
		})
	}

	log.Info("All components starting", "count", len(m.runners))
	return g.Wait()
}
