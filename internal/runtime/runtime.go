// Package runtime is the boundary to the host process that supervises the
// gateway: it lists sibling applications and receives the restart signal.
package runtime

import (
	"context"
)

// Discoverer lists the ids of the sibling applications.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// Notifier receives "recompose now" from the change watcher.
type Notifier interface {
	NotifyChanged(ctx context.Context) error
}

// Runtime is what the supervisor loop needs from the host.
type Runtime interface {
	Discoverer
	Notifier
	// Changes delivers restart signals; several signals sent before one is
	// received coalesce into one.
	Changes() <-chan struct{}
	Close() error
}

// Local keeps everything in process: a static sibling list and a restart
// channel consumed by the in-process supervisor.
type Local struct {
	siblings []string
	changes  chan struct{}
}

var _ Runtime = (*Local)(nil)

func NewLocal(siblings ...string) *Local {
	return &Local{siblings: append([]string(nil), siblings...), changes: make(chan struct{}, 1)}
}

func (l *Local) Discover(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), l.siblings...), nil
}

func (l *Local) NotifyChanged(ctx context.Context) error {
	select {
	case l.changes <- struct{}{}:
	default:
		// a signal is already pending
	}
	return nil
}

func (l *Local) Changes() <-chan struct{} { return l.changes }

func (l *Local) Close() error { return nil }
