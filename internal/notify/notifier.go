package notify

import (
	"context"
	"errors"
)

// DropEvent is emitted once per reward a worker observes.
type DropEvent struct {
	At      int64  `json:"atMs"`
	Account string `json:"account"`
	League  string `json:"league,omitempty"`
	Reward  string `json:"reward,omitempty"`
	DropID  string `json:"dropId,omitempty"`
}

type Notifier interface {
	NotifyDrop(ctx context.Context, evt DropEvent)
}

// Closer is implemented by notifiers that own a background goroutine.
type Closer interface {
	Close(ctx context.Context) error
}

// Multi fans each event out to every notifier.
type Multi []Notifier

func (m Multi) NotifyDrop(ctx context.Context, evt DropEvent) {
	for _, n := range m {
		n.NotifyDrop(ctx, evt)
	}
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(Closer); ok {
			errs = append(errs, c.Close(ctx))
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) NotifyDrop(context.Context, DropEvent) {}
