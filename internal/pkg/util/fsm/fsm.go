// Package fsm adapts looplab/fsm callbacks to functions that return errors.
package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent turns fn into a callback. A non-nil error is stored on the event:
// in a before_ callback it cancels the transition, in an enter_ callback it is
// returned from Event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// Failed reports whether err from Event is a real failure. A transition a
// guard canceled or that was not taken is not.
func Failed(err error) bool {
	if err == nil {
		return false
	}
	var (
		noTransition fsm.NoTransitionError
		canceled     fsm.CanceledError
	)
	return !errors.As(err, &noTransition) && !errors.As(err, &canceled)
}
