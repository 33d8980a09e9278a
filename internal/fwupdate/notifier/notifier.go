// Package notifier fans update progress out to the log, the status file and
// an MQTT broker.
package notifier

import (
	"context"
	"errors"
	"strconv"

	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// Progress is one report of an update attempt.
type Progress struct {
	Serial    string `cbor:"1,keyasint" json:"serial"`
	State     string `cbor:"2,keyasint" json:"state"`
	Process   string `cbor:"3,keyasint" json:"process"`
	Percent   int    `cbor:"4,keyasint" json:"percent"`
	ErrorCode string `cbor:"5,keyasint,omitempty" json:"errorCode,omitempty"`
	Message   string `cbor:"6,keyasint,omitempty" json:"message,omitempty"`
	Timestamp int64  `cbor:"7,keyasint" json:"timestamp"`
}

// Notifier receives progress reports.
type Notifier interface {
	Notify(ctx context.Context, p Progress) error
}

// Multi notifies every member and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, p Progress) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, p Progress) error {
	kv := []any{"serial", p.Serial, "state", p.State, "process", p.Process, "percent", p.Percent}
	if p.ErrorCode != "" {
		kv = append(kv, "errorCode", p.ErrorCode)
	}
	if p.Message != "" {
		kv = append(kv, "message", p.Message)
	}
	log.Info("Update progress", kv...)
	return nil
}

// StatusNotifier keeps the latest state and percentage in the status file.
type StatusNotifier struct {
	store *status.Store
}

func NewStatusNotifier(store *status.Store) *StatusNotifier {
	return &StatusNotifier{store: store}
}

func (n *StatusNotifier) Notify(_ context.Context, p Progress) error {
	return n.store.Update(func(v status.Values) {
		v[status.KeyState] = p.State
		v[status.KeyProgress] = strconv.Itoa(p.Percent)
	})
}
