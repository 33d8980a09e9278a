// Package at dispatches the fixed AT command table over the transport
// chosen at startup and normalises the replies.
package at

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultErrorCeiling = 2
)

// Result of one dispatch.
type Result struct {
	Status message.Status
	Text   string
	// Degraded marks a reply without OK or ERROR returned as raw text.
	Degraded bool
}

// Dispatcher serialises AT commands onto one transport.
type Dispatcher struct {
	probe   Probe
	timeout time.Duration
	ceiling int

	mu          sync.Mutex
	consecutive int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithErrorCeiling sets how many consecutive errors trigger a transport
// reinit, when the transport supports it.
func WithErrorCeiling(n int) Option {
	return func(dp *Dispatcher) { dp.ceiling = n }
}

func NewDispatcher(probe Probe, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		probe:   probe,
		timeout: DefaultTimeout,
		ceiling: DefaultErrorCeiling,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Kind returns the transport in use.
func (d *Dispatcher) Kind() Kind {
	return d.probe.Kind
}

// Build renders the AT text of cid with its parameter.
func Build(cid command.ID, param string) (string, command.ATTemplate, error) {
	tmpl, ok := command.AT(cid)
	if !ok {
		return "", tmpl, fmt.Errorf("%s has no AT template: %w", cid, errdefs.ErrProtocol)
	}

	switch tmpl.Param {
	case command.ParamNone:
		if param != "" {
			return "", tmpl, fmt.Errorf("%s takes no parameter", cid.Name())
		}
		return tmpl.Text, tmpl, nil
	case command.ParamQuoted:
		if param == "" || strings.ContainsAny(param, "\"\r\n") {
			return "", tmpl, fmt.Errorf("%s: invalid parameter %q", cid.Name(), param)
		}
		return tmpl.Text + `"` + param + `"`, tmpl, nil
	default:
		if param == "" || strings.ContainsAny(param, "\r\n") {
			return "", tmpl, fmt.Errorf("%s: invalid parameter %q", cid.Name(), param)
		}
		return tmpl.Text + param, tmpl, nil
	}
}

// Dispatch sends cid with the optional parameter and waits up to the
// configured timeout. Errors and timeouts are reported, never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, cid command.ID, param string) (Result, error) {
	text, tmpl, err := Build(cid, param)
	if err != nil {
		return Result{Status: message.StatusError}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	kind := d.probe.Kind.String()
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	raw, err := d.probe.Transport.Exchange(cctx, text)
	cancel()

	if err != nil {
		d.failed(ctx)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.DispatchTotal.WithLabelValues(kind, "timeout").Inc()
			return Result{Status: message.StatusTimeout}, fmt.Errorf("%s: %w", text, errdefs.ErrTimeout)
		}
		metrics.DispatchTotal.WithLabelValues(kind, "error").Inc()
		return Result{Status: message.StatusError}, fmt.Errorf("%s: %w", text, err)
	}

	outcome, canonical := Extract(text, raw)
	metrics.DispatchTotal.WithLabelValues(kind, outcome.String()).Inc()

	switch outcome {
	case OutcomeOk:
		d.consecutive = 0
		return Result{Status: message.StatusOk, Text: stripTag(canonical, tmpl.Tag)}, nil
	case OutcomeError:
		d.failed(ctx)
		return Result{Status: message.StatusError}, &errdefs.DeviceRejectedError{Op: text}
	default:
		d.consecutive = 0
		log.Warn("AT reply carried no final result, returning raw text", "command", text, "raw", canonical)
		return Result{Status: message.StatusOk, Text: canonical, Degraded: true}, nil
	}
}

// failed counts a consecutive error and reinitialises the transport once
// the ceiling is reached. Caller holds d.mu.
func (d *Dispatcher) failed(ctx context.Context) {
	d.consecutive++
	if d.consecutive < d.ceiling {
		return
	}

	r, ok := d.probe.Transport.(Reinitializer)
	if !ok {
		return
	}

	log.Warn("Reinitialising AT transport after consecutive errors", "transport", d.probe.Kind.String(), "errors", d.consecutive)
	d.consecutive = 0
	if err := r.Reinit(ctx); err != nil {
		log.Error(err, "AT transport reinit failed", "transport", d.probe.Kind.String())
	}
}

// Close releases the transport.
func (d *Dispatcher) Close() error {
	return d.probe.Transport.Close()
}
