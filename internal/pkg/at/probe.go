package at

import (
	"context"
	"errors"
	"fmt"

	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// Probe is the transport selected at startup.
type Probe struct {
	Kind      Kind
	Transport Transport
}

// Candidate opens one transport kind, or fails if it is not available.
type Candidate struct {
	Kind Kind
	Open func(ctx context.Context) (Transport, error)
}

// ProbeTransports opens the candidates in order and keeps the first that
// succeeds. Order the candidates MBIM, CLI, serial.
func ProbeTransports(ctx context.Context, candidates ...Candidate) (Probe, error) {
	var errs []error
	for _, c := range candidates {
		if c.Open == nil {
			continue
		}
		t, err := c.Open(ctx)
		if err != nil {
			log.Info("AT transport not available", "transport", c.Kind.String(), "reason", err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", c.Kind, err))
			continue
		}
		log.Info("AT transport selected", "transport", c.Kind.String())
		return Probe{Kind: c.Kind, Transport: t}, nil
	}
	if len(errs) == 0 {
		return Probe{}, fmt.Errorf("no AT transport candidates: %w", errdefs.ErrTransportUnavailable)
	}
	return Probe{}, fmt.Errorf("no AT transport: %w: %w", errors.Join(errs...), errdefs.ErrTransportUnavailable)
}
