package at

import (
	"context"
)

// Kind names the transport chosen by the startup probe.
type Kind int

const (
	KindNone Kind = iota
	KindMBIM
	KindCLI
	KindSerial
)

func (k Kind) String() string {
	switch k {
	case KindMBIM:
		return "mbim"
	case KindCLI:
		return "cli"
	case KindSerial:
		return "serial"
	default:
		return "none"
	}
}

// Transport sends one AT command and returns the raw reply text. It must
// return once ctx is done.
type Transport interface {
	Exchange(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Reinitializer is implemented by transports that can be torn down and
// reopened in place after repeated errors.
type Reinitializer interface {
	Reinit(ctx context.Context) error
}
