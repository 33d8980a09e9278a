package mqtt

import (
	"context"
)

// MessageHandler receives one publish on a subscribed filter. It runs on its
// own goroutine.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client is the MQTT surface used by mpeer-fwupdate and mpeerctl.
type Client interface {
	// Start dials in the background and returns at once.
	Start(ctx context.Context) error

	Disconnect(ctx context.Context)

	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers handler for filter. Subscriptions survive
	// reconnects.
	Subscribe(ctx context.Context, filter string, qos int, handler MessageHandler) error

	// AwaitConnection blocks until the first connection is up or ctx ends.
	AwaitConnection(ctx context.Context) error

	IsConnected() bool
}
