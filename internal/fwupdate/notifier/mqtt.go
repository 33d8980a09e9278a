package notifier

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	pkgmqtt "github.com/autopeer-io/modempeer/pkg/mqtt"
	"github.com/autopeer-io/modempeer/pkg/mqtt/topic"
)

// MQTTNotifier publishes CBOR encoded progress. The state topic is retained
// so late subscribers see the last report.
type MQTTNotifier struct {
	client pkgmqtt.Client
	topics *topic.TopicBuilder
}

func NewMQTTNotifier(client pkgmqtt.Client, builder *topic.TopicBuilder) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		topics: builder,
	}
}

func (n *MQTTNotifier) Notify(ctx context.Context, p Progress) error {
	if !n.client.IsConnected() {
		return nil
	}

	payload, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	if err := n.client.Publish(ctx, n.topics.Progress(p.Serial), 1, false, payload); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return n.client.Publish(ctx, n.topics.State(p.Serial), 1, true, payload)
}

// Decode parses a payload published by MQTTNotifier.
func Decode(payload []byte) (Progress, error) {
	var p Progress
	if err := cbor.Unmarshal(payload, &p); err != nil {
		return Progress{}, fmt.Errorf("decode progress: %w", err)
	}
	return p, nil
}
