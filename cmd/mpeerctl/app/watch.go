package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/modempeer/cmd/mpeerctl/app/options"
	"github.com/autopeer-io/modempeer/internal/fwupdate/notifier"
	"github.com/autopeer-io/modempeer/pkg/mqtt"
	"github.com/autopeer-io/modempeer/pkg/mqtt/topic"
)

func newWatchCommand(opts *options.CtlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow update progress published on the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(genericapiserver.SetupSignalContext(), cmd.OutOrStdout(), opts)
		},
	}
}

func watch(ctx context.Context, out io.Writer, opts *options.CtlOptions) error {
	client, err := mqtt.NewClient(opts.MqttOptions.ToClientConfig())
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	if err := client.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", opts.MqttOptions.Broker, err)
	}

	lines := make(chan string, 16)
	filter := topic.NewTopicBuilder(opts.MqttOptions.TopicRoot).ProgressWildcard()
	if err := client.Subscribe(ctx, filter, 1, func(_ context.Context, t string, payload []byte) {
		lines <- formatProgress(t, payload)
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case l := <-lines:
			fmt.Fprintln(out, l)
		}
	}
}

func formatProgress(t string, payload []byte) string {
	p, err := notifier.Decode(payload)
	if err != nil {
		return fmt.Sprintf("%s: undecodable report: %v", t, err)
	}
	line := fmt.Sprintf("%s %s %-18s %-13s %3d%%", time.Unix(p.Timestamp, 0).Format(time.TimeOnly), p.Serial, p.State, p.Process, p.Percent)
	if p.ErrorCode != "" {
		line += " " + p.ErrorCode
	}
	if p.Message != "" {
		line += ": " + p.Message
	}
	return line
}
