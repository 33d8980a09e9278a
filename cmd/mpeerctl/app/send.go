package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/modempeer/cmd/mpeerctl/app/options"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/ipc"
)

func newSendCommand(opts *options.CtlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send COMMAND [CONTENT]",
		Short: "Send one command and print the reply",
		Example: `  mpeerctl send MADPT_GET_FW_VERSION
  mpeerctl send 0x0209 VERIZON`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cid, err := command.Parse(args[0])
			if err != nil {
				return err
			}
			content := ""
			if len(args) == 2 {
				content = args[1]
			}
			return send(genericapiserver.SetupSignalContext(), cmd.OutOrStdout(), opts, cid, content)
		},
	}
}

// send borrows the core identity to receive the reply.
func send(ctx context.Context, out io.Writer, opts *options.CtlOptions, cid command.ID, content string) error {
	bus := ipc.NewBus(opts.BusOptions.RuntimeDir)
	ch, err := bus.Open(command.IdentityCore)
	if err != nil {
		return err
	}
	defer ch.Close()

	requester := ipc.NewRequester(bus, command.IdentityCore)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = ipc.NewServer(bus, ch, nil, requester).Start(ctx) }()

	reply, err := requester.Request(ctx, cid, content, opts.BusOptions.RequestTimeout)
	fmt.Fprintf(out, "%s -> %s: %s\n", cid, command.Destination(cid), reply.Status)
	if reply.Response != "" {
		fmt.Fprintln(out, reply.Response)
	}
	return err
}

func newCommandsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "Print the command table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), commandTable())
			return nil
		},
	}
}

func commandTable() *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "NAME", "DESTINATION", "AT")
	for _, id := range command.All() {
		at := ""
		if tmpl, ok := command.AT(id); ok {
			at = tmpl.Text
			if tmpl.Param != command.ParamNone {
				at += "<param>"
			}
		}
		table.AddRow(fmt.Sprintf("0x%04x", uint32(id)), id.Name(), strings.TrimPrefix(command.Destination(id).Name(), "/"), at)
	}
	return table
}
