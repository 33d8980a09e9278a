package app

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/modempeer/cmd/mpeerctl/app/options"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/internal/pkg/sysbus"
)

func newStatusCommand(opts *options.CtlOptions) *cobra.Command {
	var skipUnits bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted update status and the daemon units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := status.Open(opts.StatusOptions.Path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, statusTable(store.Snapshot()))

			if skipUnits {
				return nil
			}
			units, err := sysbus.UnitStates(cmd.Context(), opts.Units...)
			if err != nil {
				fmt.Fprintf(out, "\nunits unavailable: %v\n", err)
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, unitTable(units))
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipUnits, "no-units", false, "Do not query systemd for the daemon units.")
	return cmd
}

func statusTable(v status.Values) *uitable.Table {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("KEY", "VALUE")
	for _, k := range keys {
		table.AddRow(k, v[k])
	}
	return table
}

func unitTable(units []sysbus.UnitState) *uitable.Table {
	table := uitable.New()
	table.AddRow("UNIT", "LOAD", "ACTIVE", "SUB", "PID")
	for _, u := range units {
		table.AddRow(u.Name, u.LoadState, u.ActiveState, u.SubState, u.MainPID)
	}
	return table
}

func newResetCountersCommand(opts *options.CtlOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-counters",
		Short: "Clear the persisted retry and hardware reset counters",
		Long: `Clears the retry and hardware reset counters and the pending retry flag.
mpeer-fwupdate refuses to start an attempt once a counter reaches its limit;
this is the way to allow attempts again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetCounters(cmd.Context(), cmd.OutOrStdout(), opts.StatusOptions.Path)
		},
	}
}

func resetCounters(_ context.Context, out io.Writer, path string) error {
	store, err := status.Open(path)
	if err != nil {
		return err
	}
	before := store.Snapshot()
	if err := store.Update(func(v status.Values) {
		v.SetInt(status.KeyRetryCount, 0)
		v.SetInt(status.KeyHwResetCount, 0)
		v.SetBool(status.KeyNeedRetry, false)
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "counters reset (retries %d, hardware resets %d)\n",
		before.Int(status.KeyRetryCount), before.Int(status.KeyHwResetCount))
	return nil
}
