package sysbus

import (
	"context"
	"fmt"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
)

// UnitState is what systemd reports about one daemon unit.
type UnitState struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
	MainPID     uint32
}

// UnitStates asks systemd about each unit. Units systemd cannot resolve are
// reported with empty states.
func UnitStates(ctx context.Context, units ...string) ([]UnitState, error) {
	conn, err := sddbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect systemd: %w", err)
	}
	defer conn.Close()

	out := make([]UnitState, 0, len(units))
	for _, u := range units {
		name := UnitName(u)
		st := UnitState{Name: name}

		props, err := conn.GetUnitPropertiesContext(ctx, name)
		if err == nil {
			st.LoadState, _ = props["LoadState"].(string)
			st.ActiveState, _ = props["ActiveState"].(string)
			st.SubState, _ = props["SubState"].(string)
			st.MainPID, _ = props["MainPID"].(uint32)
		}
		out = append(out, st)
	}
	return out, nil
}

// UnitName appends the .service suffix when missing.
func UnitName(u string) string {
	if strings.HasSuffix(u, ".service") {
		return u
	}
	return u + ".service"
}
