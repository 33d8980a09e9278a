// Package sysbus announces a daemon on the system bus and to systemd.
package sysbus

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"

	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// notifier is satisfied by go-systemd's daemon package.
type notifier func(unsetEnvironment bool, state string) (bool, error)

// Presence claims the daemon's well-known bus name and keeps the systemd
// watchdog fed while it runs.
type Presence struct {
	name   string
	conn   *dbus.Conn
	notify notifier
	// watchdog returns the interval systemd expects, zero when disabled.
	watchdog func() (time.Duration, error)
}

// NewPresence prepares the presence of daemon. conn may be nil when the
// system bus is not used.
func NewPresence(conn *dbus.Conn, o *options.DbusOptions, daemonName string) *Presence {
	return &Presence{
		name:   BusName(o.NamePrefix, daemonName),
		conn:   conn,
		notify: daemon.SdNotify,
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

// BusName joins prefix and the daemon name, for example
// io.autopeer.ModemPeer.fwupdate.
func BusName(prefix, daemonName string) string {
	return prefix + "." + daemonName
}

// Connect opens the shared system bus connection.
func Connect() (*dbus.Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return conn, nil
}

// Start claims the name, reports readiness and pets the watchdog until ctx
// ends. It implements the server Runner contract.
func (p *Presence) Start(ctx context.Context) error {
	if p.conn != nil {
		reply, err := p.conn.RequestName(p.name, dbus.NameFlagDoNotQueue)
		if err != nil {
			return fmt.Errorf("request bus name %s: %w", p.name, err)
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			return fmt.Errorf("bus name %s is already owned", p.name)
		}
		defer func() {
			if _, err := p.conn.ReleaseName(p.name); err != nil {
				log.Warn("Failed to release bus name", "name", p.name, "error", err.Error())
			}
		}()
		log.Info("Claimed bus name", "name", p.name)
	}

	if sent, err := p.notify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify READY failed", "error", err.Error())
	} else if sent {
		log.Debug("Notified systemd of readiness")
	}

	interval, err := p.watchdog()
	if err != nil {
		log.Warn("Cannot read watchdog settings", "error", err.Error())
	}
	if interval <= 0 {
		<-ctx.Done()
		_, _ = p.notify(false, daemon.SdNotifyStopping)
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = p.notify(false, daemon.SdNotifyWatchdog)
		case <-ctx.Done():
			_, _ = p.notify(false, daemon.SdNotifyStopping)
			return nil
		}
	}
}
