// Package fwupdate is the firmware-update daemon: it watches the package
// directory and drives the module through bootloader mode to flash it.
package fwupdate

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/autopeer-io/modempeer/internal/fwupdate/notifier"
	"github.com/autopeer-io/modempeer/internal/fwupdate/storage"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/device"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/gpio"
	"github.com/autopeer-io/modempeer/internal/pkg/ipc"
	"github.com/autopeer-io/modempeer/internal/pkg/server"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/internal/pkg/sysbus"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/mqtt"
	"github.com/autopeer-io/modempeer/pkg/mqtt/topic"
)

const daemonName = "fwupdate"

type Updater struct {
	cfg      *Config
	triggers Trigger

	orchestrator *Orchestrator
}

func (u *Updater) Run(ctx context.Context) error {
	log.Info("Starting mpeer-fwupdate", "packageDir", u.cfg.Update.PackageDir, "deviceType", u.cfg.Device.DeviceType)

	store, err := status.Open(u.cfg.Status.Path)
	if err != nil {
		return err
	}

	bus := ipc.NewBus(u.cfg.Bus.RuntimeDir)
	ch, err := bus.Open(command.IdentityFwupdate)
	if err != nil {
		return err
	}
	defer ch.Close()
	requester := ipc.NewRequester(bus, command.IdentityFwupdate)

	conn := u.systemBus()
	var resetter gpio.Resetter = gpio.LogResetter{}
	if conn != nil {
		resetter = gpio.NewDbusResetter(conn, u.cfg.Dbus)
	}

	notifiers := notifier.Multi{notifier.LogNotifier{}, notifier.NewStatusNotifier(store)}
	if u.cfg.Mqtt.Enabled {
		client, err := mqtt.NewClient(u.cfg.Mqtt.ToClientConfig())
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		notifiers = append(notifiers, notifier.NewMQTTNotifier(client, topic.NewTopicBuilder(u.cfg.Mqtt.TopicRoot)))
	}

	u.orchestrator = NewOrchestrator(u.cfg.Update, store, requester, device.NewGlobSelector(u.cfg.Device), resetter, notifiers)

	httpServer := server.NewServer(u.cfg.Http)
	mgr := server.NewManager()
	// Replies only; the update daemon serves no commands.
	mgr.Add("bus", ipc.NewServer(bus, ch, nil, requester))
	mgr.Add("orchestrator", server.RunnerFunc(u.loop))
	mgr.Add("watcher", NewPackageWatcher(u.cfg.Update.PackageDir, DefaultPackageSettle, u.triggers))
	mgr.Add("retry", NewRetryMonitor(store, u.cfg.Update.RetryInterval, u.triggers))
	if u.cfg.S3.Enabled {
		mirror, err := storage.NewMinIO(u.cfg.S3, u.cfg.Update.PackageDir)
		if err != nil {
			return err
		}
		mgr.Add("s3", mirror)
	}
	mgr.Add("http", httpServer)
	mgr.Add("presence", sysbus.NewPresence(conn, u.cfg.Dbus, daemonName))

	u.triggers.Fire("startup")
	httpServer.SetReady(true)

	err = mgr.Start(ctx)
	log.Info("Shutting down mpeer-fwupdate")
	return err
}

// loop runs one attempt per trigger. A requested hardware reset ends the
// daemon so it starts over against the re-enumerated module.
func (u *Updater) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-u.triggers:
			log.Info("Update check triggered", "reason", reason)
			err := u.orchestrator.StartUpdateProcess(ctx)
			switch {
			case err == nil:
			case errors.Is(err, errdefs.ErrHardwareResetRequested):
				return err
			case errors.Is(err, errdefs.ErrPersistedLimitReached):
				log.Warn("Updates are blocked until the counters are reset", "reason", err.Error())
			case ctx.Err() != nil:
				return nil
			default:
				log.Error(err, "Update attempt failed")
			}
		}
	}
}

func (u *Updater) systemBus() *dbus.Conn {
	if !u.cfg.Dbus.Enabled {
		return nil
	}
	conn, err := sysbus.Connect()
	if err != nil {
		log.Warn("System bus unavailable, running without GPIO reset", "error", err.Error())
		return nil
	}
	return conn
}
