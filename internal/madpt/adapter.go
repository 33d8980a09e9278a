// Package madpt is the modem adapter daemon. It owns the AT transport and
// answers every madpt command arriving on the bus.
package madpt

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"k8s.io/utils/exec"

	"github.com/autopeer-io/modempeer/internal/pkg/at"
	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/device"
	"github.com/autopeer-io/modempeer/internal/pkg/ipc"
	"github.com/autopeer-io/modempeer/internal/pkg/mbim"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/server"
	"github.com/autopeer-io/modempeer/internal/pkg/sysbus"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const daemonName = "madpt"

// Adapter is the modem adapter daemon.
type Adapter struct {
	cfg     *Config
	service uuid.UUID

	dispatcher *at.Dispatcher
}

// Run probes the AT transport, then serves the bus until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	log.Info("Starting mpeer-madpt", "runtimeDir", a.cfg.Bus.RuntimeDir, "deviceType", a.cfg.Device.DeviceType)

	selector := device.NewGlobSelector(a.cfg.Device)
	probe, err := at.ProbeTransports(ctx, a.candidates(selector)...)
	if err != nil {
		return err
	}

	a.dispatcher = at.NewDispatcher(probe, at.WithErrorCeiling(a.cfg.Mbim.ErrorCeiling))
	defer a.dispatcher.Close()

	// Serial ports echo by default, which only costs parsing.
	if probe.Kind == at.KindSerial {
		if _, err := a.dispatcher.Dispatch(ctx, command.CidMadptEchoOff, ""); err != nil {
			log.Warn("Failed to disable echo", "error", err.Error())
		}
	}

	bus := ipc.NewBus(a.cfg.Bus.RuntimeDir)
	ch, err := bus.Open(command.IdentityMadpt)
	if err != nil {
		return err
	}
	defer ch.Close()

	httpServer := server.NewServer(a.cfg.Http)
	mgr := server.NewManager()
	mgr.Add("bus", ipc.NewServer(bus, ch, a.Handle, nil))
	mgr.Add("http", httpServer)
	mgr.Add("presence", sysbus.NewPresence(a.systemBus(), a.cfg.Dbus, daemonName))

	httpServer.SetReady(true)
	log.Info("Modem adapter ready", "transport", probe.Kind.String())

	err = mgr.Start(ctx)
	log.Info("Shutting down mpeer-madpt")
	return err
}

// Handle dispatches one request and turns the result into its reply.
func (a *Adapter) Handle(ctx context.Context, req message.Message) message.Message {
	res, err := a.dispatcher.Dispatch(ctx, req.Command, req.Content)
	if err != nil {
		log.Warn("AT command failed", "command", req.Command.String(), "from", req.Sender.String(), "error", err.Error())
		if res.Status == message.StatusOk {
			res.Status = message.StatusError
		}
	}
	if res.Degraded {
		log.Debug("Returning degraded reply", "command", req.Command.String())
	}
	return message.Message{Status: res.Status, Response: res.Text}
}

func (a *Adapter) candidates(selector device.Selector) []at.Candidate {
	var out []at.Candidate

	if a.cfg.Mbim.Enabled {
		out = append(out, at.Candidate{Kind: at.KindMBIM, Open: func(ctx context.Context) (at.Transport, error) {
			path := a.cfg.Mbim.Device
			if path == "" {
				p, err := selector.FindControlPort()
				if err != nil {
					return nil, err
				}
				path = p
			}
			return mbim.NewATTransport(ctx, mbim.DeviceOpener(path), a.service, a.cfg.Mbim.TunnelCID,
				mbim.WithMaxControlTransfer(a.cfg.Mbim.MaxControlTransfer),
				mbim.WithTimeouts(a.cfg.Mbim.OpenTimeout, a.cfg.Mbim.CloseTimeout),
				mbim.WithIndicationHandler(func(ind mbim.Indication) {
					log.Debug("MBIM indication", "service", ind.Service.String(), "cid", ind.CID, "len", len(ind.Info))
				}),
			)
		}})
	}

	if a.cfg.Cli.Binary != "" {
		out = append(out, at.Candidate{Kind: at.KindCLI, Open: func(ctx context.Context) (at.Transport, error) {
			return at.NewCLITransport(exec.New(), a.cfg.Cli.Binary, a.cfg.Cli.Args)
		}})
	}

	out = append(out, at.Candidate{Kind: at.KindSerial, Open: func(ctx context.Context) (at.Transport, error) {
		port := a.cfg.Serial.Port
		if port == "" {
			p, err := selector.FindATPort()
			if err != nil {
				return nil, err
			}
			port = p
		}
		t, err := at.OpenSerial(port, a.cfg.Serial.BaudRate, a.cfg.Serial.ReadTimeout)
		if err != nil {
			return nil, fmt.Errorf("serial %s: %w", port, err)
		}
		return t, nil
	}})

	return out
}

func (a *Adapter) systemBus() *dbus.Conn {
	if !a.cfg.Dbus.Enabled {
		return nil
	}
	conn, err := sysbus.Connect()
	if err != nil {
		log.Warn("System bus unavailable, running without a bus name", "error", err.Error())
		return nil
	}
	return conn
}
