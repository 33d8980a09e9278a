// Package pref is the SIM and preference daemon. It resolves the SIM
// carrier through the modem adapter and records update notifications.
package pref

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/ipc"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/server"
	"github.com/autopeer-io/modempeer/internal/pkg/status"
	"github.com/autopeer-io/modempeer/internal/pkg/sysbus"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const daemonName = "pref"

// simHoldOff is how long a timed out IMSI query keeps PreferredCarrier on
// the fallback without asking the modem again.
const simHoldOff = 30 * time.Second

// Requester sends a command over the bus and waits for its reply.
type Requester interface {
	Request(ctx context.Context, cid command.ID, content string, timeout time.Duration) (message.Message, error)
}

var _ Requester = (*ipc.Requester)(nil)

type Pref struct {
	cfg       *Config
	store     *status.Store
	carrier   *CarrierTable
	requester Requester
	timeout   time.Duration

	mu       sync.Mutex
	updating bool
	// lastSim is served while the modem is busy updating.
	lastSim string
	// simTimeout is when the last IMSI query timed out.
	simTimeout time.Time

	now func() time.Time
}

func (p *Pref) Run(ctx context.Context) error {
	log.Info("Starting mpeer-pref", "runtimeDir", p.cfg.Bus.RuntimeDir, "preferred", p.carrier.Preferred())

	bus := ipc.NewBus(p.cfg.Bus.RuntimeDir)
	ch, err := bus.Open(command.IdentityPref)
	if err != nil {
		return err
	}
	defer ch.Close()

	requester := ipc.NewRequester(bus, command.IdentityPref)
	p.requester = requester

	httpServer := server.NewServer(p.cfg.Http)
	mgr := server.NewManager()
	mgr.Add("bus", ipc.NewServer(bus, ch, p.Handle, requester))
	mgr.Add("http", httpServer)
	mgr.Add("presence", sysbus.NewPresence(p.systemBus(), p.cfg.Dbus, daemonName))

	httpServer.SetReady(true)
	err = mgr.Start(ctx)
	log.Info("Shutting down mpeer-pref")
	return err
}

func (p *Pref) Handle(ctx context.Context, req message.Message) message.Message {
	switch req.Command {
	case command.CidPrefGetSimCarrier:
		carrier, err := p.SimCarrier(ctx)
		if err != nil {
			log.Warn("SIM carrier unavailable", "error", err.Error())
			return message.Message{Status: statusOf(err)}
		}
		return message.Message{Status: message.StatusOk, Response: carrier}

	case command.CidPrefGetPreferredCarrier:
		return message.Message{Status: message.StatusOk, Response: p.PreferredCarrier(ctx)}

	case command.CidPrefUpdateStarted:
		p.setUpdating(true)
		p.record(status.KeyUpdateStarted, req.Content)
		log.Info("Firmware update started", "from", req.Sender.String(), "detail", req.Content)
		return message.Message{Status: message.StatusOk}

	case command.CidPrefUpdateFinished:
		p.setUpdating(false)
		p.record(status.KeyUpdateFinished, req.Content)
		log.Info("Firmware update finished", "from", req.Sender.String(), "result", req.Content)
		return message.Message{Status: message.StatusOk}

	default:
		return message.Message{Status: message.StatusError, Response: "unsupported"}
	}
}

// SimCarrier maps the IMSI reported by the modem to a carrier. While an
// update is running the last resolved carrier is returned instead.
func (p *Pref) SimCarrier(ctx context.Context) (string, error) {
	return p.simCarrier(ctx, p.timeout)
}

func (p *Pref) simCarrier(ctx context.Context, timeout time.Duration) (string, error) {
	p.mu.Lock()
	if p.updating && p.lastSim != "" {
		sim := p.lastSim
		p.mu.Unlock()
		return sim, nil
	}
	p.mu.Unlock()

	reply, err := p.requester.Request(ctx, command.CidMadptGetIMSI, "", timeout)
	if err != nil {
		if errors.Is(err, errdefs.ErrTimeout) {
			p.mu.Lock()
			p.simTimeout = p.clock()
			p.mu.Unlock()
		}
		return "", fmt.Errorf("query IMSI: %w", err)
	}

	carrier, ok := p.carrier.Lookup(reply.Response)
	if !ok {
		return "", &errdefs.DeviceRejectedError{Op: "sim carrier", Reason: "no carrier for home network"}
	}

	p.mu.Lock()
	p.lastSim = carrier
	p.simTimeout = time.Time{}
	p.mu.Unlock()
	return carrier, nil
}

// PreferredCarrier is the SIM carrier when known, the configured fallback
// otherwise. Shortly after an IMSI query timed out the modem is not asked
// again and the last known carrier or the fallback is answered at once.
// A fresh query gets half the request timeout so the answer beats the
// caller's own deadline.
func (p *Pref) PreferredCarrier(ctx context.Context) string {
	p.mu.Lock()
	held := !p.simTimeout.IsZero() && p.clock().Sub(p.simTimeout) < simHoldOff
	last := p.lastSim
	p.mu.Unlock()

	if held {
		if last != "" {
			return last
		}
		log.Info("Using fallback carrier", "carrier", p.carrier.Preferred(), "reason", "IMSI query timed out recently")
		return p.carrier.Preferred()
	}

	carrier, err := p.simCarrier(ctx, p.timeout/2)
	if err != nil {
		log.Info("Using fallback carrier", "carrier", p.carrier.Preferred(), "reason", err.Error())
		return p.carrier.Preferred()
	}
	return carrier
}

func (p *Pref) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pref) setUpdating(v bool) {
	p.mu.Lock()
	p.updating = v
	p.mu.Unlock()
}

func (p *Pref) record(key, detail string) {
	value := time.Now().UTC().Format(time.RFC3339)
	if detail != "" {
		value += " " + detail
	}
	if err := p.store.Set(key, value); err != nil {
		log.Error(err, "Failed to persist update notification", "key", key)
	}
}

func (p *Pref) systemBus() *dbus.Conn {
	if !p.cfg.Dbus.Enabled {
		return nil
	}
	conn, err := sysbus.Connect()
	if err != nil {
		log.Warn("System bus unavailable, running without a bus name", "error", err.Error())
		return nil
	}
	return conn
}

func statusOf(err error) message.Status {
	if errors.Is(err, errdefs.ErrTimeout) {
		return message.StatusTimeout
	}
	return message.StatusError
}
