package ipc

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// queueDepth bounds requests accepted while the handler is busy.
const queueDepth = 16

// Handler answers one request. The returned message only needs Status and
// Response; sender and command id are filled in by the server.
type Handler func(ctx context.Context, req message.Message) message.Message

// Server is the consumer loop of one identity's channel. Requests go to the
// handler in arrival order; replies go to the requester.
type Server struct {
	bus       *Bus
	channel   *Channel
	handler   Handler
	requester *Requester
}

// NewServer wires a channel to its handler and requester. Either may be nil.
func NewServer(bus *Bus, ch *Channel, handler Handler, requester *Requester) *Server {
	return &Server{bus: bus, channel: ch, handler: handler, requester: requester}
}

// Start drains the startup backlog, then consumes until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	self := s.channel.Identity()
	if n := s.channel.Drain(); n > 0 {
		log.Info("Discarded stale bus messages", "identity", self.String(), "count", n)
	}

	queue := make(chan message.Message, queueDepth)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for {
			msg, err := s.channel.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, errdefs.ErrProtocol) {
					log.Warn("Dropping malformed bus message", "identity", self.String(), "error", err.Error())
					continue
				}
				return err
			}

			if msg.Status != message.StatusNone {
				if s.requester != nil {
					s.requester.Deliver(msg)
				}
				continue
			}

			select {
			case queue <- msg:
			default:
				s.reply(msg, message.StatusBusy, "")
			}
		}
	})

	g.Go(func() error {
		for msg := range queue {
			s.handle(ctx, msg)
		}
		return nil
	})

	log.Info("Bus consumer started", "identity", self.String(), "socket", s.channel.path)
	return g.Wait()
}

func (s *Server) handle(ctx context.Context, req message.Message) {
	if s.handler == nil || command.Destination(req.Command) != s.channel.Identity() {
		log.Warn("Rejecting request not served here", "command", req.Command.String(), "from", req.Sender.String())
		s.reply(req, message.StatusError, "unsupported")
		return
	}

	out := s.handler(ctx, req)
	if out.Status == message.StatusNone {
		out.Status = message.StatusOk
	}
	s.reply(req, out.Status, out.Response)
}

func (s *Server) reply(req message.Message, status message.Status, response string) {
	reply := req.Reply(s.channel.Identity())
	reply.Status = status
	if err := reply.SetResponse(response); err != nil {
		log.Warn("Truncating oversize response", "command", req.Command.String(), "len", len(response))
		reply.Response = response[:message.MaxResponse]
	}
	if err := s.bus.Send(req.Sender, reply); err != nil {
		log.Error(err, "Failed to send reply", "command", req.Command.String(), "to", req.Sender.String())
	}
}
