package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/autopeer-io/modempeer/internal/pkg/command"
	"github.com/autopeer-io/modempeer/internal/pkg/errdefs"
	"github.com/autopeer-io/modempeer/internal/pkg/message"
	"github.com/autopeer-io/modempeer/internal/pkg/metrics"
	"github.com/autopeer-io/modempeer/pkg/log"
)

// Requester issues requests from one identity and waits for their replies.
// At most one request is outstanding per process: a second caller blocks
// until the first has its reply or times out.
type Requester struct {
	bus  *Bus
	self command.Identity
	slot *semaphore.Weighted

	mu      sync.Mutex
	pending *pendingRequest
}

type pendingRequest struct {
	cid   command.ID
	reply chan message.Message
}

func NewRequester(bus *Bus, self command.Identity) *Requester {
	return &Requester{
		bus:  bus,
		self: self,
		slot: semaphore.NewWeighted(1),
	}
}

// Request sends cid to its routed destination and waits up to timeout for
// the reply. On deadline the returned message has StatusTimeout and the
// error wraps ErrTimeout. A reply carrying a failure status is returned
// together with the matching error.
func (r *Requester) Request(ctx context.Context, cid command.ID, content string, timeout time.Duration) (message.Message, error) {
	dest := command.Destination(cid)
	if dest == command.IdentityInvalid {
		return message.Message{}, fmt.Errorf("request %s: no destination: %w", cid, errdefs.ErrTransportUnavailable)
	}

	req, err := message.New(r.self, cid, content)
	if err != nil {
		return message.Message{}, err
	}

	if err := r.slot.Acquire(ctx, 1); err != nil {
		return message.Message{}, err
	}
	defer r.slot.Release(1)

	// The deadline counts from slot acquisition, not from the call.
	deadline := time.Now().Add(timeout)
	p := &pendingRequest{cid: cid, reply: make(chan message.Message, 1)}
	r.setPending(p)
	defer r.setPending(nil)

	start := time.Now()
	if err := r.bus.Send(dest, req); err != nil {
		return message.Message{}, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case reply := <-p.reply:
		metrics.BusRequestDuration.WithLabelValues(cid.Name(), reply.Status.String()).Observe(time.Since(start).Seconds())
		return reply, reply.Err()
	case <-timer.C:
		metrics.BusRequestDuration.WithLabelValues(cid.Name(), message.StatusTimeout.String()).Observe(time.Since(start).Seconds())
		reply := req.Reply(dest)
		reply.Status = message.StatusTimeout
		return reply, fmt.Errorf("request %s to %s: %w", cid, dest, errdefs.ErrTimeout)
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// Deliver hands a reply to the waiting request. Replies that match no
// outstanding request are discarded and reported false.
func (r *Requester) Deliver(reply message.Message) bool {
	r.mu.Lock()
	p := r.pending
	if p != nil && p.cid == reply.Command {
		r.pending = nil
	} else {
		p = nil
	}
	r.mu.Unlock()

	if p == nil {
		log.Warn("Discarding reply with no outstanding request", "command", reply.Command.String(), "from", reply.Sender.String(), "status", reply.Status.String())
		return false
	}
	p.reply <- reply
	return true
}

func (r *Requester) setPending(p *pendingRequest) {
	r.mu.Lock()
	r.pending = p
	r.mu.Unlock()
}
