package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// Matcher selects inbound packets a waiter is interested in.
type Matcher func(in *Inbound) bool

type waiter struct {
	match Matcher
	ch    chan *Inbound
}

// Dispatcher owns the inbound packet loop. Every accepted packet is offered
// to at most one registered waiter (a blocked send-and-wait call) and is
// then always handed to the responder, so both the sequenced request logic
// and the stateful responder observe the same traffic.
type Dispatcher struct {
	cfg Config
	tr  Transport
	log zerolog.Logger

	mu      sync.Mutex
	waiters map[uint64]*waiter
	nextID  uint64

	handler func(in *Inbound)
}

// NewDispatcher creates a dispatcher over the given transport.
func NewDispatcher(cfg Config, tr Transport) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		tr:      tr,
		log:     log.With().Str("module", "protocol").Logger(),
		waiters: make(map[uint64]*waiter),
	}
}

// SetHandler installs the responder callback. Must be called before Run.
func (d *Dispatcher) SetHandler(h func(in *Inbound)) {
	d.handler = h
}

// Run reads packets until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		in, err := d.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !d.accept(in) {
			continue
		}
		if d.cfg.Verbose {
			d.log.Debug().
				Str("state", in.Pkt.State.String()).
				Str("req_id", in.Pkt.ReqID).
				Str("src", in.Src.IP).
				Msg("packet received")
		}
		d.offer(in)
		if d.handler != nil {
			d.handler(in)
		}
	}
}

// accept applies the inbound acceptance rule: packets must not originate
// from the local or an unspecified address and must carry a request id.
func (d *Dispatcher) accept(in *Inbound) bool {
	if in.Src.IP == d.cfg.LocalIP || in.Src.IP == UnspecifiedIP {
		return false
	}
	return in.Pkt.ReqID != ""
}

func (d *Dispatcher) offer(in *Inbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.waiters {
		if w.match(in) {
			delete(d.waiters, id)
			w.ch <- in
			return
		}
	}
}

func (d *Dispatcher) addWaiter(match Matcher) (uint64, chan *Inbound) {
	ch := make(chan *Inbound, 1)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.waiters[id] = &waiter{match: match, ch: ch}
	d.mu.Unlock()
	return id, ch
}

func (d *Dispatcher) dropWaiter(id uint64) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

// Send transmits a packet.
func (d *Dispatcher) Send(pkt *Packet, dst Addr) error {
	if d.cfg.Verbose {
		d.log.Debug().
			Str("state", pkt.State.String()).
			Str("req_id", pkt.ReqID).
			Str("dst", dst.IP).
			Msg("packet sent")
	}
	return d.tr.Send(pkt, dst)
}

// Wait blocks until a packet matching match arrives or the timeout
// elapses. A nil result with nil error means timeout, mirroring the
// sniff-with-timeout primitive the protocol loops are written against.
func (d *Dispatcher) Wait(ctx context.Context, timeout time.Duration, match Matcher) (*Inbound, error) {
	id, ch := d.addWaiter(match)
	defer d.dropWaiter(id)
	select {
	case in := <-ch:
		return in, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAndWait registers the reply waiter, transmits the packet, then waits
// for a matching reply. The waiter is registered before sending so a fast
// reply cannot be lost.
func (d *Dispatcher) SendAndWait(ctx context.Context, pkt *Packet, dst Addr,
	timeout time.Duration, match Matcher) (*Inbound, error) {
	id, ch := d.addWaiter(match)
	defer d.dropWaiter(id)
	if err := d.Send(pkt, dst); err != nil {
		return nil, err
	}
	select {
	case in := <-ch:
		return in, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MatchReply matches any legal reply to a packet sent with reqID in state
// sent, regardless of source.
func MatchReply(reqID string, sent fogtypes.State) Matcher {
	return func(in *Inbound) bool {
		return in.Pkt.ReqID == reqID && Answers(sent, in.Pkt.State)
	}
}

// MatchFrom matches packets with reqID from a specific source IP in one of
// the given states.
func MatchFrom(src, reqID string, states ...fogtypes.State) Matcher {
	return func(in *Inbound) bool {
		if in.Src.IP != src || in.Pkt.ReqID != reqID {
			return false
		}
		for _, s := range states {
			if in.Pkt.State == s {
				return true
			}
		}
		return false
	}
}
