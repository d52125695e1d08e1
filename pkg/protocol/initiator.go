package protocol

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// ErrProtocolDisabled is returned by SendRequest when the protocol mode
// resolved to NONE.
var ErrProtocolDisabled = errors.New("offload protocol is disabled")

// ErrUnknownCoS is returned when the requested CoS id is not in the
// catalogue.
var ErrUnknownCoS = errors.New("unknown class of service")

// Initiator sequences a hosting request through host discovery, resource
// reservation and data exchange, with retries, cancellation rewinds and
// late-response marking.
type Initiator struct {
	cfg  Config
	disp *Dispatcher
	reg  *Registry
	cos  map[uint32]*fogtypes.CoS

	persist func(*fogtypes.Request)
	log     zerolog.Logger
}

func newInitiator(cfg Config, disp *Dispatcher, reg *Registry,
	cos map[uint32]*fogtypes.CoS, persist func(*fogtypes.Request)) *Initiator {
	return &Initiator{
		cfg:     cfg,
		disp:    disp,
		reg:     reg,
		cos:     cos,
		persist: persist,
		log:     log.With().Str("module", "initiator").Logger(),
	}
}

// SendRequest requests remote execution of data under the given CoS.
// It returns the result bytes, or nil with a nil error when the request
// failed after exhausting all retries (a late response may still be
// reconciled by the responder afterwards).
func (i *Initiator) SendRequest(ctx context.Context, cosID uint32, data []byte) ([]byte, error) {
	if i.cfg.Mode == ModeNone {
		return nil, ErrProtocolDisabled
	}
	cos, ok := i.cos[cosID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCoS, "id %d", cosID)
	}

	req := fogtypes.NewRequest(i.reg.NewID(), cos, data)
	entry := i.reg.AddConsumer(req)
	slog := i.log.With().Str("req_id", req.ID).Logger()

	result := i.run(ctx, entry, slog)

	entry.Update(func(r *fogtypes.Request) {
		// re-checked under the entry lock: a late response may have been
		// reconciled between the last wait and here
		if r.DresAt.IsZero() {
			r.State = fogtypes.StateFail
		}
	})
	i.persist(req)
	if result == nil && entry.Done() {
		// a late response was reconciled while we were giving up
		entry.Update(func(r *fogtypes.Request) { result = r.Result })
	}
	return result, nil
}

// run drives the discovery loop. The discovery budget is refilled whenever
// a later phase fails cleanly, bounding total attempts by retries squared.
func (i *Initiator) run(ctx context.Context, entry *ConsumerEntry, slog zerolog.Logger) []byte {
	hreqBudget := i.cfg.Retries
	maxAttempts := i.cfg.Retries * i.cfg.Retries
	for attempts := 0; hreqBudget > 0 && attempts < maxAttempts &&
		!entry.Done() && ctx.Err() == nil; attempts++ {
		attempt := i.openAttempt(entry)
		hreqBudget--

		host, hostAddr, ok := i.discover(ctx, entry, attempt, slog)
		if !ok || entry.Done() {
			continue
		}

		if i.cfg.Mode == ModeBroadcast {
			outcome := i.reserve(ctx, entry, attempt, host, slog)
			if outcome == phaseAbort {
				return nil
			}
			if outcome != phaseAdvance {
				// a clean provider cancellation refills the discovery
				// budget; a plain timeout does not
				if outcome == phaseCancelled {
					hreqBudget = i.cfg.Retries
				}
				continue
			}
		}

		result, cancelled := i.exchange(ctx, entry, attempt, host, hostAddr, slog)
		switch {
		case result != nil:
			return result
		case entry.Done():
			return entry.Result()
		case cancelled:
			hreqBudget = i.cfg.Retries
		}
	}
	return nil
}

func (i *Initiator) openAttempt(entry *ConsumerEntry) *fogtypes.Attempt {
	var attempt *fogtypes.Attempt
	entry.Update(func(r *fogtypes.Request) {
		r.Host = ""
		r.State = fogtypes.StateHReq
		attempt = r.NewAttempt()
		attempt.State = fogtypes.StateHReq
		attempt.HreqAt = time.Now()
		if r.HreqAt.IsZero() {
			r.HreqAt = attempt.HreqAt
		}
	})
	return attempt
}

// discover sends the host request and waits for the first host response.
// In broadcast mode the probe is broadcast and the first answering provider
// wins; in orchestrator mode the probe goes to the decoy address and the
// response carries the selected host.
func (i *Initiator) discover(ctx context.Context, entry *ConsumerEntry,
	attempt *fogtypes.Attempt, slog zerolog.Logger) (string, Addr, bool) {

	pkt := &Packet{
		State:     fogtypes.StateHReq,
		ReqID:     entry.Req.ID,
		AttemptNo: uint32(attempt.AttemptNo),
		CoSID:     entry.Req.CoS.ID,
	}
	var dst Addr
	var wait time.Duration
	if i.cfg.Mode == ModeOrchestrator {
		dst = Addr{MAC: i.cfg.DecoyMAC, IP: i.cfg.DecoyIP}
		wait = i.cfg.window()
		slog.Info().Msg("sending host request to orchestrator")
	} else {
		dst = Addr{MAC: BroadcastMAC, IP: i.cfg.BroadcastIP}
		wait = i.cfg.Timeout
		slog.Info().Msg("broadcasting host request")
	}

	in, err := i.disp.SendAndWait(ctx, pkt, dst, wait,
		MatchReply(entry.Req.ID, fogtypes.StateHReq))
	if err != nil || in == nil || entry.Done() {
		if in == nil && err == nil {
			slog.Info().Msg("no hosts")
		}
		return "", Addr{}, false
	}

	var host string
	var hostAddr Addr
	if i.cfg.Mode == ModeOrchestrator {
		host = in.Pkt.Host.IP
		hostAddr = in.Pkt.Host
	} else {
		host = in.Src.IP
		hostAddr = in.Src
	}
	next := fogtypes.StateRReq
	if i.cfg.Mode == ModeOrchestrator {
		next = fogtypes.StateDReq
	}
	entry.Update(func(r *fogtypes.Request) {
		attempt.HresAt = time.Now()
		attempt.Host = host
		attempt.State = next
		r.State = next
		r.Host = host
	})
	slog.Info().Str("host", host).Msg("host response received")
	return host, hostAddr, true
}

type phaseOutcome int

const (
	phaseAdvance phaseOutcome = iota
	phaseTimedOut
	phaseCancelled
	phaseAbort
)

// reserve runs the broadcast-mode reservation phase against the selected
// host. A cancellation rewinds to discovery.
func (i *Initiator) reserve(ctx context.Context, entry *ConsumerEntry,
	attempt *fogtypes.Attempt, host string, slog zerolog.Logger) phaseOutcome {

	pkt := &Packet{
		State:     fogtypes.StateRReq,
		ReqID:     entry.Req.ID,
		AttemptNo: uint32(attempt.AttemptNo),
	}
	for budget := i.cfg.Retries; budget > 0 && !entry.Done(); budget-- {
		if ctx.Err() != nil {
			return phaseAbort
		}
		slog.Info().Str("host", host).Msg("sending reservation request")
		in, err := i.disp.SendAndWait(ctx, pkt, Addr{IP: host}, i.cfg.Timeout,
			MatchReply(entry.Req.ID, fogtypes.StateRReq))
		if err != nil {
			return phaseAbort
		}
		if in == nil || entry.Done() {
			slog.Info().Msg("no resources")
			continue
		}
		if in.Src.IP != host {
			// a previous host answered; the responder cancels it, keep
			// waiting for the current host
			in, err = i.disp.Wait(ctx, i.cfg.Timeout,
				MatchFrom(host, entry.Req.ID, fogtypes.StateRRes, fogtypes.StateRCan))
			if err != nil {
				return phaseAbort
			}
			if in == nil {
				continue
			}
		}
		if in.Pkt.State == fogtypes.StateRCan {
			slog.Info().Str("host", host).Msg("reservation cancelled by provider")
			entry.Update(func(*fogtypes.Request) {
				attempt.State = fogtypes.StateRCan
			})
			return phaseCancelled
		}
		entry.Update(func(r *fogtypes.Request) {
			attempt.RresAt = time.Now()
			attempt.State = fogtypes.StateDReq
			r.State = fogtypes.StateDReq
		})
		slog.Info().Str("host", host).Msg("reservation response received")
		return phaseAdvance
	}
	return phaseTimedOut
}

// exchange runs the data exchange loop. It returns the result bytes on
// acceptance, or nil when the phase was cancelled (cancelled=true) or
// timed out; in the timeout case the request is marked late first.
func (i *Initiator) exchange(ctx context.Context, entry *ConsumerEntry,
	attempt *fogtypes.Attempt, host string, hostAddr Addr,
	slog zerolog.Logger) (result []byte, cancelled bool) {

	pkt := &Packet{
		State:     fogtypes.StateDReq,
		ReqID:     entry.Req.ID,
		AttemptNo: uint32(attempt.AttemptNo),
		Data:      entry.Req.Data,
	}
	budget := i.cfg.Retries
	for budget > 0 && !entry.Done() {
		if ctx.Err() != nil {
			return nil, false
		}
		budget--
		slog.Info().Str("host", host).Msg("sending data exchange request")
		in, err := i.disp.SendAndWait(ctx, pkt, hostAddr, i.cfg.Timeout,
			MatchReply(entry.Req.ID, fogtypes.StateDReq))
		if err != nil {
			return nil, false
		}
		if in == nil || entry.Done() {
			if in == nil {
				slog.Info().Msg("no data")
			}
			continue
		}

		if in.Src.IP != host && i.cfg.Mode == ModeBroadcast {
			// response from a previous host, handled by the responder; the
			// retry was not consumed by the current host
			budget++
			in, err = i.disp.Wait(ctx, i.cfg.Timeout,
				MatchFrom(host, entry.Req.ID, fogtypes.StateDRes, fogtypes.StateDCan))
			if err != nil || in == nil {
				continue
			}
		}

		switch in.Pkt.State {
		case fogtypes.StateDWait:
			// still executing: refill the budget and grant extra time
			slog.Info().Str("host", host).Msg("host still executing")
			budget = i.cfg.Retries
			in, err = i.disp.Wait(ctx, i.cfg.Timeout,
				MatchFrom(host, entry.Req.ID, fogtypes.StateDRes, fogtypes.StateDCan))
			if err != nil || in == nil {
				continue
			}
			if in.Pkt.State == fogtypes.StateDCan {
				entry.Update(func(*fogtypes.Request) {
					attempt.State = fogtypes.StateDCan
				})
				slog.Info().Str("host", host).Msg("data exchange cancelled by provider")
				return nil, true
			}
		case fogtypes.StateDCan:
			entry.Update(func(*fogtypes.Request) {
				attempt.State = fogtypes.StateDCan
			})
			slog.Info().Str("host", host).Msg("data exchange cancelled by provider")
			return nil, true
		}

		// data exchange response
		if entry.AcceptResult(in.Src.IP, in.Pkt.Data, attempt.AttemptNo) {
			slog.Info().Str("host", in.Src.IP).Msg("data exchange response received")
			i.sendAck(entry.Req.ID, uint32(attempt.AttemptNo), in.Src, hostAddr)
			return entry.Result(), false
		}
		// the responder won the race; it already acknowledged
		return entry.Result(), false
	}
	if !entry.Done() {
		// a response may still arrive; keep accepting it
		entry.MarkLate()
	}
	return nil, false
}

// sendAck acknowledges an accepted result. In orchestrator mode the
// acknowledgement travels via the decoy address carrying the host fields.
func (i *Initiator) sendAck(reqID string, attemptNo uint32, src Addr, hostAddr Addr) {
	ack := &Packet{State: fogtypes.StateDAck, ReqID: reqID, AttemptNo: attemptNo}
	dst := src
	if i.cfg.Mode == ModeOrchestrator {
		ack.Host = hostAddr
		dst = Addr{MAC: i.cfg.DecoyMAC, IP: i.cfg.DecoyIP}
	}
	if err := i.disp.Send(ack, dst); err != nil {
		i.log.Debug().Err(err).Str("req_id", reqID).Msg("acknowledgement send failed")
	}
}
