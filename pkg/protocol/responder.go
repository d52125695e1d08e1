package protocol

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/executor"
	"github.com/youcefouarab/fog-client/pkg/fogtypes"
	"github.com/youcefouarab/fog-client/pkg/ledger"
)

// Responder reacts to every inbound packet: it drives the provider-side
// reservation and execution state machine and reconciles late responses on
// the consumer side. It shares the dispatcher with the initiator, so both
// observe the same traffic.
type Responder struct {
	cfg  Config
	disp *Dispatcher
	reg  *Registry
	led  *ledger.Ledger
	exec executor.Executor
	cos  map[uint32]*fogtypes.CoS

	// persist is invoked after the responder accepts a late result on the
	// consumer side, so the stored row reflects the reconciled state.
	persist func(*fogtypes.Request)

	ctx context.Context
	log zerolog.Logger
}

func newResponder(cfg Config, disp *Dispatcher, reg *Registry, led *ledger.Ledger,
	exec executor.Executor, cos map[uint32]*fogtypes.CoS,
	persist func(*fogtypes.Request)) *Responder {
	return &Responder{
		cfg:     cfg,
		disp:    disp,
		reg:     reg,
		led:     led,
		exec:    exec,
		cos:     cos,
		persist: persist,
		ctx:     context.Background(),
		log:     log.With().Str("module", "responder").Logger(),
	}
}

func (r *Responder) cosByID(id uint32) *fogtypes.CoS {
	if c, ok := r.cos[id]; ok {
		return c
	}
	return r.cos[1]
}

func (r *Responder) decoy() Addr {
	return Addr{MAC: r.cfg.DecoyMAC, IP: r.cfg.DecoyIP}
}

// Handle dispatches one accepted inbound packet.
func (r *Responder) Handle(in *Inbound) {
	switch r.cfg.Mode {
	case ModeBroadcast:
		r.handleBroadcast(in)
	case ModeOrchestrator:
		r.handleOrchestrator(in)
	}
}

func (r *Responder) handleBroadcast(in *Inbound) {
	switch in.Pkt.State {
	case fogtypes.StateHReq:
		if r.cfg.IsResource {
			r.onHostRequest(in)
		}
	case fogtypes.StateHRes:
		r.onHostOffer(in)
	case fogtypes.StateRReq:
		r.onReserveRequestBcst(in)
	case fogtypes.StateRRes:
		r.onLateReserveResponse(in)
	case fogtypes.StateDReq:
		r.onDataRequest(in, in.Src.IP, fogtypes.StateHReq)
	case fogtypes.StateDRes:
		r.onDataResponseBcst(in)
	case fogtypes.StateDAck:
		r.onDataAckBcst(in)
	}
}

func (r *Responder) handleOrchestrator(in *Inbound) {
	fromDecoy := in.Src.IP == r.cfg.DecoyIP
	switch in.Pkt.State {
	case fogtypes.StateRReq:
		if fromDecoy && r.cfg.IsResource {
			r.onReserveRequestOrch(in)
		}
	case fogtypes.StateDReq:
		r.reg.FireEvent(EventDReq, in.Src.IP, in.Pkt.ReqID)
		r.onDataRequest(in, in.Src.IP, fogtypes.StateRCan)
	case fogtypes.StateDRes:
		r.onDataResponseOrch(in)
	case fogtypes.StateDAck:
		if fromDecoy {
			r.onDataAckOrch(in)
		}
	case fogtypes.StateDCan:
		if fromDecoy {
			r.onDataCancelOrch(in)
		}
	}
}

// onHostRequest answers a broadcast host discovery probe with an offer when
// the ledger admits the CoS.
func (r *Responder) onHostRequest(in *Inbound) {
	pkt := in.Pkt
	p, _ := r.reg.ProviderOrCreate(in.Src.IP, pkt.ReqID, fogtypes.StateHReq)

	var reply *Packet
	p.Locked(func(pr *ProviderRequest) {
		// ignore requests already past discovery (a retransmitted HREQ for
		// a reserved request must not double-offer)
		if pr.state != fogtypes.StateHReq && pr.state != fogtypes.StateHRes {
			return
		}
		pr.cos = r.cosByID(pkt.CoSID)
		r.log.Info().Str("req_id", pkt.ReqID).Str("consumer", in.Src.IP).
			Msg("host request received, checking resources")
		cpu, ram, disk := r.led.Snapshot()
		if r.led.Check(ledger.FromCoS(pr.cos)) {
			pr.state = fogtypes.StateHRes
			reply = &Packet{
				State:     fogtypes.StateHRes,
				ReqID:     pkt.ReqID,
				AttemptNo: pkt.AttemptNo,
				CPUOffer:  cpu,
				RAMOffer:  ram,
				DiskOffer: disk,
			}
		} else {
			r.log.Info().Str("req_id", pkt.ReqID).
				Msg("insufficient resources, not answering")
			pr.state = fogtypes.StateHReq
		}
	})
	if reply != nil {
		r.send(reply, in.Src)
	}
}

// onHostOffer records a host response into the matching attempt's offer
// list on the consumer side.
func (r *Responder) onHostOffer(in *Inbound) {
	e := r.reg.Consumer(in.Pkt.ReqID)
	if e == nil {
		return
	}
	e.RecordResponse(int(in.Pkt.AttemptNo), in.Src.IP,
		in.Pkt.CPUOffer, in.Pkt.RAMOffer, in.Pkt.DiskOffer)
}

func (r *Responder) onReserveRequestBcst(in *Inbound) {
	pkt := in.Pkt
	p := r.reg.Provider(in.Src.IP, pkt.ReqID)
	if p == nil {
		return
	}
	var cancel bool
	var hold bool
	p.Locked(func(pr *ProviderRequest) {
		if pr.state == fogtypes.StateHRes {
			r.log.Info().Str("req_id", pkt.ReqID).Msg("reserving resources")
			if r.led.Reserve(ledger.FromCoS(pr.cos)) {
				pr.state = fogtypes.StateRRes
				pr.freed = false
			} else {
				// resources became insufficient between HRES and RREQ
				pr.state = fogtypes.StateHReq
				cancel = true
			}
		}
		if pr.state == fogtypes.StateRRes && !pr.holding {
			pr.holding = true
			hold = true
		}
	})
	if cancel {
		r.log.Info().Str("req_id", pkt.ReqID).
			Msg("resources no longer sufficient, cancelling reservation")
		r.send(&Packet{State: fogtypes.StateRCan, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo}, in.Src)
		return
	}
	if hold {
		go r.holdReservationBcst(in.Src, p, pkt.AttemptNo)
	}
}

// holdReservationBcst repeats the reservation response until the data
// exchange starts, the consumer cancels, or the hold window elapses; the
// reservation never outlives retries x timeout.
func (r *Responder) holdReservationBcst(consumer Addr, p *ProviderRequest, attemptNo uint32) {
	defer p.Locked(func(pr *ProviderRequest) { pr.holding = false })

	rres := &Packet{State: fogtypes.StateRRes, ReqID: p.ReqID, AttemptNo: attemptNo}
	for i := 0; i < r.cfg.Retries && p.State() == fogtypes.StateRRes; i++ {
		r.log.Info().Str("req_id", p.ReqID).Msg("sending reservation response")
		in, err := r.disp.SendAndWait(r.ctx, rres, consumer, r.cfg.Timeout,
			MatchFrom(consumer.IP, p.ReqID, fogtypes.StateDReq, fogtypes.StateRCan))
		if err != nil || in == nil {
			continue
		}
		if in.Pkt.State == fogtypes.StateRCan {
			r.log.Info().Str("req_id", p.ReqID).
				Msg("reservation cancelled by consumer, freeing resources")
			p.Locked(func(pr *ProviderRequest) {
				r.free(pr)
				pr.state = fogtypes.StateHReq
			})
			return
		}
		// data exchange request arrived; its own handler drives execution
		return
	}
	var sendCancel bool
	p.Locked(func(pr *ProviderRequest) {
		if pr.state == fogtypes.StateRRes {
			r.log.Info().Str("req_id", p.ReqID).
				Msg("data exchange request timed out, freeing resources")
			r.free(pr)
			pr.state = fogtypes.StateHReq
			sendCancel = true
		}
	})
	if sendCancel {
		r.send(&Packet{State: fogtypes.StateRCan, ReqID: p.ReqID,
			AttemptNo: attemptNo}, consumer)
	}
}

func (r *Responder) onReserveRequestOrch(in *Inbound) {
	pkt := in.Pkt
	consumerIP := pkt.Src.IP
	if consumerIP == "" {
		return
	}
	p, _ := r.reg.ProviderOrCreate(consumerIP, pkt.ReqID, fogtypes.StateRReq)

	var cancel bool
	var hold bool
	p.Locked(func(pr *ProviderRequest) {
		if pr.cos == nil {
			pr.cos = r.cosByID(pkt.CoSID)
		}
		if pr.state == fogtypes.StateRReq || pr.state == fogtypes.StateRCan {
			r.log.Info().Str("req_id", pkt.ReqID).
				Msg("reservation request from orchestrator, reserving resources")
			if r.led.Reserve(ledger.FromCoS(pr.cos)) {
				pr.state = fogtypes.StateRRes
				pr.freed = false
			} else {
				pr.state = fogtypes.StateRReq
				cancel = true
			}
		}
		if pr.state == fogtypes.StateRRes && !pr.holding {
			pr.holding = true
			hold = true
		}
	})
	if cancel {
		r.log.Info().Str("req_id", pkt.ReqID).
			Msg("resources not sufficient, cancelling reservation")
		r.send(&Packet{State: fogtypes.StateRCan, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo, Src: pkt.Src}, r.decoy())
		return
	}
	if hold {
		go r.holdReservationOrch(p, pkt)
	}
}

// holdReservationOrch sends the reservation response to the orchestrator,
// waits for the acknowledgement, then holds the reservation until the data
// exchange request arrives or the hold window elapses.
func (r *Responder) holdReservationOrch(p *ProviderRequest, reqPkt *Packet) {
	defer p.Locked(func(pr *ProviderRequest) { pr.holding = false })

	// installed before the first send so a data exchange request arriving
	// ahead of the acknowledgement is not lost
	ev := r.reg.ResetEvent(EventDReq, p.Consumer, p.ReqID)

	rres := &Packet{State: fogtypes.StateRRes, ReqID: p.ReqID,
		AttemptNo: reqPkt.AttemptNo, Src: reqPkt.Src}
	match := MatchFrom(r.cfg.DecoyIP, p.ReqID, fogtypes.StateRAck, fogtypes.StateRCan)

	var ack *Inbound
	for i := 0; i < r.cfg.Retries && ack == nil && p.State() == fogtypes.StateRRes; i++ {
		r.log.Info().Str("req_id", p.ReqID).
			Msg("sending reservation response to orchestrator")
		in, err := r.disp.SendAndWait(r.ctx, rres, r.decoy(), r.cfg.Timeout, match)
		if err != nil {
			return
		}
		ack = in
	}
	if ack == nil {
		var sendCancel bool
		p.Locked(func(pr *ProviderRequest) {
			if pr.state == fogtypes.StateRRes {
				r.log.Info().Str("req_id", p.ReqID).
					Msg("reservation acknowledgement timed out, freeing resources")
				r.free(pr)
				pr.state = fogtypes.StateRCan
				sendCancel = true
			}
		})
		if sendCancel {
			r.send(&Packet{State: fogtypes.StateRCan, ReqID: p.ReqID,
				AttemptNo: reqPkt.AttemptNo, Src: reqPkt.Src}, r.decoy())
		}
		return
	}
	if ack.Pkt.State == fogtypes.StateRCan {
		r.log.Info().Str("req_id", p.ReqID).
			Msg("reservation cancelled by orchestrator, freeing resources")
		p.Locked(func(pr *ProviderRequest) {
			if pr.state == fogtypes.StateRRes {
				r.free(pr)
				pr.state = fogtypes.StateRCan
			}
		})
		return
	}
	// acknowledged: hold the reservation awaiting the data exchange request
	if !ev.Wait(r.cfg.window()) {
		p.Locked(func(pr *ProviderRequest) {
			if pr.state == fogtypes.StateRRes {
				r.log.Info().Str("req_id", p.ReqID).
					Msg("data exchange request timed out, freeing resources")
				r.free(pr)
				pr.state = fogtypes.StateRCan
			}
		})
	}
}

// onDataRequest is the shared provider-side data exchange entry point.
// cancelled is the state a previously cancelled request sits in (HREQ in
// broadcast mode, RCAN in orchestrator mode); such a request is re-admitted
// when resources are still available.
func (r *Responder) onDataRequest(in *Inbound, consumerIP string, cancelled fogtypes.State) {
	pkt := in.Pkt
	p := r.reg.Provider(consumerIP, pkt.ReqID)
	if p == nil {
		return
	}
	var reply *Packet
	var run bool
	p.Locked(func(pr *ProviderRequest) {
		switch {
		case pr.state == fogtypes.StateDRes:
			// already executed: resend the cached result, no re-execution
			reply = &Packet{State: fogtypes.StateDRes, ReqID: pkt.ReqID,
				AttemptNo: pkt.AttemptNo, Data: pr.result}
			return
		case pr.executing:
			reply = &Packet{State: fogtypes.StateDWait, ReqID: pkt.ReqID,
				AttemptNo: pkt.AttemptNo}
			return
		case pr.state == cancelled:
			// the request was cancelled before the data exchange arrived
			if r.led.Reserve(ledger.FromCoS(pr.cos)) {
				r.log.Info().Str("req_id", pkt.ReqID).
					Msg("late data exchange request, resources still available")
				pr.state = fogtypes.StateRRes
				pr.freed = false
			} else {
				r.log.Info().Str("req_id", pkt.ReqID).
					Msg("late data exchange request, resources no longer sufficient")
				reply = r.cancelPacket(pkt, in)
				return
			}
		}
		if pr.state == fogtypes.StateRRes {
			pr.executing = true
			if r.cfg.Mode == ModeOrchestrator {
				pr.state = fogtypes.StateDReq
			}
			run = true
		}
	})
	if reply != nil {
		r.send(reply, in.Src)
		return
	}
	if run {
		go r.respondData(in.Src, p, pkt)
	}
}

func (r *Responder) cancelPacket(pkt *Packet, in *Inbound) *Packet {
	out := &Packet{State: fogtypes.StateDCan, ReqID: pkt.ReqID,
		AttemptNo: pkt.AttemptNo}
	if r.cfg.Mode == ModeOrchestrator {
		out.Src = Addr{MAC: in.Src.MAC, IP: in.Src.IP}
		out.Host = Addr{MAC: r.cfg.LocalMAC, IP: r.cfg.LocalIP}
	}
	return out
}

// respondData executes the payload and delivers the result until it is
// acknowledged or the retry budget runs out.
func (r *Responder) respondData(consumer Addr, p *ProviderRequest, reqPkt *Packet) {
	r.log.Info().Str("req_id", p.ReqID).Msg("executing")
	res, err := r.exec.Execute(r.ctx, reqPkt.Data)
	if err != nil {
		// an executor failure cancels the exchange
		r.log.Error().Err(err).Str("req_id", p.ReqID).Msg("execution failed")
		var cancelled fogtypes.State = fogtypes.StateHReq
		if r.cfg.Mode == ModeOrchestrator {
			cancelled = fogtypes.StateRCan
		}
		p.Locked(func(pr *ProviderRequest) {
			pr.executing = false
			r.free(pr)
			pr.state = cancelled
		})
		r.send(r.cancelPacket(reqPkt, &Inbound{Src: consumer}), consumer)
		return
	}
	p.Locked(func(pr *ProviderRequest) {
		pr.result = append([]byte(nil), res...)
		pr.state = fogtypes.StateDRes
		pr.executing = false
	})
	dres := &Packet{State: fogtypes.StateDRes, ReqID: p.ReqID,
		AttemptNo: reqPkt.AttemptNo, Data: res}

	if r.cfg.Mode == ModeOrchestrator {
		ev := r.reg.ResetEvent(EventAck, p.Consumer, p.ReqID)
		for i := 0; i < r.cfg.Retries; i++ {
			r.log.Info().Str("req_id", p.ReqID).Str("consumer", consumer.IP).
				Msg("sending data exchange response")
			if err := r.disp.Send(dres, consumer); err != nil {
				r.log.Debug().Err(err).Msg("data exchange response send failed")
			}
			if ev.Wait(r.cfg.Timeout) {
				return
			}
		}
		r.log.Info().Str("req_id", p.ReqID).
			Msg("data exchange acknowledgement timed out")
		p.Locked(func(pr *ProviderRequest) { r.free(pr) })
		return
	}

	for i := 0; i < r.cfg.Retries; i++ {
		r.log.Info().Str("req_id", p.ReqID).Str("consumer", consumer.IP).
			Msg("sending data exchange response")
		in, err := r.disp.SendAndWait(r.ctx, dres, consumer, r.cfg.Timeout,
			MatchFrom(consumer.IP, p.ReqID, fogtypes.StateDAck, fogtypes.StateDCan))
		if err != nil || in == nil {
			continue
		}
		if in.Pkt.State == fogtypes.StateDCan {
			r.log.Info().Str("req_id", p.ReqID).
				Msg("data exchange cancelled, freeing resources")
			p.Locked(func(pr *ProviderRequest) { r.free(pr) })
		}
		// DACK freeing is done by its own handler
		return
	}
	r.log.Info().Str("req_id", p.ReqID).
		Msg("data exchange acknowledgement timed out")
	p.Locked(func(pr *ProviderRequest) { r.free(pr) })
}

// onDataResponseBcst reconciles a data exchange response on the consumer
// side in broadcast mode. On-time responses are raced through the same
// check-and-set the initiator uses; only late responses from a host other
// than the current one are accepted here.
func (r *Responder) onDataResponseBcst(in *Inbound) {
	pkt := in.Pkt
	e := r.reg.Consumer(pkt.ReqID)
	if e == nil {
		return
	}
	if !e.Done() {
		if in.Src.IP != e.Host() && e.Late() {
			if e.AcceptResult(in.Src.IP, pkt.Data, int(pkt.AttemptNo)) {
				r.log.Info().Str("req_id", pkt.ReqID).Str("host", in.Src.IP).
					Msg("late data exchange response accepted")
				r.send(&Packet{State: fogtypes.StateDAck, ReqID: pkt.ReqID,
					AttemptNo: pkt.AttemptNo}, in.Src)
				r.persist(e.Req)
			}
		}
		return
	}
	// a result was already accepted
	if in.Src.IP == e.Host() {
		r.send(&Packet{State: fogtypes.StateDAck, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo}, in.Src)
	} else {
		r.log.Info().Str("req_id", pkt.ReqID).Str("host", in.Src.IP).
			Msg("duplicate data exchange response, cancelling")
		r.send(&Packet{State: fogtypes.StateDCan, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo}, in.Src)
	}
}

// onDataResponseOrch reconciles a data exchange response on the consumer
// side in orchestrator mode. Acknowledgements and cancellations travel via
// the decoy so switches can redirect them.
func (r *Responder) onDataResponseOrch(in *Inbound) {
	pkt := in.Pkt
	e := r.reg.Consumer(pkt.ReqID)
	if e == nil {
		return
	}
	host := Addr{MAC: in.Src.MAC, IP: in.Src.IP}
	if e.AcceptResult(in.Src.IP, pkt.Data, int(pkt.AttemptNo)) {
		r.log.Info().Str("req_id", pkt.ReqID).Str("host", in.Src.IP).
			Msg("data exchange response accepted")
		r.send(&Packet{State: fogtypes.StateDAck, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo, Host: host}, r.decoy())
		r.persist(e.Req)
		return
	}
	if in.Src.IP == e.Host() {
		r.send(&Packet{State: fogtypes.StateDAck, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo, Host: host}, r.decoy())
	} else {
		r.log.Info().Str("req_id", pkt.ReqID).Str("host", in.Src.IP).
			Msg("duplicate data exchange response, cancelling")
		r.send(&Packet{State: fogtypes.StateDCan, ReqID: pkt.ReqID,
			AttemptNo: pkt.AttemptNo, Host: host}, r.decoy())
	}
}

// onLateReserveResponse cancels a reservation response arriving from a host
// the consumer already moved away from.
func (r *Responder) onLateReserveResponse(in *Inbound) {
	e := r.reg.Consumer(in.Pkt.ReqID)
	if e == nil || in.Src.IP == e.Host() {
		return
	}
	r.log.Info().Str("req_id", in.Pkt.ReqID).Str("host", in.Src.IP).
		Msg("late reservation response, cancelling")
	r.send(&Packet{State: fogtypes.StateRCan, ReqID: in.Pkt.ReqID,
		AttemptNo: in.Pkt.AttemptNo}, in.Src)
}

func (r *Responder) onDataAckBcst(in *Inbound) {
	p := r.reg.Provider(in.Src.IP, in.Pkt.ReqID)
	if p == nil {
		return
	}
	p.Locked(func(pr *ProviderRequest) {
		if pr.state == fogtypes.StateDRes {
			r.log.Info().Str("req_id", in.Pkt.ReqID).
				Msg("data exchange acknowledged, freeing resources")
			r.free(pr)
		}
	})
}

func (r *Responder) onDataAckOrch(in *Inbound) {
	consumerIP := in.Pkt.Src.IP
	p := r.reg.Provider(consumerIP, in.Pkt.ReqID)
	if p == nil {
		return
	}
	r.reg.FireEvent(EventAck, consumerIP, in.Pkt.ReqID)
	p.Locked(func(pr *ProviderRequest) {
		if pr.state == fogtypes.StateDRes {
			r.log.Info().Str("req_id", in.Pkt.ReqID).
				Msg("data exchange acknowledged, freeing resources")
			r.free(pr)
		}
	})
}

func (r *Responder) onDataCancelOrch(in *Inbound) {
	consumerIP := in.Pkt.Src.IP
	p := r.reg.Provider(consumerIP, in.Pkt.ReqID)
	if p == nil {
		return
	}
	r.reg.FireEvent(EventAck, consumerIP, in.Pkt.ReqID)
	p.Locked(func(pr *ProviderRequest) {
		if pr.state == fogtypes.StateDRes {
			r.log.Info().Str("req_id", in.Pkt.ReqID).
				Msg("data exchange cancelled, freeing resources")
			r.free(pr)
		}
	})
}

// free releases the entry's reservation, at most once. Caller holds the
// entry lock.
func (r *Responder) free(pr *ProviderRequest) {
	if pr.freed {
		return
	}
	r.led.Free(ledger.FromCoS(pr.cos))
	pr.freed = true
}

func (r *Responder) send(pkt *Packet, dst Addr) {
	if err := r.disp.Send(pkt, dst); err != nil {
		r.log.Debug().Err(err).Str("state", pkt.State.String()).
			Str("dst", dst.IP).Msg("reply send failed")
	}
}
