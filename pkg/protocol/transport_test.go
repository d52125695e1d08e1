package protocol

import (
	"context"
	"sync"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// memHub is an in-memory network for protocol tests. Packets are routed by
// destination IP, pass through the real codec, and every packet sent is
// recorded once in a trace, whether or not it reached any node.
type memHub struct {
	mode  Mode
	bcast string

	mu    sync.Mutex
	nodes map[string]*memTransport
	trace []traceEntry
}

type traceEntry struct {
	Src   Addr
	Dst   Addr
	State fogtypes.State
	ReqID string
}

func newMemHub(mode Mode, bcast string) *memHub {
	return &memHub{
		mode:  mode,
		bcast: bcast,
		nodes: make(map[string]*memTransport),
	}
}

func (h *memHub) attach(mac, ip string) *memTransport {
	t := &memTransport{
		hub:  h,
		addr: Addr{MAC: mac, IP: ip},
		ch:   make(chan *Inbound, 128),
	}
	h.mu.Lock()
	h.nodes[ip] = t
	h.mu.Unlock()
	return t
}

func (h *memHub) route(src Addr, pkt *Packet, dst Addr) {
	wire := pkt.Encode(h.mode)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = append(h.trace, traceEntry{
		Src: src, Dst: dst, State: pkt.State, ReqID: pkt.ReqID,
	})
	deliver := func(t *memTransport) {
		p, err := Decode(wire, h.mode)
		if err != nil {
			return
		}
		select {
		case t.ch <- &Inbound{Src: src, Dst: dst, Pkt: p}:
		default:
		}
	}
	if dst.IP == h.bcast || dst.MAC == BroadcastMAC {
		for ip, t := range h.nodes {
			if ip != src.IP {
				deliver(t)
			}
		}
		return
	}
	if t, ok := h.nodes[dst.IP]; ok {
		deliver(t)
	}
}

func (h *memHub) macOf(ip string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.nodes[ip]; ok {
		return t.addr.MAC
	}
	return ""
}

// sent returns a copy of the trace of sent packets.
func (h *memHub) sent() []traceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]traceEntry(nil), h.trace...)
}

type memTransport struct {
	hub  *memHub
	addr Addr
	ch   chan *Inbound
}

func (t *memTransport) Send(pkt *Packet, dst Addr) error {
	if dst.MAC == "" && dst.IP != t.hub.bcast {
		dst.MAC = t.hub.macOf(dst.IP)
	}
	t.hub.route(t.addr, pkt, dst)
	return nil
}

func (t *memTransport) Recv(ctx context.Context) (*Inbound, error) {
	select {
	case in := <-t.ch:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) Close() error {
	return nil
}

// scriptedPeer is a raw protocol speaker driven by a handler, standing in
// for remote nodes a test wants to control packet by packet.
type scriptedPeer struct {
	tr *memTransport
}

func newScriptedPeer(ctx context.Context, tr *memTransport,
	handle func(in *Inbound, send func(*Packet, Addr))) *scriptedPeer {
	p := &scriptedPeer{tr: tr}
	go func() {
		for {
			in, err := tr.Recv(ctx)
			if err != nil {
				return
			}
			if handle != nil {
				handle(in, func(pkt *Packet, dst Addr) {
					_ = tr.Send(pkt, dst)
				})
			}
		}
	}()
	return p
}
