package protocol

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// Addr is an L2/L3 address pair as carried in the wire fields.
type Addr struct {
	MAC string
	IP  string
}

// Packet is the single on-wire message of the offload protocol. The state
// tag determines which of the optional fields are present on the wire; the
// codec encodes and decodes exactly the fields of the active state so an
// absent field never occupies wire space.
type Packet struct {
	State     fogtypes.State
	ReqID     string
	AttemptNo uint32

	// CoSID is present on HREQ (both modes) and RREQ (orchestrator mode).
	CoSID uint32
	// Data is present on DREQ and DRES, and keeps the raw tail of packets
	// with an unknown state tag so they round-trip.
	Data []byte
	// Offers are present on HRES in broadcast mode.
	CPUOffer  float64
	RAMOffer  float64
	DiskOffer float64
	// Src relays the original consumer addressing through the orchestrator
	// (RREQ, RRES, RACK, RCAN, DACK, DCAN in orchestrator mode).
	Src Addr
	// Host carries the selected host addressing (HRES, DACK, DCAN in
	// orchestrator mode).
	Host Addr
}

const headerLen = 1 + ReqIDLen + 4

var errShortPacket = errors.New("packet too short")

func pad(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	for i := len(s); i < width; i++ {
		b[i] = ' '
	}
	return b
}

func unpad(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func hasSrcField(s fogtypes.State) bool {
	switch s {
	case fogtypes.StateRReq, fogtypes.StateRRes, fogtypes.StateRAck,
		fogtypes.StateRCan, fogtypes.StateDAck, fogtypes.StateDCan:
		return true
	}
	return false
}

func hasHostField(s fogtypes.State) bool {
	switch s {
	case fogtypes.StateHRes, fogtypes.StateDAck, fogtypes.StateDCan:
		return true
	}
	return false
}

func hasData(s fogtypes.State) bool {
	return s == fogtypes.StateDReq || s == fogtypes.StateDRes
}

func known(s fogtypes.State) bool {
	return s <= fogtypes.StateDWait
}

// Encode serialises the packet for the given topology mode.
func (p *Packet) Encode(mode Mode) []byte {
	out := make([]byte, 0, headerLen+len(p.Data)+64)
	out = append(out, byte(p.State))
	out = append(out, pad(p.ReqID, ReqIDLen)...)
	out = binary.BigEndian.AppendUint32(out, p.AttemptNo)

	if !known(p.State) {
		return append(out, p.Data...)
	}

	if p.State == fogtypes.StateHReq ||
		(mode == ModeOrchestrator && p.State == fogtypes.StateRReq) {
		out = binary.BigEndian.AppendUint32(out, p.CoSID)
	}
	if mode == ModeBroadcast && p.State == fogtypes.StateHRes {
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(p.CPUOffer))
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(p.RAMOffer))
		out = binary.BigEndian.AppendUint64(out, math.Float64bits(p.DiskOffer))
	}
	if mode == ModeOrchestrator {
		if hasSrcField(p.State) {
			out = append(out, pad(p.Src.MAC, MACLen)...)
			out = append(out, pad(p.Src.IP, IPLen)...)
		}
		if hasHostField(p.State) {
			out = append(out, pad(p.Host.MAC, MACLen)...)
			out = append(out, pad(p.Host.IP, IPLen)...)
		}
	}
	if hasData(p.State) {
		out = append(out, p.Data...)
	}
	return out
}

// Decode parses a packet for the given topology mode.
func Decode(b []byte, mode Mode) (*Packet, error) {
	if len(b) < headerLen {
		return nil, errShortPacket
	}
	p := &Packet{
		State:     fogtypes.State(b[0]),
		ReqID:     unpad(b[1 : 1+ReqIDLen]),
		AttemptNo: binary.BigEndian.Uint32(b[1+ReqIDLen : headerLen]),
	}
	rest := b[headerLen:]

	if !known(p.State) {
		p.Data = append([]byte(nil), rest...)
		return p, nil
	}

	take := func(n int) ([]byte, error) {
		if len(rest) < n {
			return nil, errShortPacket
		}
		f := rest[:n]
		rest = rest[n:]
		return f, nil
	}

	if p.State == fogtypes.StateHReq ||
		(mode == ModeOrchestrator && p.State == fogtypes.StateRReq) {
		f, err := take(4)
		if err != nil {
			return nil, err
		}
		p.CoSID = binary.BigEndian.Uint32(f)
	}
	if mode == ModeBroadcast && p.State == fogtypes.StateHRes {
		f, err := take(24)
		if err != nil {
			return nil, err
		}
		p.CPUOffer = math.Float64frombits(binary.BigEndian.Uint64(f[0:8]))
		p.RAMOffer = math.Float64frombits(binary.BigEndian.Uint64(f[8:16]))
		p.DiskOffer = math.Float64frombits(binary.BigEndian.Uint64(f[16:24]))
	}
	if mode == ModeOrchestrator {
		if hasSrcField(p.State) {
			f, err := take(MACLen + IPLen)
			if err != nil {
				return nil, err
			}
			p.Src = Addr{MAC: unpad(f[:MACLen]), IP: unpad(f[MACLen:])}
		}
		if hasHostField(p.State) {
			f, err := take(MACLen + IPLen)
			if err != nil {
				return nil, err
			}
			p.Host = Addr{MAC: unpad(f[:MACLen]), IP: unpad(f[MACLen:])}
		}
	}
	if hasData(p.State) {
		p.Data = append([]byte(nil), rest...)
	}
	return p, nil
}

// Answers reports whether a packet in state reply is a legal answer to a
// packet sent in state sent.
func Answers(sent, reply fogtypes.State) bool {
	switch sent {
	case fogtypes.StateHReq:
		return reply == fogtypes.StateHRes
	case fogtypes.StateRReq:
		return reply == fogtypes.StateRRes || reply == fogtypes.StateRCan
	case fogtypes.StateRRes:
		return reply == fogtypes.StateDReq || reply == fogtypes.StateRAck ||
			reply == fogtypes.StateRCan
	case fogtypes.StateDReq:
		return reply == fogtypes.StateDRes || reply == fogtypes.StateDWait ||
			reply == fogtypes.StateDCan
	case fogtypes.StateDRes:
		return reply == fogtypes.StateDAck || reply == fogtypes.StateDCan
	}
	return false
}
