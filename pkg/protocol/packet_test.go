package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		pkt  Packet
	}{
		{
			name: "hostRequest",
			mode: ModeBroadcast,
			pkt: Packet{State: fogtypes.StateHReq, ReqID: "a1b2c3d4e5",
				AttemptNo: 1, CoSID: 3},
		},
		{
			name: "hostOfferBroadcast",
			mode: ModeBroadcast,
			pkt: Packet{State: fogtypes.StateHRes, ReqID: "a1b2c3d4e5",
				AttemptNo: 2, CPUOffer: 3.5, RAMOffer: 2048, DiskOffer: 20},
		},
		{
			name: "hostSelectionOrchestrator",
			mode: ModeOrchestrator,
			pkt: Packet{State: fogtypes.StateHRes, ReqID: "a1b2c3d4e5",
				AttemptNo: 1,
				Host:      Addr{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5"}},
		},
		{
			name: "reserveRequestOrchestrator",
			mode: ModeOrchestrator,
			pkt: Packet{State: fogtypes.StateRReq, ReqID: "a1b2c3d4e5",
				AttemptNo: 1, CoSID: 2,
				Src: Addr{MAC: "02:00:00:00:00:07", IP: "10.0.0.7"}},
		},
		{
			name: "dataRequest",
			mode: ModeBroadcast,
			pkt: Packet{State: fogtypes.StateDReq, ReqID: "a1b2c3d4e5",
				AttemptNo: 3, Data: []byte("input bytes")},
		},
		{
			name: "dataResponse",
			mode: ModeOrchestrator,
			pkt: Packet{State: fogtypes.StateDRes, ReqID: "a1b2c3d4e5",
				AttemptNo: 3, Data: []byte("result")},
		},
		{
			name: "ackOrchestrator",
			mode: ModeOrchestrator,
			pkt: Packet{State: fogtypes.StateDAck, ReqID: "a1b2c3d4e5",
				AttemptNo: 1,
				Src:       Addr{MAC: "02:00:00:00:00:07", IP: "10.0.0.7"},
				Host:      Addr{MAC: "aa:bb:cc:dd:ee:ff", IP: "10.0.0.5"}},
		},
		{
			name: "waitHeaderOnly",
			mode: ModeBroadcast,
			pkt: Packet{State: fogtypes.StateDWait, ReqID: "a1b2c3d4e5",
				AttemptNo: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			wire := tt.pkt.Encode(tt.mode)
			got, err := Decode(wire, tt.mode)
			require.NoError(err)
			require.Equal(&tt.pkt, got)

			// re-encoding yields the identical bytes
			require.Equal(wire, got.Encode(tt.mode))
		})
	}
}

func TestPacketUnknownStateRoundTrips(t *testing.T) {
	require := require.New(t)
	pkt := Packet{State: fogtypes.State(42), ReqID: "a1b2c3d4e5",
		AttemptNo: 1, Data: []byte{0xde, 0xad, 0xbe, 0xef}}
	wire := pkt.Encode(ModeBroadcast)
	got, err := Decode(wire, ModeBroadcast)
	require.NoError(err)
	require.Equal(wire, got.Encode(ModeBroadcast))
}

func TestPacketShortReqIDPadding(t *testing.T) {
	require := require.New(t)
	pkt := Packet{State: fogtypes.StateHReq, ReqID: "short", AttemptNo: 1}
	wire := pkt.Encode(ModeBroadcast)
	got, err := Decode(wire, ModeBroadcast)
	require.NoError(err)
	// trailing padding of the fixed-width field is trimmed on decode
	require.Equal("short", got.ReqID)
}

func TestDecodeShortPacket(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, ModeBroadcast)
	assert.Error(t, err)

	// HRES in broadcast mode without the offer triple
	pkt := Packet{State: fogtypes.StateHRes, ReqID: "a1b2c3d4e5"}
	wire := pkt.Encode(ModeBroadcast)
	_, err = Decode(wire[:headerLen+4], ModeBroadcast)
	assert.Error(t, err)
}

func TestAnswers(t *testing.T) {
	tests := []struct {
		sent  fogtypes.State
		reply fogtypes.State
		want  bool
	}{
		{fogtypes.StateHReq, fogtypes.StateHRes, true},
		{fogtypes.StateHReq, fogtypes.StateRRes, false},
		{fogtypes.StateRReq, fogtypes.StateRRes, true},
		{fogtypes.StateRReq, fogtypes.StateRCan, true},
		{fogtypes.StateRRes, fogtypes.StateDReq, true},
		{fogtypes.StateRRes, fogtypes.StateRAck, true},
		{fogtypes.StateRRes, fogtypes.StateRCan, true},
		{fogtypes.StateDReq, fogtypes.StateDRes, true},
		{fogtypes.StateDReq, fogtypes.StateDWait, true},
		{fogtypes.StateDReq, fogtypes.StateDCan, true},
		{fogtypes.StateDReq, fogtypes.StateDAck, false},
		{fogtypes.StateDRes, fogtypes.StateDAck, true},
		{fogtypes.StateDRes, fogtypes.StateDCan, true},
		{fogtypes.StateDAck, fogtypes.StateDRes, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Answers(tt.sent, tt.reply),
			"%s -> %s", tt.sent, tt.reply)
	}
}
