package protocol

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

func TestRegistryNewID(t *testing.T) {
	reg := NewRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := reg.NewID()
		require.Len(t, id, ReqIDLen)
		require.False(t, seen[id], "generated id %s twice", id)
		seen[id] = true
	}
}

func TestRegistryConsumerLookup(t *testing.T) {
	reg := NewRegistry()
	req := fogtypes.NewRequest("abcdef0123", nil, nil)
	e := reg.AddConsumer(req)
	assert.Same(t, e, reg.Consumer("abcdef0123"))
	assert.Nil(t, reg.Consumer("unknown000"))
	assert.Len(t, reg.ConsumerRequests(), 1)
}

func TestRegistryProviderOrCreate(t *testing.T) {
	require := require.New(t)
	reg := NewRegistry()

	p, created := reg.ProviderOrCreate("10.0.0.7", "abcdef0123", fogtypes.StateHReq)
	require.True(created)
	require.Equal(fogtypes.StateHReq, p.State())

	// same key returns the same entry
	p2, created := reg.ProviderOrCreate("10.0.0.7", "abcdef0123", fogtypes.StateRReq)
	require.False(created)
	require.Same(p, p2)

	// a different consumer with the same request id is a distinct entry
	p3, created := reg.ProviderOrCreate("10.0.0.8", "abcdef0123", fogtypes.StateHReq)
	require.True(created)
	require.NotSame(p, p3)
	require.Same(p3, reg.Provider("10.0.0.8", "abcdef0123"))
}

func TestEventSingleFire(t *testing.T) {
	ev := NewEvent()
	assert.False(t, ev.IsSet())
	assert.False(t, ev.Wait(10*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.Set()
		}()
	}
	wg.Wait()
	assert.True(t, ev.IsSet())
	assert.True(t, ev.Wait(time.Millisecond))
}

func TestRegistryEvents(t *testing.T) {
	reg := NewRegistry()
	ev := reg.Event(EventDReq, "10.0.0.7", "abcdef0123")
	assert.Same(t, ev, reg.Event(EventDReq, "10.0.0.7", "abcdef0123"))

	// the acknowledgement event for the same request is distinct
	assert.NotSame(t, ev, reg.Event(EventAck, "10.0.0.7", "abcdef0123"))

	// firing an unknown event is a no-op
	reg.FireEvent(EventDReq, "10.0.0.9", "abcdef0123")
	assert.False(t, ev.IsSet())

	reg.FireEvent(EventDReq, "10.0.0.7", "abcdef0123")
	assert.True(t, ev.IsSet())
	assert.False(t, reg.Event(EventAck, "10.0.0.7", "abcdef0123").IsSet())

	// a reset supersedes the fired event
	assert.False(t, reg.ResetEvent(EventDReq, "10.0.0.7", "abcdef0123").IsSet())

	reg.DropEvent(EventDReq, "10.0.0.7", "abcdef0123")
	assert.False(t, reg.Event(EventDReq, "10.0.0.7", "abcdef0123").IsSet())
}

func TestRegistrySweep(t *testing.T) {
	reg := NewRegistry()

	reg.ProviderOrCreate("10.0.0.7", "done456789", fogtypes.StateDRes)
	reg.ProviderOrCreate("10.0.0.7", "live456789", fogtypes.StateRRes)

	evDone := reg.Event(EventAck, "10.0.0.7", "done456789")
	evLive := reg.Event(EventDReq, "10.0.0.7", "live456789")
	reg.Sweep()

	assert.NotSame(t, evDone, reg.Event(EventAck, "10.0.0.7", "done456789"))
	assert.Same(t, evLive, reg.Event(EventDReq, "10.0.0.7", "live456789"))
}

func TestAcceptResultCAS(t *testing.T) {
	require := require.New(t)
	reg := NewRegistry()
	req := fogtypes.NewRequest("abcdef0123", nil, nil)
	req.NewAttempt()
	e := reg.AddConsumer(req)

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if e.AcceptResult("10.0.0.5", []byte("result"), 1) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// exactly one acceptance wins the check-and-set
	require.Equal(1, wins)
	require.True(e.Done())
	require.Equal(fogtypes.StateDRes, req.State)
	require.Equal("10.0.0.5", req.Host)
	require.Equal([]byte("result"), req.Result)
	require.Equal(req.DresAt, req.Attempts[0].DresAt)
	require.Equal(fogtypes.StateDRes, req.Attempts[0].State)
}

func TestRecordResponseIgnoredAfterTerminal(t *testing.T) {
	reg := NewRegistry()
	req := fogtypes.NewRequest("abcdef0123", nil, nil)
	req.NewAttempt()
	e := reg.AddConsumer(req)

	e.RecordResponse(1, "10.0.0.5", 2, 512, 5)
	require.Len(t, req.Attempts[0].Responses, 1)

	req.State = fogtypes.StateFail
	e.RecordResponse(1, "10.0.0.6", 1, 256, 2)
	require.Len(t, req.Attempts[0].Responses, 1)
}
