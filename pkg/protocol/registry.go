package protocol

import (
	"math/rand"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Event is a single-fire synchronisation primitive shared between the
// responder and a waiting provider or consumer task. Set is idempotent.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent creates an unfired event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Subsequent calls are no-ops.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has fired.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the event fires or the timeout elapses; it reports
// whether the event fired.
func (e *Event) Wait(timeout time.Duration) bool {
	select {
	case <-e.ch:
		return true
	case <-time.After(timeout):
		return e.IsSet()
	}
}

// ConsumerEntry wraps a consumer-side request with the entry-level lock.
// Only the initiator that created the entry writes to it, except for the
// result fields, which the responder may win through AcceptResult.
type ConsumerEntry struct {
	mu   sync.Mutex
	Req  *fogtypes.Request
	late bool
}

// Done reports whether a data exchange response was already accepted.
func (e *ConsumerEntry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Req.DresAt.IsZero()
}

// Host returns the currently selected host.
func (e *ConsumerEntry) Host() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Req.Host
}

// Result returns the accepted result bytes, nil if none yet.
func (e *ConsumerEntry) Result() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Req.Result
}

// MarkLate records that the initiator gave up actively waiting but will
// still accept a data exchange response.
func (e *ConsumerEntry) MarkLate() {
	e.mu.Lock()
	e.late = true
	e.mu.Unlock()
}

// Late reports whether the request was marked late.
func (e *ConsumerEntry) Late() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.late
}

// AcceptResult attempts to accept a data exchange response from host.
// Exactly one caller wins for a given request; the check-and-set on the
// response timestamp arbitrates between the initiator and the responder.
func (e *ConsumerEntry) AcceptResult(host string, result []byte, attemptNo int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Req.DresAt.IsZero() {
		return false
	}
	now := time.Now()
	e.Req.DresAt = now
	e.Req.State = fogtypes.StateDRes
	e.Req.Host = host
	e.Req.Result = append([]byte(nil), result...)
	if a := e.Req.Attempt(attemptNo); a != nil {
		a.State = fogtypes.StateDRes
		a.DresAt = now
	}
	return true
}

// RecordResponse appends a host offer to the attempt's response list, if
// the request is still in flight.
func (e *ConsumerEntry) RecordResponse(attemptNo int, host string, cpu, ram, disk float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Req.Terminal() {
		return
	}
	a := e.Req.Attempt(attemptNo)
	if a == nil {
		return
	}
	a.Responses = append(a.Responses, &fogtypes.Response{
		ReqID:     e.Req.ID,
		AttemptNo: attemptNo,
		Host:      host,
		CPU:       cpu,
		RAM:       ram,
		Disk:      disk,
		Timestamp: time.Now(),
	})
}

// Update runs fn under the entry lock, for the initiator's own state
// transitions.
func (e *ConsumerEntry) Update(fn func(*fogtypes.Request)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.Req)
}

// ProviderRequest is the provider-side view of an in-flight request, keyed
// by (consumer IP, request id).
type ProviderRequest struct {
	mu sync.Mutex

	ReqID    string
	Consumer string

	state     fogtypes.State
	cos       *fogtypes.CoS
	result    []byte
	executing bool
	holding   bool
	freed     bool
}

// Locked runs fn with the entry locked.
func (p *ProviderRequest) Locked(fn func(*ProviderRequest)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

// State returns the current provider-side state.
func (p *ProviderRequest) State() fogtypes.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type providerKey struct {
	ip string
	id string
}

// Registry holds the two tables of in-flight requests (as consumer, as
// provider), the per-request event primitives, and the request-id history
// used to keep generated ids unique across the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	consumer map[string]*ConsumerEntry
	provider map[providerKey]*ProviderRequest
	events   map[string]*Event

	history *cache.Cache

	rmu sync.Mutex
	rng *rand.Rand
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		consumer: make(map[string]*ConsumerEntry),
		provider: make(map[providerKey]*ProviderRequest),
		events:   make(map[string]*Event),
		history:  cache.New(cache.NoExpiration, 0),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewID generates a fresh 10-character alphanumeric request id that does
// not collide with any id seen before.
func (r *Registry) NewID() string {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	for {
		b := make([]byte, ReqIDLen)
		for i := range b {
			b[i] = idAlphabet[r.rng.Intn(len(idAlphabet))]
		}
		id := string(b)
		if _, seen := r.history.Get(id); seen {
			continue
		}
		r.history.Set(id, struct{}{}, cache.NoExpiration)
		return id
	}
}

// AddConsumer registers a freshly created request.
func (r *Registry) AddConsumer(req *fogtypes.Request) *ConsumerEntry {
	e := &ConsumerEntry{Req: req}
	r.mu.Lock()
	r.consumer[req.ID] = e
	r.mu.Unlock()
	r.history.Set(req.ID, struct{}{}, cache.NoExpiration)
	return e
}

// Consumer looks up a consumer entry by request id.
func (r *Registry) Consumer(id string) *ConsumerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumer[id]
}

// ConsumerRequests returns all consumer requests, for persistence.
func (r *Registry) ConsumerRequests() []*fogtypes.Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*fogtypes.Request, 0, len(r.consumer))
	for _, e := range r.consumer {
		out = append(out, e.Req)
	}
	return out
}

// Provider looks up a provider entry.
func (r *Registry) Provider(ip, id string) *ProviderRequest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider[providerKey{ip: ip, id: id}]
}

// ProviderOrCreate returns the provider entry for (ip, id), creating it in
// the given initial state when absent. created reports whether a new entry
// was made.
func (r *Registry) ProviderOrCreate(ip, id string, initial fogtypes.State) (entry *ProviderRequest, created bool) {
	key := providerKey{ip: ip, id: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.provider[key]; ok {
		return e, false
	}
	e := &ProviderRequest{ReqID: id, Consumer: ip, state: initial}
	r.provider[key] = e
	return e, true
}

// Event kinds. The provider uses one event to detect the data exchange
// request arriving during a reservation hold and a distinct one to detect
// the acknowledgement of a delivered result, so a retransmitted DREQ can
// never fire the acknowledgement wait.
const (
	// EventDReq fires when the data exchange request arrives.
	EventDReq = "dreq"
	// EventAck fires when the exchange is acknowledged or cancelled.
	EventAck = "ack"
)

func eventKey(kind, ip, id string) string {
	return kind + "|" + ip + "|" + id
}

// Event returns the event for (kind, ip, id), creating it when absent.
func (r *Registry) Event(kind, ip, id string) *Event {
	key := eventKey(kind, ip, id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[key]; ok {
		return e
	}
	e := NewEvent()
	r.events[key] = e
	return e
}

// ResetEvent installs a fresh event for (kind, ip, id), superseding any
// fired one, and returns it.
func (r *Registry) ResetEvent(kind, ip, id string) *Event {
	key := eventKey(kind, ip, id)
	e := NewEvent()
	r.mu.Lock()
	r.events[key] = e
	r.mu.Unlock()
	return e
}

// FireEvent sets the event for (kind, ip, id) if one exists.
func (r *Registry) FireEvent(kind, ip, id string) {
	r.mu.RLock()
	e := r.events[eventKey(kind, ip, id)]
	r.mu.RUnlock()
	if e != nil {
		e.Set()
	}
}

// DropEvent removes the event for (kind, ip, id).
func (r *Registry) DropEvent(kind, ip, id string) {
	r.mu.Lock()
	delete(r.events, eventKey(kind, ip, id))
	r.mu.Unlock()
}

// Sweep removes event primitives whose requests reached a terminal state.
// Request entries themselves are kept: they back the persisted history and
// the id-collision check.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.events {
		_, ip, id := splitEventKey(key)
		if ip == "" {
			if e, ok := r.consumer[id]; ok && !e.Req.Terminal() {
				continue
			}
		} else {
			p, ok := r.provider[providerKey{ip: ip, id: id}]
			if ok {
				st := p.State()
				if st != fogtypes.StateDRes && st != fogtypes.StateRCan &&
					st != fogtypes.StateDCan {
					continue
				}
			}
		}
		delete(r.events, key)
	}
}

func splitEventKey(key string) (kind, ip, id string) {
	first := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			if first < 0 {
				first = i
				continue
			}
			return key[:first], key[first+1 : i], key[i+1:]
		}
	}
	return "", "", key
}
