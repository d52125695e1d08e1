// Package protocol implements the offload request protocol: the wire
// codec, the in-flight request registry, the inbound responder state
// machine and the consumer-side request initiator. A node runs both roles
// over one dispatcher on the selected interface.
package protocol

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/executor"
	"github.com/youcefouarab/fog-client/pkg/fogtypes"
	"github.com/youcefouarab/fog-client/pkg/ledger"
)

// Persister stores the consumer request tables after terminal transitions.
type Persister interface {
	Save(reqs []*fogtypes.Request) error
}

// Options wires the protocol's collaborators.
type Options struct {
	Config    Config
	Transport Transport
	Ledger    *ledger.Ledger
	Executor  executor.Executor
	CoS       map[uint32]*fogtypes.CoS
	// Store persists completed requests; nil disables persistence.
	Store Persister
	// Report forwards a completed request to the orchestrator for logging;
	// nil disables reporting.
	Report func(*fogtypes.Request)
}

// Protocol is the assembled offload protocol engine.
type Protocol struct {
	cfg  Config
	disp *Dispatcher
	reg  *Registry
	resp *Responder
	init *Initiator

	store  Persister
	report func(*fogtypes.Request)
}

// New assembles the protocol engine. Run must be called before requests
// can be sent or served.
func New(opts Options) *Protocol {
	p := &Protocol{
		cfg:    opts.Config,
		reg:    NewRegistry(),
		store:  opts.Store,
		report: opts.Report,
	}
	p.disp = NewDispatcher(opts.Config, opts.Transport)
	cos := opts.CoS
	if cos == nil {
		cos = fogtypes.DefaultCoSTable()
	}
	p.resp = newResponder(opts.Config, p.disp, p.reg, opts.Ledger,
		opts.Executor, cos, p.persist)
	p.init = newInitiator(opts.Config, p.disp, p.reg, cos, p.persist)
	p.disp.SetHandler(p.resp.Handle)
	return p
}

// Registry exposes the in-flight request tables.
func (p *Protocol) Registry() *Registry {
	return p.reg
}

// Run drives the inbound packet loop until ctx is cancelled.
func (p *Protocol) Run(ctx context.Context) error {
	p.resp.ctx = ctx
	return p.disp.Run(ctx)
}

// SendRequest requests remote execution of data under the CoS identified
// by cosID. Returns the result bytes, or nil when no host completed the
// exchange.
func (p *Protocol) SendRequest(ctx context.Context, cosID uint32, data []byte) ([]byte, error) {
	return p.init.SendRequest(ctx, cosID, data)
}

// persist stores the full consumer view and reports the request upstream.
// Both halves are best-effort: persistence failures never disturb the
// protocol loops.
func (p *Protocol) persist(req *fogtypes.Request) {
	if p.store != nil {
		if err := p.store.Save(p.reg.ConsumerRequests()); err != nil {
			log.Error().Err(err).Str("req_id", req.ID).
				Msg("failed to persist requests")
		}
	}
	if p.report != nil {
		p.report(req)
	}
}
