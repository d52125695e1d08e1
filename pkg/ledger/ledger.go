// Package ledger implements the node's soft-reservation bookkeeping over
// its declared CPU, RAM and disk capacity. Reservations are not enforced
// on the OS level; the ledger only guarantees that the sum of concurrent
// commitments never crosses the configured usage limit.
package ledger

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
)

// Requirements is the admission-gated subset of a CoS requirement vector.
// CPU is in fractional cores, RAM in MiB, Disk in GiB.
type Requirements struct {
	CPU  float64
	RAM  float64
	Disk float64
}

// FromCoS extracts the admission gates from a CoS.
func FromCoS(c *fogtypes.CoS) Requirements {
	if c == nil {
		return Requirements{}
	}
	return Requirements{
		CPU:  c.Specs.MinCPU,
		RAM:  c.Specs.MinRAM,
		Disk: c.Specs.MinDisk,
	}
}

// Totals is the declared capacity of the node.
type Totals struct {
	CPU  float64
	RAM  float64
	Disk float64
}

// FreeFunc reports the measured free resources of the node. When set, the
// ledger subtracts its reservations from measured values instead of the
// declared totals. ok=false means no measurement is available yet, in which
// case declared totals are used.
type FreeFunc func() (cpu, ram, disk float64, ok bool)

// Ledger tracks reserved resources against declared capacity under a usage
// limit. All operations are serialised under a single mutex held only for
// O(1) work.
type Ledger struct {
	mu        sync.Mutex
	totals    Totals
	threshold float64
	reserved  Requirements
	measured  FreeFunc
}

// New creates a ledger. limit is the configured usage limit as a percentage
// in [0, 100]; values outside that range clamp to 0, which yields a
// threshold of 1: no capacity is offered, so every request with a positive
// requirement is refused and only a request with no requirements at all is
// admitted. measured may be nil for pure simulation.
func New(totals Totals, limit float64, measured FreeFunc) *Ledger {
	if limit < 0 || limit > 100 {
		log.Warn().Float64("limit", limit).
			Msg("resource limit out of range, no capacity will be offered")
		limit = 0
	}
	return &Ledger{
		totals:    totals,
		threshold: 1 - limit/100,
		measured:  measured,
	}
}

// Threshold returns the reserved-headroom fraction (1 - limit/100).
func (l *Ledger) Threshold() float64 {
	return l.threshold
}

// Totals returns the declared capacity.
func (l *Ledger) Totals() Totals {
	return l.totals
}

// free computes free resources minus reservations. Caller holds l.mu.
func (l *Ledger) free() (cpu, ram, disk float64) {
	tc, tr, td := l.totals.CPU, l.totals.RAM, l.totals.Disk
	if l.measured != nil {
		if mc, mr, md, ok := l.measured(); ok {
			// never offer more than declared
			if mc < tc {
				tc = mc
			}
			if mr < tr {
				tr = mr
			}
			if md < td {
				td = md
			}
		}
	}
	cpu = tc - l.reserved.CPU
	ram = tr - l.reserved.RAM
	disk = td - l.reserved.Disk
	if cpu < 0 {
		cpu = 0
	}
	if ram < 0 {
		ram = 0
	}
	if disk < 0 {
		disk = 0
	}
	return cpu, ram, disk
}

// Snapshot returns the currently offerable free resources, never negative.
func (l *Ledger) Snapshot() (cpu, ram, disk float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.free()
}

func (l *Ledger) admits(req Requirements) bool {
	cpu, ram, disk := l.free()
	return cpu-req.CPU >= l.totals.CPU*l.threshold &&
		ram-req.RAM >= l.totals.RAM*l.threshold &&
		disk-req.Disk >= l.totals.Disk*l.threshold
}

// Check reports whether the requirements can currently be admitted without
// crossing the usage limit.
func (l *Ledger) Check(req Requirements) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admits(req)
}

// Reserve atomically re-evaluates admission and commits the requirements.
// Returns false, with no side effect, if admission fails.
func (l *Ledger) Reserve(req Requirements) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.admits(req) {
		return false
	}
	l.reserved.CPU += req.CPU
	l.reserved.RAM += req.RAM
	l.reserved.Disk += req.Disk
	cpu, ram, disk := l.free()
	log.Debug().
		Float64("cpu", cpu).Float64("ram", ram).Float64("disk", disk).
		Msg("resources reserved")
	return true
}

// Free returns the requirements to the pool, clamping at zero.
func (l *Ledger) Free(req Requirements) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved.CPU -= req.CPU
	if l.reserved.CPU < 0 {
		l.reserved.CPU = 0
	}
	l.reserved.RAM -= req.RAM
	if l.reserved.RAM < 0 {
		l.reserved.RAM = 0
	}
	l.reserved.Disk -= req.Disk
	if l.reserved.Disk < 0 {
		l.reserved.Disk = 0
	}
	cpu, ram, disk := l.free()
	log.Debug().
		Float64("cpu", cpu).Float64("ram", ram).Float64("disk", disk).
		Msg("resources freed")
}

// Reserved returns the currently committed reservations. Used by the
// ledger audits in tests.
func (l *Ledger) Reserved() Requirements {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}
