package fogtypes

import "math"

// CoSSpecs is the requirement vector of a Class of Service. Only MinCPU,
// MinRAM and MinDisk gate admission on the provider side; the remaining
// fields are carried for the orchestrator's placement decisions.
type CoSSpecs struct {
	MaxResponseTime      float64 `json:"max_response_time"`
	MinConcurrentUsers   float64 `json:"min_concurrent_users"`
	MinRequestsPerSecond float64 `json:"min_requests_per_second"`
	MinBandwidth         float64 `json:"min_bandwidth"`
	MaxDelay             float64 `json:"max_delay"`
	MaxJitter            float64 `json:"max_jitter"`
	MaxLossRate          float64 `json:"max_loss_rate"`
	MinCPU               float64 `json:"min_cpu"`
	MinRAM               float64 `json:"min_ram"`
	MinDisk              float64 `json:"min_disk"`
}

// CoS is a Class of Service: a named profile carrying minimum-resource and
// QoS targets for a network application.
type CoS struct {
	ID    uint32   `json:"id"`
	Name  string   `json:"name"`
	Specs CoSSpecs `json:"specs"`
}

func unconstrained() CoSSpecs {
	return CoSSpecs{
		MaxResponseTime: math.Inf(1),
		MaxDelay:        math.Inf(1),
		MaxJitter:       math.Inf(1),
		MaxLossRate:     1,
	}
}

// DefaultCoSTable returns the built-in Class of Service catalogue, keyed by
// CoS ID. ID 1 is best-effort. The table is built in; the orchestrator
// configuration does not change it.
func DefaultCoSTable() map[uint32]*CoS {
	mk := func(id uint32, name string, mut func(*CoSSpecs)) *CoS {
		s := unconstrained()
		if mut != nil {
			mut(&s)
		}
		return &CoS{ID: id, Name: name, Specs: s}
	}
	return map[uint32]*CoS{
		1: mk(1, "best-effort", nil),
		2: mk(2, "interactive", func(s *CoSSpecs) {
			s.MaxResponseTime = 1
			s.MinCPU = 0.5
			s.MinRAM = 256
			s.MinDisk = 0.5
		}),
		3: mk(3, "real-time", func(s *CoSSpecs) {
			s.MaxResponseTime = 0.1
			s.MaxDelay = 0.01
			s.MaxJitter = 0.005
			s.MinCPU = 1
			s.MinRAM = 512
			s.MinDisk = 1
		}),
		4: mk(4, "streaming", func(s *CoSSpecs) {
			s.MinBandwidth = 10
			s.MaxLossRate = 0.01
			s.MinCPU = 1
			s.MinRAM = 1024
			s.MinDisk = 2
		}),
		5: mk(5, "cpu-bound", func(s *CoSSpecs) {
			s.MinCPU = 2
			s.MinRAM = 1024
			s.MinDisk = 1
		}),
		6: mk(6, "data-intensive", func(s *CoSSpecs) {
			s.MinCPU = 1
			s.MinRAM = 2048
			s.MinDisk = 10
		}),
	}
}
