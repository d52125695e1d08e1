// Package executor runs network-application payloads on behalf of a
// consumer. The production deployment plugs a real runtime in through the
// Executor interface; the simulated implementation models execution time
// only.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Executor runs a payload and returns its result bytes.
type Executor interface {
	Execute(ctx context.Context, data []byte) ([]byte, error)
}

// Simulated sleeps for a uniformly distributed duration and returns a
// fixed result, standing in for real payload execution.
type Simulated struct {
	min time.Duration
	max time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated executor sleeping between min and max
// seconds. An inverted or negative interval falls back to [0s, 1s].
func NewSimulated(min, max float64) *Simulated {
	if min < 0 || max < min {
		log.Warn().Float64("min", min).Float64("max", max).
			Msg("invalid execution interval, defaulting to [0s, 1s]")
		min, max = 0, 1
	}
	return &Simulated{
		min: time.Duration(min * float64(time.Second)),
		max: time.Duration(max * float64(time.Second)),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute sleeps for the simulated execution time, honouring ctx.
func (s *Simulated) Execute(ctx context.Context, data []byte) ([]byte, error) {
	s.mu.Lock()
	d := s.min
	if s.max > s.min {
		d += time.Duration(s.rng.Int63n(int64(s.max - s.min)))
	}
	s.mu.Unlock()

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte("result"), nil
}
