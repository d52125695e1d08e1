package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedExecute(t *testing.T) {
	e := NewSimulated(0, 0.01)
	res, err := e.Execute(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("result"), res)
}

func TestSimulatedInvalidIntervalFallsBack(t *testing.T) {
	// inverted and negative bounds fall back to [0s, 1s]
	for _, e := range []*Simulated{NewSimulated(5, 1), NewSimulated(-1, 2)} {
		assert.Equal(t, time.Duration(0), e.min)
		assert.Equal(t, time.Second, e.max)
	}
}

func TestSimulatedHonoursContext(t *testing.T) {
	e := NewSimulated(10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, nil)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("execute did not observe cancellation")
	}
}
