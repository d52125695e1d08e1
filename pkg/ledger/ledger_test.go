package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCheck(t *testing.T) {
	tests := []struct {
		name   string
		totals Totals
		limit  float64
		req    Requirements
		want   bool
	}{
		{
			name:   "fits",
			totals: Totals{CPU: 4, RAM: 2048, Disk: 20},
			limit:  100,
			req:    Requirements{CPU: 2, RAM: 1024, Disk: 10},
			want:   true,
		},
		{
			name:   "cpuExceeded",
			totals: Totals{CPU: 1, RAM: 2048, Disk: 20},
			limit:  100,
			req:    Requirements{CPU: 4, RAM: 256, Disk: 2},
			want:   false,
		},
		{
			name:   "limitHeadroom",
			totals: Totals{CPU: 4, RAM: 2048, Disk: 20},
			limit:  50,
			req:    Requirements{CPU: 3, RAM: 512, Disk: 4},
			want:   false,
		},
		{
			name:   "limitZero",
			totals: Totals{CPU: 4, RAM: 2048, Disk: 20},
			limit:  0,
			req:    Requirements{CPU: 1, RAM: 128, Disk: 1},
			want:   false,
		},
		{
			name:   "emptyRequest",
			totals: Totals{CPU: 4, RAM: 2048, Disk: 20},
			limit:  100,
			req:    Requirements{},
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.totals, tt.limit, nil)
			assert.Equal(t, tt.want, l.Check(tt.req))
		})
	}
}

func TestLedgerLimitClamp(t *testing.T) {
	for _, limit := range []float64{-1, 101, 1000} {
		l := New(Totals{CPU: 8, RAM: 4096, Disk: 100}, limit, nil)
		assert.Equal(t, 1.0, l.Threshold())
		assert.False(t, l.Check(Requirements{}))
	}
}

func TestLedgerReserveFree(t *testing.T) {
	require := require.New(t)
	l := New(Totals{CPU: 4, RAM: 2048, Disk: 20}, 100, nil)

	req := Requirements{CPU: 2, RAM: 1024, Disk: 10}
	require.True(l.Reserve(req))

	cpu, ram, disk := l.Snapshot()
	require.Equal(2.0, cpu)
	require.Equal(1024.0, ram)
	require.Equal(10.0, disk)

	// second identical reservation still fits exactly
	require.True(l.Reserve(req))
	// third does not, and must not mutate state
	require.False(l.Reserve(req))
	cpu, ram, disk = l.Snapshot()
	require.Equal(0.0, cpu)
	require.Equal(0.0, ram)
	require.Equal(0.0, disk)

	l.Free(req)
	l.Free(req)
	cpu, ram, disk = l.Snapshot()
	require.Equal(4.0, cpu)
	require.Equal(2048.0, ram)
	require.Equal(20.0, disk)
	require.Equal(Requirements{}, l.Reserved())
}

func TestLedgerFreeClampsAtZero(t *testing.T) {
	l := New(Totals{CPU: 4, RAM: 2048, Disk: 20}, 100, nil)
	l.Free(Requirements{CPU: 10, RAM: 10000, Disk: 100})
	cpu, ram, disk := l.Snapshot()
	assert.Equal(t, 4.0, cpu)
	assert.Equal(t, 2048.0, ram)
	assert.Equal(t, 20.0, disk)
}

func TestLedgerMeasuredMode(t *testing.T) {
	require := require.New(t)
	free := func() (float64, float64, float64, bool) {
		return 2, 512, 5, true
	}
	l := New(Totals{CPU: 4, RAM: 2048, Disk: 20}, 100, free)

	// measured free is below declared totals, so it caps the offer
	cpu, ram, disk := l.Snapshot()
	require.Equal(2.0, cpu)
	require.Equal(512.0, ram)
	require.Equal(5.0, disk)

	require.False(l.Reserve(Requirements{CPU: 3}))
	require.True(l.Reserve(Requirements{CPU: 2, RAM: 512, Disk: 5}))
}

// a concurrent reserve/free storm must never leave the ledger negative or
// over-committed, and balanced reserve/free pairs must audit to zero
func TestLedgerConcurrentAudit(t *testing.T) {
	l := New(Totals{CPU: 16, RAM: 16384, Disk: 160}, 100, nil)
	req := Requirements{CPU: 1, RAM: 1024, Disk: 10}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if l.Reserve(req) {
					cpu, ram, disk := l.Snapshot()
					assert.GreaterOrEqual(t, cpu, 0.0)
					assert.GreaterOrEqual(t, ram, 0.0)
					assert.GreaterOrEqual(t, disk, 0.0)
					l.Free(req)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Requirements{}, l.Reserved())
}
