// Package monitor samples the node's resource state: total and free CPU,
// memory and disk, plus per-interface capacity, free bandwidth and packet
// counters. Consumers read the latest sample through Snapshot.
package monitor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	gonet "github.com/shirou/gopsutil/net"
)

const (
	mebi = 1 << 20
	gibi = 1 << 30
	mega = 1e6
)

// IfaceMeasures is the latest per-interface sample. Bandwidth values are
// in Mbit/s.
type IfaceMeasures struct {
	Capacity      float64
	BandwidthUp   float64
	BandwidthDown float64
	TxPackets     uint64
	RxPackets     uint64
}

// Measures is the latest node-level sample. Memory is in MiB, disk in GiB.
type Measures struct {
	CPUCount    float64
	CPUFree     float64
	MemoryTotal float64
	MemoryFree  float64
	DiskTotal   float64
	DiskFree    float64
	Interfaces  map[string]IfaceMeasures
	Timestamp   time.Time
}

// Monitor periodically samples the OS counters.
type Monitor struct {
	period time.Duration
	root   string

	mu       sync.RWMutex
	measures Measures
	ready    bool
}

// New creates a monitor sampling every period. root is the mount point used
// for disk measurements.
func New(period time.Duration, root string) *Monitor {
	if period <= 0 {
		period = time.Second
	}
	if root == "" {
		root = "/"
	}
	return &Monitor{period: period, root: root}
}

// Run samples in a loop until ctx is cancelled. Interface bandwidth is
// derived from the delta of I/O counters across the period.
func (m *Monitor) Run(ctx context.Context) error {
	prev, err := ioCounters()
	if err != nil {
		return errors.Wrap(err, "failed to read network I/O counters")
	}
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		next, err := ioCounters()
		if err != nil {
			log.Error().Err(err).Msg("failed to read network I/O counters")
			continue
		}
		if err := m.sample(prev, next); err != nil {
			log.Error().Err(err).Msg("failed to sample node resources")
		}
		prev = next
	}
}

func (m *Monitor) sample(prev, next map[string]gonet.IOCountersStat) error {
	var out Measures
	out.Interfaces = make(map[string]IfaceMeasures)
	out.Timestamp = time.Now()

	count, err := cpu.Counts(true)
	if err != nil {
		return errors.Wrap(err, "failed to get cpu count")
	}
	out.CPUCount = float64(count)

	percents, err := cpu.Percent(0, true)
	if err != nil {
		return errors.Wrap(err, "failed to get cpu usage percentages")
	}
	used := 0.0
	for _, p := range percents {
		used += p / 100
	}
	out.CPUFree = out.CPUCount - used

	vm, err := mem.VirtualMemory()
	if err != nil {
		return errors.Wrap(err, "failed to get memory stats")
	}
	out.MemoryTotal = float64(vm.Total) / mebi
	out.MemoryFree = float64(vm.Available) / mebi

	du, err := disk.Usage(m.root)
	if err != nil {
		return errors.Wrap(err, "failed to get disk usage")
	}
	out.DiskTotal = float64(du.Total) / gibi
	out.DiskFree = float64(du.Free) / gibi

	secs := m.period.Seconds()
	for name, cur := range next {
		if name == "lo" {
			continue
		}
		old, ok := prev[name]
		if !ok {
			continue
		}
		capacity := linkSpeed(name)
		up := float64(cur.BytesSent-old.BytesSent) * 8 / secs / mega
		down := float64(cur.BytesRecv-old.BytesRecv) * 8 / secs / mega
		out.Interfaces[name] = IfaceMeasures{
			Capacity:      capacity,
			BandwidthUp:   capacity - up,
			BandwidthDown: capacity - down,
			TxPackets:     cur.PacketsSent,
			RxPackets:     cur.PacketsRecv,
		}
	}

	m.mu.Lock()
	m.measures = out
	m.ready = true
	m.mu.Unlock()
	return nil
}

// Snapshot returns the latest sample. ok is false until the first sampling
// round completed.
func (m *Monitor) Snapshot() (Measures, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.measures, m.ready
}

// Free returns the latest free cpu/ram/disk triple in ledger units.
func (m *Monitor) Free() (cpu, ram, disk float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return 0, 0, 0, false
	}
	return m.measures.CPUFree, m.measures.MemoryFree, m.measures.DiskFree, true
}

func ioCounters() (map[string]gonet.IOCountersStat, error) {
	stats, err := gonet.IOCounters(true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]gonet.IOCountersStat, len(stats))
	for _, s := range stats {
		out[s.Name] = s
	}
	return out, nil
}

// linkSpeed reads the NIC speed in Mbit/s from sysfs. Interfaces that do
// not expose a speed (virtual devices, down links) report 0.
func linkSpeed(name string) float64 {
	b, err := os.ReadFile("/sys/class/net/" + name + "/speed")
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || v < 0 {
		return 0
	}
	return float64(v)
}
