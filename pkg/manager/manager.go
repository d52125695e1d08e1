// Package manager owns the node's lifecycle in the orchestrated topology:
// it builds the node descriptor, joins the orchestrator, keeps the
// registration alive over UDP and reports live specs periodically.
package manager

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/youcefouarab/fog-client/pkg/fogtypes"
	"github.com/youcefouarab/fog-client/pkg/ledger"
	"github.com/youcefouarab/fog-client/pkg/monitor"
	"github.com/youcefouarab/fog-client/pkg/netutil"
	"github.com/youcefouarab/fog-client/pkg/orchestrator"
	"github.com/youcefouarab/fog-client/pkg/protocol"
)

// Mode is the CLI-facing join mode.
type Mode string

const (
	// ModeClient joins to request resources only.
	ModeClient Mode = "client"
	// ModeResource joins to request and offer resources.
	ModeResource Mode = "resource"
	// ModeSwitch joins a switch for topology purposes.
	ModeSwitch Mode = "switch"
)

// State is the manager's connection state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Configuring   State = "CONFIGURING"
	Joining       State = "JOINING"
	Connected     State = "CONNECTED"
	Disconnecting State = "DISCONNECTING"
)

// ErrConflict is returned when another agent already registered this node
// id. Fatal: the process must exit.
var ErrConflict = errors.New("node id already registered by another agent")

// Options configures the manager.
type Options struct {
	Mode     Mode
	ServerIP string
	APIPort  int

	// ID and Label override the MAC/hostname defaults. DPID is required in
	// switch mode.
	ID    string
	Label string
	DPID  string

	// Node overrides the automatically built descriptor (simulations).
	Node *fogtypes.Node
}

// Manager drives the node lifecycle.
type Manager struct {
	opts Options
	api  *orchestrator.Client
	mon  *monitor.Monitor
	led  *ledger.Ledger
	reg  *protocol.Registry

	mu    sync.Mutex
	state State
	node  *fogtypes.Node

	connected chan struct{} // closed on disconnect
	closeOnce sync.Once

	log zerolog.Logger
}

// New creates a manager. The resource collaborators are wired with
// SetResources after Configure, once the remote configuration is known.
func New(opts Options, api *orchestrator.Client) *Manager {
	return &Manager{
		opts:      opts,
		api:       api,
		state:     Disconnected,
		connected: make(chan struct{}),
		log:       log.With().Str("module", "manager").Logger(),
	}
}

// SetResources wires the spec reporter's data sources. mon and led provide
// the volatile and constant specs; reg, when set, is swept periodically for
// stale event primitives.
func (m *Manager) SetResources(mon *monitor.Monitor, led *ledger.Ledger,
	reg *protocol.Registry) {
	m.mon = mon
	m.led = led
	m.reg = reg
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Node returns the node descriptor; nil before Connect.
func (m *Manager) Node() *fogtypes.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.node
}

// Configure fetches the remote configuration and applies it to the
// process environment. Must be called before Connect.
func (m *Manager) Configure(ctx context.Context) error {
	m.setState(Configuring)
	if err := m.configure(ctx); err != nil {
		m.setState(Disconnected)
		return err
	}
	return nil
}

// Connect builds the node descriptor and joins the orchestrated topology,
// then starts the keepalive and spec reporter loops. It blocks until
// joined or a fatal error occurs.
func (m *Manager) Connect(ctx context.Context) error {
	if m.opts.Node != nil {
		m.mu.Lock()
		m.node = m.opts.Node
		m.mu.Unlock()
	} else if err := m.build(); err != nil {
		m.setState(Disconnected)
		return err
	}

	m.setState(Joining)
	if err := m.join(ctx); err != nil {
		m.setState(Disconnected)
		return err
	}
	m.setState(Connected)
	m.log.Info().Str("id", m.node.ID).Msg("node added successfully")

	go m.keepalive(ctx)
	go m.reportSpecs(ctx)
	if m.reg != nil {
		c := cron.New()
		if _, err := c.AddFunc("@hourly", m.reg.Sweep); err == nil {
			c.Start()
			go func() {
				<-ctx.Done()
				c.Stop()
			}()
		}
	}
	return nil
}

// configure fetches the remote configuration and applies every non-null
// key as a process-scope parameter. Retries forever with 1s spacing; only
// the first occurrence of each distinct failure is surfaced.
func (m *Manager) configure(ctx context.Context) error {
	m.log.Info().Msg("getting configuration")
	var last string
	op := func() error {
		conf, code, err := m.api.GetConfig(ctx)
		if err != nil {
			m.surface(&last, code, err)
			return err
		}
		for key, val := range conf {
			if val == nil {
				continue
			}
			os.Setenv(key, fmt.Sprintf("%v", val))
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return errors.Wrap(err, "failed to get configuration")
	}
	m.log.Info().Msg("configuration applied")
	return nil
}

// surface logs the first occurrence of each distinct (status, error) pair
// at error level and repeats at debug level, to avoid log storms. Console
// and log file share one level, so repeats are written to neither unless
// debug output is enabled.
func (m *Manager) surface(last *string, code int, err error) {
	key := fmt.Sprintf("%d|%v", code, err)
	if key == *last {
		m.log.Debug().Int("status", code).Err(err).Msg("orchestrator call failed")
		return
	}
	*last = key
	m.log.Error().Int("status", code).Err(err).Msg("orchestrator call failed")
}

// build constructs the node descriptor from local data.
func (m *Manager) build() error {
	m.log.Info().Msg("building node and interfaces")
	var node *fogtypes.Node
	if m.opts.Mode == ModeSwitch {
		if m.opts.DPID == "" {
			return errors.New("dpid argument missing")
		}
		if _, err := strconv.ParseUint(m.opts.DPID, 16, 64); err != nil {
			return errors.New("dpid argument invalid (must be hexadecimal)")
		}
		node = fogtypes.NewNode(m.opts.DPID, fogtypes.SwitchType, "")
	} else {
		id := m.opts.ID
		label := m.opts.Label
		if label == "" {
			if hostname, err := os.Hostname(); err == nil {
				label = hostname
			}
		}
		if id == "" {
			iface, err := netutil.Select(os.Getenv("NETWORK_ADDRESS"))
			if err != nil {
				return errors.Wrap(err, "failed to determine node id")
			}
			id = iface.MAC
		}
		node = fogtypes.NewNode(id, fogtypes.ServerType, label)
	}

	ifaces, err := netutil.LocalInterfaces()
	if err != nil {
		return err
	}
	for name, info := range ifaces {
		node.Interfaces[name] = &fogtypes.Interface{
			Name: name,
			Num:  info.Index,
			MAC:  info.MAC,
			IPv4: info.IPv4,
		}
	}
	if iface, err := netutil.Select(os.Getenv("NETWORK_ADDRESS")); err == nil {
		node.MainInterface = iface.Name
	}
	if m.led != nil {
		node.Threshold = m.led.Threshold()
	}

	m.mu.Lock()
	m.node = node
	m.mu.Unlock()
	m.log.Info().Str("id", node.ID).Str("label", node.Label).Msg("node built")
	return nil
}

// join registers the node, retrying with 1s spacing until success. A 303
// means another agent owns the id: fatal.
func (m *Manager) join(ctx context.Context) error {
	m.log.Info().Msg("connecting")
	var last string
	op := func() error {
		added, code, err := m.api.AddNode(ctx, m.node)
		if code == orchestrator.StatusExists {
			return backoff.Permanent(ErrConflict)
		}
		if err != nil || !added {
			if err == nil {
				err = errors.Errorf("add node returned %d", code)
			}
			m.surface(&last, code, err)
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	return backoff.Retry(op, bo)
}

// Disconnect withdraws the node from the topology and stops the periodic
// loops at their next suspension point.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.setState(Disconnecting)
	m.closeOnce.Do(func() { close(m.connected) })
	m.log.Info().Msg("disconnecting")
	defer m.setState(Disconnected)
	if m.opts.Mode == ModeSwitch || m.node == nil {
		return nil
	}
	deleted, code, err := m.api.DeleteNode(ctx, m.node)
	if err != nil {
		return errors.Wrap(err, "node not deleted")
	}
	if !deleted {
		return errors.Errorf("node not deleted (status %d)", code)
	}
	m.log.Info().Msg("node deleted successfully")
	return nil
}

func (m *Manager) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.connected:
		return true
	default:
		return false
	}
}

// keepalive sends the node id as a UDP datagram every udp_timeout/2
// seconds so the orchestrator can track liveness.
func (m *Manager) keepalive(ctx context.Context) {
	port := envInt("ORCHESTRATOR_UDP_PORT", 7070)
	timeout := envFloat("ORCHESTRATOR_UDP_TIMEOUT", 1)
	ka := orchestrator.NewKeepalive(m.node.ID, m.opts.ServerIP, port,
		time.Duration(timeout*float64(time.Second)))

	kctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-m.connected
		cancel()
	}()
	if err := ka.Run(kctx); err != nil {
		m.log.Error().Err(err).Msg("keepalive loop failed")
	}
}

// reportSpecs pushes the node's live specs every monitor period. After each
// failed push (outside switch mode) the node re-joins, recovering from
// orchestrator-side forget.
func (m *Manager) reportSpecs(ctx context.Context) {
	period := envFloat("MONITOR_PERIOD", 1)
	ticker := time.NewTicker(time.Duration(period * float64(time.Second)))
	defer ticker.Stop()

	if m.led != nil {
		totals := m.led.Totals()
		m.node.SetTotals(totals.CPU, totals.RAM, totals.Disk)
	}

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.connected:
			return
		case <-ticker.C:
		}
		if m.led != nil {
			cpu, ram, disk := m.led.Snapshot()
			m.node.SetFree(cpu, ram, disk)
		}
		if m.mon != nil {
			if measures, ok := m.mon.Snapshot(); ok {
				for name, iface := range m.node.Interfaces {
					im, ok := measures.Interfaces[name]
					if !ok {
						continue
					}
					iface.SetSpecs(fogtypes.InterfaceSpecs{
						Capacity:      im.Capacity,
						BandwidthUp:   im.BandwidthUp,
						BandwidthDown: im.BandwidthDown,
						TxPackets:     im.TxPackets,
						RxPackets:     im.RxPackets,
					})
				}
			}
		}

		updated, code, err := m.api.UpdateNodeSpecs(ctx, m.node)
		if updated {
			key := fmt.Sprintf("%d", code)
			if key != last {
				m.log.Info().Msg("node specs are being sent")
				last = key
			}
			continue
		}
		if err == nil {
			err = errors.Errorf("update node specs returned %d", code)
		}
		m.surface(&last, code, err)
		if m.opts.Mode != ModeSwitch && !m.stopped(ctx) {
			// the orchestrator may have forgotten the node
			m.setState(Joining)
			if _, _, err := m.api.AddNode(ctx, m.node); err == nil {
				m.setState(Connected)
			}
		}
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).
			Msgf("parameter invalid, defaulting to %d", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		log.Warn().Str("key", key).Str("value", v).
			Msgf("parameter invalid, defaulting to %v", def)
		return def
	}
	return f
}
