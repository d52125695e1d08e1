package protocol

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Mode selects the protocol topology.
type Mode string

const (
	// ModeBroadcast discovers hosts by L2 broadcast.
	ModeBroadcast Mode = "BROADCAST"
	// ModeOrchestrator delegates host selection to the orchestrator via a
	// decoy address.
	ModeOrchestrator Mode = "ORCHESTRATOR"
	// ModeNone disables the offload protocol.
	ModeNone Mode = "NONE"
)

const (
	// ReqIDLen is the fixed width of the request id wire field.
	ReqIDLen = 10
	// MACLen is the fixed width of MAC address wire fields.
	MACLen = 17
	// IPLen is the fixed width of IPv4 address wire fields.
	IPLen = 15
	// BroadcastMAC is the L2 broadcast destination.
	BroadcastMAC = "ff:ff:ff:ff:ff:ff"
	// UnspecifiedIP is never accepted as a packet source.
	UnspecifiedIP = "0.0.0.0"
)

// Config carries the protocol parameters resolved at connect time.
type Config struct {
	Mode    Mode
	Timeout time.Duration
	Retries int
	Verbose bool

	// IsResource enables the provider role.
	IsResource bool

	// Local addressing, resolved from the selected interface.
	IfaceName   string
	IfaceIndex  int
	LocalMAC    string
	LocalIP     string
	BroadcastIP string

	// Decoy addressing, required in orchestrator mode.
	DecoyMAC string
	DecoyIP  string
}

// ConfigFromEnv resolves the protocol configuration from the environment
// (populated from CLI flags and the orchestrator /config payload).
// Broadcast mode without spanning-tree protection degrades to NONE; a
// missing decoy address in orchestrator mode is a fatal configuration
// error.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Mode:    Mode(strings.ToUpper(os.Getenv("PROTOCOL_SEND_TO"))),
		Timeout: time.Second,
		Retries: 3,
	}

	switch cfg.Mode {
	case ModeBroadcast, ModeOrchestrator, ModeNone:
	default:
		log.Warn().Str("send_to", string(cfg.Mode)).
			Msg("PROTOCOL_SEND_TO invalid or missing, protocol will not be used")
		cfg.Mode = ModeNone
	}

	if cfg.Mode == ModeBroadcast &&
		!strings.EqualFold(os.Getenv("NETWORK_STP_ENABLED"), "true") {
		log.Warn().Msg("broadcast mode requires STP, protocol will not be used")
		cfg.Mode = ModeNone
	}

	if v := os.Getenv("PROTOCOL_TIMEOUT"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs * float64(time.Second))
		} else {
			log.Warn().Str("timeout", v).Msg("PROTOCOL_TIMEOUT invalid, defaulting to 1s")
		}
	}
	if v := os.Getenv("PROTOCOL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retries = n
		} else {
			log.Warn().Str("retries", v).Msg("PROTOCOL_RETRIES invalid, defaulting to 3")
		}
	}
	cfg.Verbose = strings.EqualFold(os.Getenv("PROTOCOL_VERBOSE"), "true")
	cfg.IsResource = strings.EqualFold(os.Getenv("IS_RESOURCE"), "true")

	if cfg.Mode == ModeOrchestrator {
		cfg.DecoyMAC = os.Getenv("CONTROLLER_DECOY_MAC")
		if cfg.DecoyMAC == "" {
			return cfg, errors.New("CONTROLLER_DECOY_MAC parameter missing from received configuration")
		}
		cfg.DecoyIP = os.Getenv("CONTROLLER_DECOY_IP")
		if cfg.DecoyIP == "" {
			return cfg, errors.New("CONTROLLER_DECOY_IP parameter missing from received configuration")
		}
	}
	return cfg, nil
}

// window is the long wait used for reservation holds and orchestrator
// host discovery.
func (c Config) window() time.Duration {
	return time.Duration(c.Retries) * c.Timeout
}
