package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Keepalive periodically sends the node id as a UDP datagram so the
// orchestrator can track node liveness. The cadence is half the
// orchestrator-side timeout.
type Keepalive struct {
	nodeID string
	addr   string
	period time.Duration
}

// NewKeepalive creates a keepalive sender towards serverIP:port firing
// every timeout/2.
func NewKeepalive(nodeID, serverIP string, port int, timeout time.Duration) *Keepalive {
	return &Keepalive{
		nodeID: nodeID,
		addr:   fmt.Sprintf("%s:%d", serverIP, port),
		period: timeout / 2,
	}
}

// Run sends datagrams until ctx is cancelled.
func (k *Keepalive) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", k.addr)
	if err != nil {
		return errors.Wrap(err, "failed to open keepalive socket")
	}
	defer conn.Close()

	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		if _, err := conn.Write([]byte(k.nodeID)); err != nil {
			log.Debug().Err(err).Msg("keepalive send failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
