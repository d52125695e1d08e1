package protocol

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Inbound is a received protocol packet with its L2/L3 addressing.
type Inbound struct {
	Src Addr
	Dst Addr
	Pkt *Packet
}

// Transport sends and receives protocol packets on the selected interface.
type Transport interface {
	// Send frames and transmits a packet to dst. An empty dst.MAC falls
	// back to the L2 broadcast address.
	Send(pkt *Packet, dst Addr) error
	// Recv blocks until a protocol packet arrives or ctx is cancelled.
	Recv(ctx context.Context) (*Inbound, error)
	Close() error
}

const (
	etherTypeIPv4 = 0x0800
	// ipProtoOffload is the experimental IP protocol number carrying the
	// offload packets.
	ipProtoOffload = 253

	ethHeaderLen  = 14
	ipv4HeaderLen = 20
)

// packetTransport frames packets in Ethernet/IPv4 over an AF_PACKET socket
// bound to the selected interface.
type packetTransport struct {
	fd    int
	cfg   Config
	local net.HardwareAddr
}

// NewPacketTransport opens a raw packet socket on the configured interface.
func NewPacketTransport(cfg Config) (Transport, error) {
	mac, err := net.ParseMAC(cfg.LocalMAC)
	if err != nil {
		return nil, errors.Wrap(err, "invalid local MAC")
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open packet socket")
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  cfg.IfaceIndex,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "failed to bind packet socket to %s", cfg.IfaceName)
	}
	// bounded read so Recv can observe ctx cancellation
	tv := unix.Timeval{Usec: 500000}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to set receive timeout")
	}
	return &packetTransport{fd: fd, cfg: cfg, local: mac}, nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func (t *packetTransport) Send(pkt *Packet, dst Addr) error {
	dstMACStr := dst.MAC
	if dstMACStr == "" {
		dstMACStr = BroadcastMAC
	}
	dstMAC, err := net.ParseMAC(dstMACStr)
	if err != nil {
		return errors.Wrapf(err, "invalid destination MAC %q", dstMACStr)
	}
	srcIP := net.ParseIP(t.cfg.LocalIP).To4()
	dstIP := net.ParseIP(dst.IP).To4()
	if srcIP == nil || dstIP == nil {
		return errors.Errorf("invalid IPv4 addressing %q -> %q", t.cfg.LocalIP, dst.IP)
	}

	payload := pkt.Encode(t.cfg.Mode)
	frame := make([]byte, ethHeaderLen+ipv4HeaderLen+len(payload))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], t.local)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[ethHeaderLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+len(payload)))
	ip[8] = 64
	ip[9] = ipProtoOffload
	copy(ip[12:16], srcIP)
	copy(ip[16:20], dstIP)
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip[:ipv4HeaderLen]))
	copy(ip[ipv4HeaderLen:], payload)

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IP),
		Ifindex:  t.cfg.IfaceIndex,
		Halen:    6,
	}
	copy(sll.Addr[:], dstMAC)
	return unix.Sendto(t.fd, frame, 0, sll)
}

func (t *packetTransport) Recv(ctx context.Context) (*Inbound, error) {
	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _, err := unix.Recvfrom(t.fd, buf, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "packet receive failed")
		}
		in, ok := t.parse(buf[:n])
		if !ok {
			continue
		}
		return in, nil
	}
}

// parse accepts only frames carrying exactly Ethernet/IPv4/offload, per
// the protocol's inbound acceptance rule.
func (t *packetTransport) parse(b []byte) (*Inbound, bool) {
	if len(b) < ethHeaderLen+ipv4HeaderLen {
		return nil, false
	}
	if binary.BigEndian.Uint16(b[12:14]) != etherTypeIPv4 {
		return nil, false
	}
	ip := b[ethHeaderLen:]
	if ip[0] != 0x45 || ip[9] != ipProtoOffload {
		return nil, false
	}
	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if total < ipv4HeaderLen || total > len(ip) {
		return nil, false
	}
	pkt, err := Decode(ip[ipv4HeaderLen:total], t.cfg.Mode)
	if err != nil {
		return nil, false
	}
	return &Inbound{
		Src: Addr{
			MAC: net.HardwareAddr(b[6:12]).String(),
			IP:  net.IP(ip[12:16]).String(),
		},
		Dst: Addr{
			MAC: net.HardwareAddr(b[0:6]).String(),
			IP:  net.IP(ip[16:20]).String(),
		},
		Pkt: pkt,
	}, true
}

func (t *packetTransport) Close() error {
	return unix.Close(t.fd)
}

func ipChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
