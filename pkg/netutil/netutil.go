// Package netutil selects the interface and addresses the agent binds its
// wire protocol to: either the interface whose IPv4 lies inside the
// configured network, or the one carrying the default route.
package netutil

import (
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// Iface is the selected interface with its addressing.
type Iface struct {
	Name      string
	Index     int
	MAC       string
	IPv4      string
	Broadcast string
}

// ErrNoInterface is returned when no usable interface is found.
var ErrNoInterface = errors.New("no usable network interface")

// Select returns the interface whose IPv4 address lies in network (CIDR
// notation). With an empty or unparsable network, the interface holding
// the default route is used. The broadcast address falls back to
// 255.255.255.255 when it cannot be derived.
func Select(network string) (*Iface, error) {
	if network != "" {
		if _, ipnet, err := net.ParseCIDR(network); err == nil {
			if iface, err := byNetwork(ipnet); err == nil {
				return iface, nil
			}
		}
	}
	return byDefaultRoute()
}

func byNetwork(ipnet *net.IPNet) (*Iface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interfaces")
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			an, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := an.IP.To4()
			if ip4 == nil || !ipnet.Contains(ip4) {
				continue
			}
			return build(ifc, ip4, an.Mask), nil
		}
	}
	return nil, ErrNoInterface
}

func byDefaultRoute() (*Iface, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list routes")
	}
	for _, r := range routes {
		if r.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		ifc, err := net.InterfaceByName(link.Attrs().Name)
		if err != nil {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			an, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := an.IP.To4(); ip4 != nil {
				return build(*ifc, ip4, an.Mask), nil
			}
		}
	}
	return nil, ErrNoInterface
}

func build(ifc net.Interface, ip net.IP, mask net.IPMask) *Iface {
	out := &Iface{
		Name:      ifc.Name,
		Index:     ifc.Index,
		MAC:       ifc.HardwareAddr.String(),
		IPv4:      ip.String(),
		Broadcast: "255.255.255.255",
	}
	if b := Broadcast(ip, mask); b != "" {
		out.Broadcast = b
	}
	return out
}

// Broadcast computes the network broadcast address for ip/mask, or ""
// when it cannot be derived.
func Broadcast(ip net.IP, mask net.IPMask) string {
	ip4 := ip.To4()
	if ip4 == nil || len(mask) != net.IPv4len {
		return ""
	}
	b := make(net.IP, net.IPv4len)
	for i := range b {
		b[i] = ip4[i] | ^mask[i]
	}
	return b.String()
}

// LocalInterfaces enumerates all non-loopback interfaces with their MAC
// and first IPv4 address, for the node descriptor.
func LocalInterfaces() (map[string]*InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list interfaces")
	}
	out := make(map[string]*InterfaceInfo)
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		info := &InterfaceInfo{
			Name:  ifc.Name,
			Index: ifc.Index,
			MAC:   ifc.HardwareAddr.String(),
		}
		if addrs, err := ifc.Addrs(); err == nil {
			for _, addr := range addrs {
				if an, ok := addr.(*net.IPNet); ok {
					if ip4 := an.IP.To4(); ip4 != nil {
						info.IPv4 = ip4.String()
						break
					}
				}
			}
		}
		out[ifc.Name] = info
	}
	return out, nil
}

// InterfaceInfo is the static addressing of a local interface.
type InterfaceInfo struct {
	Name  string
	Index int
	MAC   string
	IPv4  string
}
