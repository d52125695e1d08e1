package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcast(t *testing.T) {
	tests := []struct {
		cidr string
		want string
	}{
		{"10.0.0.2/24", "10.0.0.255"},
		{"192.168.1.17/16", "192.168.255.255"},
		{"172.16.4.1/30", "172.16.4.3"},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			ip, ipnet, err := net.ParseCIDR(tt.cidr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Broadcast(ip, ipnet.Mask))
		})
	}
}

func TestBroadcastNonIPv4(t *testing.T) {
	ip, ipnet, err := net.ParseCIDR("2001:db8::1/64")
	require.NoError(t, err)
	assert.Equal(t, "", Broadcast(ip, ipnet.Mask))
}

func TestLocalInterfacesSkipLoopback(t *testing.T) {
	ifaces, err := LocalInterfaces()
	require.NoError(t, err)
	for name := range ifaces {
		assert.NotEqual(t, "lo", name)
	}
}
