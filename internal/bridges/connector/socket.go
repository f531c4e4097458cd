package connector

import (
	"context"
	"fmt"
	"net"
)

// ListenFunc opens the packet socket used by a Transport.
// The default binds a UDP socket with SO_REUSEADDR set.
type ListenFunc func(ctx context.Context, network, address string) (net.PacketConn, error)

// listenReusable binds address with SO_REUSEADDR so several processes on the
// host can listen to the hub group at once.
func listenReusable(ctx context.Context, network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, address, err)
	}
	return conn, nil
}

// lookupInterface resolves the interface used for the multicast join.
// name may be an interface name ("eth0") or one of its IPv4 addresses.
// An empty name returns nil, which lets the kernel choose.
func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil //nolint:nilnil // nil interface means system default
	}

	ip := net.ParseIP(name)
	if ip == nil {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		return ifi, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", name)
}
