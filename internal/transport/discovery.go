package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service mesh peers advertise.
	ServiceType = "_collab._tcp"

	serviceDomain = "local."
	roomTXTKey    = "room="
)

// MeshPeer is a mesh peer found on the local network.
type MeshPeer struct {
	Instance string
	Room     string
	Addr     net.IP
	Port     int
}

// URL returns the websocket URL of the peer's room endpoint.
func (p MeshPeer) URL() string {
	return fmt.Sprintf("ws://%s/rooms/%s", net.JoinHostPort(p.Addr.String(), fmt.Sprint(p.Port)), p.Room)
}

// Advertise registers this replica's room endpoint over mDNS. Call the
// returned function to withdraw it.
func Advertise(instance, room string, port int) (func(), error) {
	server, err := zeroconf.Register(instance, ServiceType, serviceDomain, port, []string{roomTXTKey + room}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return server.Shutdown, nil
}

// Discover browses for peers advertising room and calls found for each one
// until ctx ends. Entries without an IPv4 address, for another room, or
// for the instance named self are skipped.
func Discover(ctx context.Context, room, self string, found func(MeshPeer), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				peer, ok := peerFromEntry(entry)
				if !ok || peer.Room != room || peer.Instance == self {
					continue
				}
				logger.Debug("mesh peer discovered", "instance", peer.Instance, "url", peer.URL())
				found(peer)
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	return nil
}

func peerFromEntry(e *zeroconf.ServiceEntry) (MeshPeer, bool) {
	if e == nil || len(e.AddrIPv4) == 0 {
		return MeshPeer{}, false
	}
	p := MeshPeer{Instance: e.Instance, Addr: e.AddrIPv4[0], Port: e.Port}
	for _, txt := range e.Text {
		if room, ok := strings.CutPrefix(txt, roomTXTKey); ok {
			p.Room = room
		}
	}
	return p, p.Room != ""
}
